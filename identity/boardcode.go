package identity

import (
	"regexp"
	"strings"

	"mls_sync/models"
)

const (
	UnknownBoard    = "UNKNOWN"
	maxBoardCodeLen = 16
)

var (
	compactCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]+$`)
	strayCharRegex   = regexp.MustCompile(`[^A-Za-z0-9\s-]`)
	tokenSplitRegex  = regexp.MustCompile(`[\s-]+`)

	stopwords = map[string]bool{
		"of":  true,
		"the": true,
		"and": true,
		"for": true,
	}
)

// FromSystemName maps an originating system name to a short board code:
// "Toronto Regional Real Estate Board" -> "TRREB", "trreb" -> "TRREB".
func FromSystemName(name *string) string {
	if name == nil {
		return UnknownBoard
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		return UnknownBoard
	}
	if len(trimmed) <= maxBoardCodeLen && compactCodeRegex.MatchString(trimmed) {
		return strings.ToUpper(trimmed)
	}

	cleaned := strayCharRegex.ReplaceAllString(trimmed, "")
	var b strings.Builder
	for _, tok := range tokenSplitRegex.Split(cleaned, -1) {
		if tok == "" || stopwords[strings.ToLower(tok)] {
			continue
		}
		b.WriteString(strings.ToUpper(tok[:1]))
		if b.Len() >= maxBoardCodeLen {
			break
		}
	}

	code := b.String()
	if len(code) > maxBoardCodeLen {
		code = code[:maxBoardCodeLen]
	}
	if code == "" {
		return UnknownBoard
	}
	return code
}

// BoardCode resolves the board of a feed record from the first populated
// system name field.
func BoardCode(rec *models.RawRecord) string {
	return FromSystemName(firstPresent(rec.OriginatingSystemName, rec.SourceSystemName, rec.ListAOR))
}

// MLSNumber resolves the board-scoped listing number, falling back to the
// feed key. Empty when none is present.
func MLSNumber(rec *models.RawRecord) string {
	if v := firstPresent(rec.ListingID, rec.MLSNumber, rec.ListingKey); v != nil {
		return *v
	}
	return ""
}

func firstPresent(values ...models.Flex) *string {
	for _, v := range values {
		if t := v.Trimmed(); t != nil {
			return t
		}
	}
	return nil
}
