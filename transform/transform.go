// Package transform maps raw feed records onto listing fields. Nothing in
// here performs I/O.
package transform

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"mls_sync/models"
)

const (
	RemarksLimit  = 220
	remarksMarker = "..."
)

// Fields is the normalized subset derived from one raw record.
type Fields struct {
	Address        *string
	Status         *string
	Remarks        *string
	RemarksFull    *string
	VirtualTourURL *string
}

func Transform(rec *models.RawRecord) Fields {
	full := CleanRemarks(rec.PublicRemarks.Ptr())
	return Fields{
		Address:        Address(rec),
		Status:         Status(rec),
		Remarks:        Truncate(full, RemarksLimit),
		RemarksFull:    full,
		VirtualTourURL: firstNonEmpty(rec.VirtualTourURLBranded, rec.VirtualTourURLUnbranded),
	}
}

// Address prefers UnparsedAddress, else assembles the street parts and
// appends the locality. Nil when no street component exists.
func Address(rec *models.RawRecord) *string {
	if v := rec.UnparsedAddress.Trimmed(); v != nil {
		return v
	}

	street := joinPresent(" ", rec.StreetNumber, rec.StreetDirPrefix, rec.StreetName, rec.StreetSuffix)
	if street == "" {
		return nil
	}
	if locality := joinPresent(", ", rec.City, rec.StateOrProvince, rec.PostalCode); locality != "" {
		street += ", " + locality
	}
	return &street
}

// Status prefers StandardStatus, then MlsStatus, then ContractStatus.
func Status(rec *models.RawRecord) *string {
	return firstNonEmpty(rec.StandardStatus, rec.MlsStatus, rec.ContractStatus)
}

// CleanRemarks strips markup some boards embed in PublicRemarks and trims.
func CleanRemarks(remarks *string) *string {
	if remarks == nil {
		return nil
	}
	text := *remarks
	if strings.ContainsRune(text, '<') {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
			text = doc.Text()
		}
	}
	return StringOrNull(&text)
}

// Truncate limits s to n runes, appending "..." when cut.
func Truncate(s *string, n int) *string {
	if s == nil {
		return nil
	}
	if utf8.RuneCountInString(*s) <= n {
		v := *s
		return &v
	}
	runes := []rune(*s)
	v := strings.TrimRight(string(runes[:n]), " \t\n") + remarksMarker
	return &v
}

func firstNonEmpty(values ...models.Flex) *string {
	for _, v := range values {
		if t := v.Trimmed(); t != nil {
			return t
		}
	}
	return nil
}

func joinPresent(sep string, values ...models.Flex) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if t := v.Trimmed(); t != nil {
			parts = append(parts, *t)
		}
	}
	return strings.Join(parts, sep)
}
