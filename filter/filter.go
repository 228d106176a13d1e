// Package filter holds the power-of-sale predicate and the OData $filter
// expressions pushed to the feed.
package filter

import (
	"strings"
	"time"
)

// caseSensitiveKeywords must match exactly; " POS" variants are padded so
// words like "composition" or "deposit" never match.
var caseSensitiveKeywords = []string{
	"Power-of-Sale",
	"Power-of-sale",
	"P.O.S",
	" POS ",
	" POS,",
	" POS.",
	" POS-",
}

// serverKeywords are the contains() terms pushed upstream.
var serverKeywords = []string{
	"power of sale",
	"Power of Sale",
	"POWER OF SALE",
	"Power-of-Sale",
	"Power-of-sale",
	"P.O.S",
	" POS ",
	" POS,",
	" POS.",
	" POS-",
}

// IsPowerOfSaleRemarks reports whether remarks mention a power-of-sale
// transaction. Applied even when the server-side filter was pushed, since
// providers differ on contains() case handling.
func IsPowerOfSaleRemarks(remarks *string) bool {
	if remarks == nil {
		return false
	}
	text := *remarks
	if strings.Contains(strings.ToLower(text), "power of sale") {
		return true
	}
	for _, kw := range caseSensitiveKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// PowerOfSaleFilterExpression returns the OData boolean expression matching
// power-of-sale listings. Monitoring compares against this string, keep it stable.
func PowerOfSaleFilterExpression() string {
	terms := make([]string, len(serverKeywords))
	for i, kw := range serverKeywords {
		terms[i] = "contains(PublicRemarks," + Quote(kw) + ")"
	}
	return "PublicRemarks ne null and startswith(TransactionType,'For Sale') and (" +
		strings.Join(terms, " or ") + ")"
}

// CursorExpression selects records strictly after the (timestamp, key) watermark.
func CursorExpression(ts time.Time, key string) string {
	return keyedCursor("ModificationTimestamp", "ListingKey", ts, key)
}

// MediaCursorExpression is CursorExpression for the Media resource.
func MediaCursorExpression(ts time.Time, key string) string {
	return keyedCursor("MediaModificationTimestamp", "MediaKey", ts, key)
}

func keyedCursor(tsField, keyField string, ts time.Time, key string) string {
	if ts.IsZero() {
		return ""
	}
	lit := Timestamp(ts)
	if key == "" {
		return tsField + " gt " + lit
	}
	return tsField + " gt " + lit + " or (" + tsField + " eq " + lit + " and " + keyField + " gt " + Quote(key) + ")"
}

// MediaByRecordKey selects the media of one listing.
func MediaByRecordKey(listingKey string) string {
	return "ResourceRecordKey eq " + Quote(listingKey)
}

// And parenthesises and joins the non-empty expressions.
func And(exprs ...string) string {
	var parts []string
	for _, e := range exprs {
		if e = strings.TrimSpace(e); e != "" {
			parts = append(parts, e)
		}
	}
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	for i, p := range parts {
		parts[i] = "(" + p + ")"
	}
	return strings.Join(parts, " and ")
}

// Quote renders an OData string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Timestamp renders an OData DateTimeOffset literal in UTC.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
