package transform

import (
	"strings"
	"time"

	"mls_sync/models"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC1123Z,
	time.RFC1123,
}

// Parse is a best-effort date parse. Offset-less values are read as UTC.
// Returns nil instead of an error when nothing matches.
func Parse(value *string) *time.Time {
	if value == nil {
		return nil
	}
	s := strings.TrimSpace(*value)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// FromDaysOnMarket returns reference minus max(0, days) days, using the
// current time when reference is nil.
func FromDaysOnMarket(days *int, reference *time.Time) *time.Time {
	if days == nil {
		return nil
	}
	ref := time.Now().UTC()
	if reference != nil {
		ref = reference.UTC()
	}
	d := max(*days, 0)
	t := ref.AddDate(0, 0, -d)
	return &t
}

// ListedAtCandidate returns the first parseable listing date field, nil
// when none of them parse.
func ListedAtCandidate(rec *models.RawRecord) *time.Time {
	candidates := []models.Flex{
		rec.ListingContractDate,
		rec.OriginalEntryTimestamp,
		rec.OnMarketDate,
		rec.ListDate,
	}
	for _, c := range candidates {
		if t := Parse(c.Ptr()); t != nil {
			return t
		}
	}
	return nil
}

// ResolveListedAt returns the listed_at to store. An explicit date wins;
// otherwise a stored date is kept, and only a listing without one gets the
// DaysOnMarket fallback counted back from syncedAt. Re-syncing the same
// record therefore never shifts the date.
func ResolveListedAt(explicit, stored *time.Time, daysOnMarket *int, syncedAt time.Time) *time.Time {
	switch {
	case explicit != nil:
		return explicit
	case stored != nil:
		return stored
	}
	return FromDaysOnMarket(daysOnMarket, &syncedAt)
}
