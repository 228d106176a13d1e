package models

import (
	"strconv"
	"time"
)

const nilMarker = "\x00"

type trackedField struct {
	name  string
	value func(*Listing) string
}

// Payload is deliberately absent: raw feed churn is not a meaningful change.
var trackedFields = []trackedField{
	{"external_id", func(l *Listing) string { return str(l.ExternalID) }},
	{"listing_key", func(l *Listing) string { return str(l.ListingKey) }},
	{"board_code", func(l *Listing) string { return l.BoardCode }},
	{"mls_number", func(l *Listing) string { return l.MLSNumber }},
	{"source_id", func(l *Listing) string { return i64(l.SourceID) }},
	{"municipality_id", func(l *Listing) string { return i64(l.MunicipalityID) }},
	{"status_code", func(l *Listing) string { return str(l.StatusCode) }},
	{"display_status", func(l *Listing) string { return str(l.DisplayStatus) }},
	{"availability", func(l *Listing) string { return l.Availability }},
	{"list_price", func(l *Listing) string { return flt(l.ListPrice) }},
	{"original_list_price", func(l *Listing) string { return flt(l.OriginalListPrice) }},
	{"property_type", func(l *Listing) string { return str(l.PropertyType) }},
	{"property_sub_type", func(l *Listing) string { return str(l.PropertySubType) }},
	{"transaction_type", func(l *Listing) string { return str(l.TransactionType) }},
	{"address", func(l *Listing) string { return str(l.Address) }},
	{"unit_number", func(l *Listing) string { return str(l.UnitNumber) }},
	{"city", func(l *Listing) string { return str(l.City) }},
	{"province", func(l *Listing) string { return str(l.Province) }},
	{"postal_code", func(l *Listing) string { return str(l.PostalCode) }},
	{"latitude", func(l *Listing) string { return flt(l.Latitude) }},
	{"longitude", func(l *Listing) string { return flt(l.Longitude) }},
	{"bedrooms", func(l *Listing) string { return num(l.Bedrooms) }},
	{"bedrooms_plus", func(l *Listing) string { return num(l.BedroomsPlus) }},
	{"bathrooms", func(l *Listing) string { return num(l.Bathrooms) }},
	{"living_area", func(l *Listing) string { return num(l.LivingArea) }},
	{"remarks", func(l *Listing) string { return str(l.Remarks) }},
	{"remarks_full", func(l *Listing) string { return str(l.RemarksFull) }},
	{"virtual_tour_url", func(l *Listing) string { return str(l.VirtualTourURL) }},
	{"listed_at", func(l *Listing) string { return ts(l.ListedAt) }},
	{"modified_at", func(l *Listing) string { return ts(l.ModifiedAt) }},
	{"deleted_at", func(l *Listing) string { return ts(l.DeletedAt) }},
}

// DirtyFields lists the columns whose values differ between before and
// after. A nil before means a fresh record, so every field is dirty.
func DirtyFields(before, after *Listing) []string {
	var dirty []string
	for _, f := range trackedFields {
		if before == nil || f.value(before) != f.value(after) {
			dirty = append(dirty, f.name)
		}
	}
	return dirty
}

// StatusChanged reports whether a dirty set touches the status pair.
func StatusChanged(dirty []string) bool {
	for _, name := range dirty {
		if name == "status_code" || name == "display_status" {
			return true
		}
	}
	return false
}

func str(v *string) string {
	if v == nil {
		return nilMarker
	}
	return *v
}

func i64(v *int64) string {
	if v == nil {
		return nilMarker
	}
	return strconv.FormatInt(*v, 10)
}

func num(v *int) string {
	if v == nil {
		return nilMarker
	}
	return strconv.Itoa(*v)
}

func flt(v *float64) string {
	if v == nil {
		return nilMarker
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func ts(v *time.Time) string {
	if v == nil {
		return nilMarker
	}
	return v.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}
