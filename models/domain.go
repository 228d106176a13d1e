package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Listing is one MLS record, identified by external_id or (board_code, mls_number).
type Listing struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	ExternalID        *string         `json:"external_id" db:"external_id"`
	ListingKey        *string         `json:"listing_key" db:"listing_key"`
	BoardCode         string          `json:"board_code" db:"board_code"`
	MLSNumber         string          `json:"mls_number" db:"mls_number"`
	SourceID          *int64          `json:"source_id" db:"source_id"`
	MunicipalityID    *int64          `json:"municipality_id" db:"municipality_id"`
	StatusCode        *string         `json:"status_code" db:"status_code"`
	DisplayStatus     *string         `json:"display_status" db:"display_status"`
	Availability      string          `json:"availability" db:"availability"`
	ListPrice         *float64        `json:"list_price" db:"list_price"`
	OriginalListPrice *float64        `json:"original_list_price" db:"original_list_price"`
	PropertyType      *string         `json:"property_type" db:"property_type"`
	PropertySubType   *string         `json:"property_sub_type" db:"property_sub_type"`
	TransactionType   *string         `json:"transaction_type" db:"transaction_type"`
	Address           *string         `json:"address" db:"address"`
	UnitNumber        *string         `json:"unit_number" db:"unit_number"`
	City              *string         `json:"city" db:"city"`
	Province          *string         `json:"province" db:"province"`
	PostalCode        *string         `json:"postal_code" db:"postal_code"`
	Latitude          *float64        `json:"latitude" db:"latitude"`
	Longitude         *float64        `json:"longitude" db:"longitude"`
	Bedrooms          *int            `json:"bedrooms" db:"bedrooms"`
	BedroomsPlus      *int            `json:"bedrooms_plus" db:"bedrooms_plus"`
	Bathrooms         *int            `json:"bathrooms" db:"bathrooms"`
	LivingArea        *int            `json:"living_area" db:"living_area"`
	Remarks           *string         `json:"remarks" db:"remarks"`
	RemarksFull       *string         `json:"remarks_full" db:"remarks_full"`
	VirtualTourURL    *string         `json:"virtual_tour_url" db:"virtual_tour_url"`
	ListedAt          *time.Time      `json:"listed_at" db:"listed_at"`
	ModifiedAt        *time.Time      `json:"modified_at" db:"modified_at"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	DeletedAt         *time.Time      `json:"deleted_at" db:"deleted_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// IsDeleted reports whether the listing is soft-deleted.
func (l *Listing) IsDeleted() bool {
	return l.DeletedAt != nil
}

// Restore clears the soft-delete marker.
func (l *Listing) Restore() {
	l.DeletedAt = nil
}

// Clone returns a copy that shares no pointers with l.
func (l *Listing) Clone() *Listing {
	c := *l
	c.ExternalID = cloneString(l.ExternalID)
	c.ListingKey = cloneString(l.ListingKey)
	c.SourceID = cloneInt64(l.SourceID)
	c.MunicipalityID = cloneInt64(l.MunicipalityID)
	c.StatusCode = cloneString(l.StatusCode)
	c.DisplayStatus = cloneString(l.DisplayStatus)
	c.ListPrice = cloneFloat(l.ListPrice)
	c.OriginalListPrice = cloneFloat(l.OriginalListPrice)
	c.PropertyType = cloneString(l.PropertyType)
	c.PropertySubType = cloneString(l.PropertySubType)
	c.TransactionType = cloneString(l.TransactionType)
	c.Address = cloneString(l.Address)
	c.UnitNumber = cloneString(l.UnitNumber)
	c.City = cloneString(l.City)
	c.Province = cloneString(l.Province)
	c.PostalCode = cloneString(l.PostalCode)
	c.Latitude = cloneFloat(l.Latitude)
	c.Longitude = cloneFloat(l.Longitude)
	c.Bedrooms = cloneInt(l.Bedrooms)
	c.BedroomsPlus = cloneInt(l.BedroomsPlus)
	c.Bathrooms = cloneInt(l.Bathrooms)
	c.LivingArea = cloneInt(l.LivingArea)
	c.Remarks = cloneString(l.Remarks)
	c.RemarksFull = cloneString(l.RemarksFull)
	c.VirtualTourURL = cloneString(l.VirtualTourURL)
	c.ListedAt = cloneTime(l.ListedAt)
	c.ModifiedAt = cloneTime(l.ModifiedAt)
	c.DeletedAt = cloneTime(l.DeletedAt)
	if l.Payload != nil {
		c.Payload = append(json.RawMessage(nil), l.Payload...)
	}
	return &c
}

// ListingStatusHistory is an append-only record of a status transition.
type ListingStatusHistory struct {
	ID            int64           `json:"id" db:"id"`
	ListingID     uuid.UUID       `json:"listing_id" db:"listing_id"`
	StatusCode    *string         `json:"status_code" db:"status_code"`
	DisplayStatus *string         `json:"display_status" db:"display_status"`
	SourceID      *int64          `json:"source_id" db:"source_id"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	ChangedAt     time.Time       `json:"changed_at" db:"changed_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Source is a feed origin (idx, vow, board sources), created on first sighting.
type Source struct {
	ID        int64     `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Priority ranks sources for the listing source merge: IDX > VOW > anything else.
func (s *Source) Priority() int {
	if s == nil {
		return SourcePriorityUnset
	}
	return SourcePriority(s.Slug)
}

func SourcePriority(slug string) int {
	switch slug {
	case SourceIDX:
		return SourcePriorityIDX
	case SourceVOW:
		return SourcePriorityVOW
	}
	return SourcePriorityUnset
}

// Municipality is a city/province pair.
type Municipality struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Province  string    `json:"province" db:"province"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ListingMedia is one ordered media item of a listing.
type ListingMedia struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	ListingID    uuid.UUID  `json:"listing_id" db:"listing_id"`
	MediaKey     *string    `json:"media_key" db:"media_key"`
	URL          string     `json:"url" db:"url"`
	PreviewURL   string     `json:"preview_url" db:"preview_url"`
	Caption      *string    `json:"caption" db:"caption"`
	Position     int        `json:"position" db:"position"`
	IsPrimary    bool       `json:"is_primary" db:"is_primary"`
	StoragePath  *string    `json:"storage_path" db:"storage_path"`
	DownloadedAt *time.Time `json:"downloaded_at" db:"downloaded_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// ReplicationCursor is the per-channel incremental sync watermark.
type ReplicationCursor struct {
	Channel       string    `json:"channel" db:"channel"`
	LastTimestamp time.Time `json:"last_timestamp" db:"last_timestamp"`
	LastKey       string    `json:"last_key" db:"last_key"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ListingRef identifies a listing for media jobs.
type ListingRef struct {
	ID         uuid.UUID `json:"id"`
	ListingKey string    `json:"listing_key"`
}

// Source slugs
const (
	SourceIDX = "idx"
	SourceVOW = "vow"
)

// Source priorities
const (
	SourcePriorityUnset = 0
	SourcePriorityVOW   = 1
	SourcePriorityIDX   = 2
)

// Availability values
const (
	AvailabilityAvailable   = "Available"
	AvailabilityUnavailable = "Unavailable"
)

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
