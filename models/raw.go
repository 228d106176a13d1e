package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Flex is a scalar feed value that may arrive as a JSON string, number or
// boolean. The textual form is kept so coercion stays with the caller.
type Flex struct {
	Value string
	Valid bool
}

func (f *Flex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = Flex{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = Flex{Value: s, Valid: true}
		return nil
	}
	if data[0] == '{' || data[0] == '[' {
		// Structured values are not scalars; they stay reachable through Raw.
		*f = Flex{}
		return nil
	}
	*f = Flex{Value: string(data), Valid: true}
	return nil
}

func (f Flex) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Ptr returns the value or nil when absent.
func (f Flex) Ptr() *string {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// String returns the value, empty when absent.
func (f Flex) String() string {
	return f.Value
}

// Trimmed returns the whitespace-trimmed value or nil when absent or blank.
func (f Flex) Trimmed() *string {
	if !f.Valid {
		return nil
	}
	v := strings.TrimSpace(f.Value)
	if v == "" {
		return nil
	}
	return &v
}

// FlexOf builds a present value, mostly for fixtures.
func FlexOf(v string) Flex {
	return Flex{Value: v, Valid: true}
}

// RawRecord is one RESO Property record as delivered by the feed. Only the
// fields the pipeline reads are promoted; the full document is kept in Raw.
type RawRecord struct {
	ListingKey              Flex `json:"ListingKey"`
	ListingID               Flex `json:"ListingId"`
	MLSNumber               Flex `json:"MLSNumber"`
	OriginatingSystemName   Flex `json:"OriginatingSystemName"`
	SourceSystemName        Flex `json:"SourceSystemName"`
	ListAOR                 Flex `json:"ListAOR"`
	PublicRemarks           Flex `json:"PublicRemarks"`
	TransactionType         Flex `json:"TransactionType"`
	StandardStatus          Flex `json:"StandardStatus"`
	MlsStatus               Flex `json:"MlsStatus"`
	ContractStatus          Flex `json:"ContractStatus"`
	ModificationTimestamp   Flex `json:"ModificationTimestamp"`
	ListingContractDate     Flex `json:"ListingContractDate"`
	OriginalEntryTimestamp  Flex `json:"OriginalEntryTimestamp"`
	OnMarketDate            Flex `json:"OnMarketDate"`
	ListDate                Flex `json:"ListDate"`
	DaysOnMarket            Flex `json:"DaysOnMarket"`
	ListPrice               Flex `json:"ListPrice"`
	OriginalListPrice       Flex `json:"OriginalListPrice"`
	PropertyType            Flex `json:"PropertyType"`
	PropertySubType         Flex `json:"PropertySubType"`
	UnparsedAddress         Flex `json:"UnparsedAddress"`
	StreetNumber            Flex `json:"StreetNumber"`
	StreetDirPrefix         Flex `json:"StreetDirPrefix"`
	StreetName              Flex `json:"StreetName"`
	StreetSuffix            Flex `json:"StreetSuffix"`
	UnitNumber              Flex `json:"UnitNumber"`
	City                    Flex `json:"City"`
	StateOrProvince         Flex `json:"StateOrProvince"`
	PostalCode              Flex `json:"PostalCode"`
	Latitude                Flex `json:"Latitude"`
	Longitude               Flex `json:"Longitude"`
	BedroomsTotal           Flex `json:"BedroomsTotal"`
	BedroomsBelowGrade      Flex `json:"BedroomsBelowGrade"`
	BathroomsTotalInteger   Flex `json:"BathroomsTotalInteger"`
	LivingArea              Flex `json:"LivingArea"`
	VirtualTourURLBranded   Flex `json:"VirtualTourURLBranded"`
	VirtualTourURLUnbranded Flex `json:"VirtualTourURLUnbranded"`

	Raw json.RawMessage `json:"-"`
}

func (r *RawRecord) UnmarshalJSON(data []byte) error {
	type plain RawRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RawRecord(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Payload returns the raw document, re-encoding the promoted fields when the
// record was built in code rather than decoded.
func (r *RawRecord) Payload() json.RawMessage {
	if len(r.Raw) > 0 {
		return r.Raw
	}
	type plain RawRecord
	data, err := json.Marshal((*plain)(r))
	if err != nil {
		return nil
	}
	return data
}

// RawMedia is one RESO Media record.
type RawMedia struct {
	MediaKey                   Flex `json:"MediaKey"`
	MediaURL                   Flex `json:"MediaURL"`
	ResourceRecordKey          Flex `json:"ResourceRecordKey"`
	Order                      Flex `json:"Order"`
	MediaCategory              Flex `json:"MediaCategory"`
	ShortDescription           Flex `json:"ShortDescription"`
	PreferredPhotoYN           Flex `json:"PreferredPhotoYN"`
	MediaModificationTimestamp Flex `json:"MediaModificationTimestamp"`
}
