package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// ListingPayload is the denormalized listing document delivered by the
// payload-driven ingestion source.
type ListingPayload struct {
	ID              Flex           `json:"id"`
	ListingKey      Flex           `json:"listingKey"`
	MLSNumber       Flex           `json:"mlsNumber"`
	Board           Flex           `json:"board"`
	Status          Flex           `json:"status"`
	DisplayStatus   Flex           `json:"displayStatus"`
	Availability    Flex           `json:"availability"`
	Price           Flex           `json:"price"`
	OriginalPrice   Flex           `json:"originalPrice"`
	PropertyType    Flex           `json:"propertyType"`
	PropertySubType Flex           `json:"propertySubType"`
	TransactionType Flex           `json:"transactionType"`
	Address         PayloadAddress `json:"address"`
	Latitude        Flex           `json:"latitude"`
	Longitude       Flex           `json:"longitude"`
	Beds            Flex           `json:"beds"`
	BedsPlus        Flex           `json:"bedsPlus"`
	Baths           Flex           `json:"baths"`
	Sqft            Flex           `json:"sqft"`
	Description     Flex           `json:"description"`
	VirtualTourURL  Flex           `json:"virtualTourUrl"`
	ListedAt        Flex           `json:"listedAt"`
	ModifiedAt      Flex           `json:"modifiedAt"`
	DaysOnMarket    Flex           `json:"daysOnMarket"`
	ImageSets       []ImageSet     `json:"imageSets"`
	Images          []string       `json:"images"`

	Raw json.RawMessage `json:"-"`
}

type PayloadAddress struct {
	Street     Flex `json:"street"`
	Unit       Flex `json:"unit"`
	City       Flex `json:"city"`
	Province   Flex `json:"province"`
	PostalCode Flex `json:"postalCode"`
}

// ImageSet is one photo with renditions keyed by pixel width ("600", "900", ...).
type ImageSet struct {
	URL         string            `json:"url"`
	Sizes       map[string]string `json:"sizes"`
	Description string            `json:"description,omitempty"`

	// SizeOrder holds the keys of Sizes in document order.
	SizeOrder []string `json:"-"`
}

func (s *ImageSet) UnmarshalJSON(data []byte) error {
	var v struct {
		URL         string          `json:"url"`
		Sizes       json.RawMessage `json:"sizes"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = ImageSet{URL: v.URL, Description: v.Description}
	if len(v.Sizes) == 0 || bytes.Equal(bytes.TrimSpace(v.Sizes), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(v.Sizes))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("image set sizes: expected object")
	}
	s.Sizes = make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var val Flex
		if err := dec.Decode(&val); err != nil {
			return err
		}
		if _, seen := s.Sizes[key]; !seen {
			s.SizeOrder = append(s.SizeOrder, key)
		}
		s.Sizes[key] = val.Value
	}
	return nil
}

// OrderedSizes returns rendition URLs in document order, falling back to
// the map when the set was built in code.
func (s *ImageSet) OrderedSizes() []string {
	keys := s.SizeOrder
	if len(keys) == 0 && len(s.Sizes) > 0 {
		keys = sortedKeys(s.Sizes)
	}
	urls := make([]string, 0, len(keys))
	for _, k := range keys {
		urls = append(urls, s.Sizes[k])
	}
	return urls
}

func (p *ListingPayload) UnmarshalJSON(data []byte) error {
	type plain ListingPayload
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = ListingPayload(v)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Payload returns the raw document, encoding the struct when it was not decoded.
func (p *ListingPayload) Payload() json.RawMessage {
	if len(p.Raw) > 0 {
		return p.Raw
	}
	type plain ListingPayload
	data, err := json.Marshal((*plain)(p))
	if err != nil {
		return nil
	}
	return data
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
