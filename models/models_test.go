package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRawRecordDecodesMixedScalars(t *testing.T) {
	data := []byte(`{"ListingKey":"X1","ListPrice":899000,"BedroomsTotal":"3","PublicRemarks":null,"Media":[{"a":1}]}`)

	var rec RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.ListingKey.String() != "X1" {
		t.Errorf("listing key = %q", rec.ListingKey.String())
	}
	if rec.ListPrice.String() != "899000" {
		t.Errorf("list price = %q", rec.ListPrice.String())
	}
	if rec.BedroomsTotal.String() != "3" {
		t.Errorf("bedrooms = %q", rec.BedroomsTotal.String())
	}
	if rec.PublicRemarks.Valid || rec.PublicRemarks.Ptr() != nil {
		t.Error("null remarks should be absent")
	}
	if string(rec.Payload()) != string(data) {
		t.Errorf("payload not preserved: %s", rec.Payload())
	}
}

func TestRawRecordPayloadWithoutRaw(t *testing.T) {
	rec := RawRecord{ListingKey: FlexOf("X2")}
	var doc map[string]any
	if err := json.Unmarshal(rec.Payload(), &doc); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if doc["ListingKey"] != "X2" {
		t.Errorf("ListingKey = %v", doc["ListingKey"])
	}
	if v, ok := doc["City"]; !ok || v != nil {
		t.Errorf("City = %v, want null", v)
	}
}

func TestFlexTrimmed(t *testing.T) {
	if got := FlexOf("   ").Trimmed(); got != nil {
		t.Errorf("blank should trim to nil, got %q", *got)
	}
	if got := FlexOf(" abc ").Trimmed(); got == nil || *got != "abc" {
		t.Errorf("unexpected trimmed value %v", got)
	}
}

func TestImageSetKeepsSizeOrder(t *testing.T) {
	var set ImageSet
	if err := json.Unmarshal([]byte(`{"url":"","sizes":{"1200":"big.jpg","600":"small.jpg","900":"mid.jpg"}}`), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff([]string{"big.jpg", "small.jpg", "mid.jpg"}, set.OrderedSizes()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if set.Sizes["900"] != "mid.jpg" {
		t.Errorf("size 900 = %q", set.Sizes["900"])
	}
}

func TestListingPayloadDecodes(t *testing.T) {
	data := []byte(`{"listingKey":"P1","price":"$1,200,000","address":{"city":"Toronto"},"images":["a.jpg"]}`)
	var p ListingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Address.City.String() != "Toronto" || p.Price.String() != "$1,200,000" {
		t.Errorf("unexpected payload %+v", p)
	}
	if string(p.Payload()) != string(data) {
		t.Error("raw payload not kept")
	}
}

func TestDirtyFields(t *testing.T) {
	price := 500000.0
	status := "Active"
	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	before := &Listing{BoardCode: "TRREB", MLSNumber: "W1", ListPrice: &price, StatusCode: &status, ModifiedAt: &modified}

	if all := DirtyFields(nil, before); len(all) != len(trackedFields) {
		t.Fatalf("fresh record should be fully dirty, got %d fields", len(all))
	}

	after := before.Clone()
	after.Payload = json.RawMessage(`{"changed":true}`)
	sameInstant := modified.In(time.FixedZone("EST", -5*3600))
	after.ModifiedAt = &sameInstant
	if dirty := DirtyFields(before, after); len(dirty) != 0 {
		t.Fatalf("payload and zone changes should not be dirty, got %v", dirty)
	}

	newPrice := 450000.0
	newStatus := "Sold"
	after.ListPrice = &newPrice
	after.StatusCode = &newStatus
	dirty := DirtyFields(before, after)
	if diff := cmp.Diff([]string{"status_code", "list_price"}, dirty); diff != "" {
		t.Errorf("dirty mismatch (-want +got):\n%s", diff)
	}
	if !StatusChanged(dirty) {
		t.Error("expected status change")
	}
}

func TestCloneIsDeep(t *testing.T) {
	city := "Toronto"
	l := &Listing{City: &city}
	c := l.Clone()
	*c.City = "Ottawa"
	if *l.City != "Toronto" {
		t.Fatal("clone shares pointers with original")
	}
}

func TestSourcePriority(t *testing.T) {
	tests := []struct {
		source *Source
		want   int
	}{
		{&Source{Slug: "idx"}, SourcePriorityIDX},
		{&Source{Slug: "vow"}, SourcePriorityVOW},
		{&Source{Slug: "trreb"}, SourcePriorityUnset},
		{nil, SourcePriorityUnset},
	}
	for _, tt := range tests {
		if got := tt.source.Priority(); got != tt.want {
			t.Errorf("Priority(%v) = %d, want %d", tt.source, got, tt.want)
		}
	}
}
