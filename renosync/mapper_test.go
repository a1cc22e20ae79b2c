package renosync

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/renosync_backend/airtable"
)

func TestMapRecord_NoIdentifierIsUnmappable(t *testing.T) {
	rec := airtable.Record{
		ID: "recNoId",
		Fields: map[string]interface{}{
			"Property Name": "Nameless house",
			"Status":        "Cleaning",
		},
	}
	_, err := MapRecord(rec)
	if !errors.Is(err, ErrUnmappableRecord) {
		t.Fatalf("expected ErrUnmappableRecord, got %v", err)
	}
}

func TestMapRecord_IdentifierAliasesTriedInOrder(t *testing.T) {
	cases := []struct {
		key string
	}{
		{"UniqueID"},
		{"Unique ID"},
		{"Property UID"},
		{"fldUniqueId"},
	}
	for _, tc := range cases {
		rec := airtable.Record{ID: "rec1", Fields: map[string]interface{}{tc.key: "P-001"}}
		normalized, err := MapRecord(rec)
		if err != nil {
			t.Fatalf("key %q: %v", tc.key, err)
		}
		if normalized.UniqueId != "P-001" {
			t.Fatalf("key %q: unique id = %q", tc.key, normalized.UniqueId)
		}
	}
}

func TestMapRecord_CollapsesLookupArraysAndParsesScalars(t *testing.T) {
	rec := airtable.Record{
		ID: "rec2",
		Fields: map[string]interface{}{
			"UniqueID":        "P-002",
			"Property Name":   []interface{}{"22 Harbour St"},
			"Client Name":     []interface{}{"A. Tenant"},
			"Area (sqm)":      85.5,
			"Settlement Date": "2026-03-15",
			"Status":          "Reno in progress",
		},
	}
	normalized, err := MapRecord(rec)
	if err != nil {
		t.Fatalf("MapRecord error: %v", err)
	}
	if normalized.Name != "22 Harbour St" {
		t.Fatalf("name = %q", normalized.Name)
	}
	if normalized.ClientName != "A. Tenant" {
		t.Fatalf("client name = %q", normalized.ClientName)
	}
	if !normalized.AreaSet || normalized.Area.String() != "85.5" {
		t.Fatalf("area = %s (set=%v)", normalized.Area.String(), normalized.AreaSet)
	}
	if normalized.SettlementDate == nil || normalized.SettlementDate.Format("2006-01-02") != "2026-03-15" {
		t.Fatalf("settlement date = %v", normalized.SettlementDate)
	}
}

func TestMapRecord_AttachmentListKeepsEveryUrlInOrder(t *testing.T) {
	rec := airtable.Record{
		ID: "rec3",
		Fields: map[string]interface{}{
			"UniqueID": "P-003",
			"Budget Documents": []interface{}{
				map[string]interface{}{"url": "https://files/1.pdf", "filename": "a.pdf"},
				map[string]interface{}{"url": "https://files/2.pdf", "filename": "b.pdf"},
				map[string]interface{}{"url": "https://files/3.pdf", "filename": "c.pdf"},
			},
		},
	}
	normalized, err := MapRecord(rec)
	if err != nil {
		t.Fatalf("MapRecord error: %v", err)
	}
	expected := "https://files/1.pdf,https://files/2.pdf,https://files/3.pdf"
	if normalized.DocumentUrls != expected {
		t.Fatalf("document urls = %q, want %q", normalized.DocumentUrls, expected)
	}
}

func TestMapRecord_MissingOptionalFieldsAreEmptyNotErrors(t *testing.T) {
	rec := airtable.Record{ID: "rec4", Fields: map[string]interface{}{"UniqueID": "P-004"}}
	normalized, err := MapRecord(rec)
	if err != nil {
		t.Fatalf("MapRecord error: %v", err)
	}
	if normalized.Name != "" || normalized.RawStatus != "" || normalized.DocumentUrls != "" {
		t.Fatalf("expected empty optional fields, got %+v", normalized)
	}
	if normalized.AreaSet || !normalized.Area.IsZero() {
		t.Fatalf("area = %s (set=%v), want absent", normalized.Area.String(), normalized.AreaSet)
	}
	if normalized.SettlementDate != nil {
		t.Fatalf("settlement date = %v, want nil", normalized.SettlementDate)
	}
}

func TestMapRecord_ExplicitZeroAreaIsPresent(t *testing.T) {
	rec := airtable.Record{ID: "rec6", Fields: map[string]interface{}{
		"UniqueID":   "P-006",
		"Area (sqm)": 0.0,
	}}
	normalized, err := MapRecord(rec)
	if err != nil {
		t.Fatalf("MapRecord error: %v", err)
	}
	if !normalized.AreaSet || !normalized.Area.IsZero() {
		t.Fatalf("area = %s (set=%v), want present zero", normalized.Area.String(), normalized.AreaSet)
	}
}

func TestMapRecord_DateFormats(t *testing.T) {
	cases := []struct {
		raw      string
		expected string
	}{
		{"2026-03-15", "2026-03-15"},
		{"2026-03-15T10:30:00Z", "2026-03-15"},
		{"15/3/2026", "2026-03-15"},
	}
	for _, tc := range cases {
		rec := airtable.Record{ID: "rec5", Fields: map[string]interface{}{
			"UniqueID":        "P-005",
			"Settlement Date": tc.raw,
		}}
		normalized, err := MapRecord(rec)
		if err != nil {
			t.Fatalf("MapRecord(%q) error: %v", tc.raw, err)
		}
		if normalized.SettlementDate == nil {
			t.Fatalf("MapRecord(%q): date not parsed", tc.raw)
		}
		if got := normalized.SettlementDate.Format("2006-01-02"); got != tc.expected {
			t.Fatalf("MapRecord(%q) parsed %s, want %s", tc.raw, got, tc.expected)
		}
	}
}
