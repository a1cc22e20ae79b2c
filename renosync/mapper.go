package renosync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/airtable"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/shopspring/decimal"
)

// ErrUnmappableRecord marks a source record with no usable cross-reference
// identifier. Such records are skipped and logged, never upserted.
var ErrUnmappableRecord = errors.New("record has no usable identifier")

// Candidate key lists, tried in order, first non-empty wins. Field identity
// in the source is unstable across renames, so every logical field keeps an
// ordered alias list here instead of a single hard-coded name. Adding a new
// alias is a one-line change.
var (
	uniqueIdCandidates       = []string{"UniqueID", "Unique ID", "Property UID", "fldUniqueId"}
	nameCandidates           = []string{"Property Name", "Name", "Title"}
	addressCandidates        = []string{"Address", "Property Address"}
	statusCandidates         = []string{"Status", "Reno Status", "Workflow Status"}
	documentCandidates       = []string{"Budget Documents", "Budget Document", "Documents"}
	clientNameCandidates     = []string{"Client Name", "Client"}
	clientEmailCandidates    = []string{"Client Email", "Email"}
	renovationTypeCandidates = []string{"Renovation Type", "Reno Type"}
	areaCandidates           = []string{"Area (sqm)", "Area", "Size"}
	settlementDateCandidates = []string{"Settlement Date", "Settlement"}
)

// NormalizedRecord is the mapper's output: one source row with list-typed
// values collapsed and all sync-owned fields in store shape.
type NormalizedRecord struct {
	SourceRowId    string
	UniqueId       string
	Name           string
	Address        string
	RawStatus      string
	DocumentUrls   string
	ClientName     string
	ClientEmail    string
	RenovationType string
	Area           decimal.Decimal
	// AreaSet distinguishes a source value of 0 from an absent field, so a
	// correction back to zero still syncs while absence changes nothing.
	AreaSet        bool
	SettlementDate *time.Time

	// Phase is filled in by the sync driver after resolution, not by the mapper.
	Phase models.PropertyPhase
}

// MapRecord normalizes one raw source record. It returns ErrUnmappableRecord
// (wrapped with the source row id) when no identifier candidate yields a value.
func MapRecord(rec airtable.Record) (NormalizedRecord, error) {
	uniqueId := firstNonEmpty(rec.Fields, uniqueIdCandidates)
	if uniqueId == "" {
		return NormalizedRecord{}, fmt.Errorf("source row %s: %w", rec.ID, ErrUnmappableRecord)
	}

	normalized := NormalizedRecord{
		SourceRowId:    rec.ID,
		UniqueId:       uniqueId,
		Name:           firstNonEmpty(rec.Fields, nameCandidates),
		Address:        firstNonEmpty(rec.Fields, addressCandidates),
		RawStatus:      firstNonEmpty(rec.Fields, statusCandidates),
		DocumentUrls:   documentUrls(rec.Fields, documentCandidates),
		ClientName:     firstNonEmpty(rec.Fields, clientNameCandidates),
		ClientEmail:    firstNonEmpty(rec.Fields, clientEmailCandidates),
		RenovationType: firstNonEmpty(rec.Fields, renovationTypeCandidates),
	}
	normalized.Area, normalized.AreaSet = decimalValue(rec.Fields, areaCandidates)

	if raw := firstNonEmpty(rec.Fields, settlementDateCandidates); raw != "" {
		if t, ok := utils.ParseTimeLoose(raw); ok {
			normalized.SettlementDate = &t
		}
	}

	return normalized, nil
}

// firstNonEmpty tries candidate keys in order and returns the first
// non-empty value as a string, collapsing single-element arrays.
func firstNonEmpty(fields map[string]interface{}, candidates []string) string {
	for _, key := range candidates {
		if s := stringValue(collapse(fields[key])); s != "" {
			return s
		}
	}
	return ""
}

// collapse unwraps list-typed field values to their first element. Lookup
// and rollup fields come back from the source as single-element arrays.
func collapse(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return v
}

func stringValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strings.TrimSpace(strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", val), "0"), "."))
	case bool:
		if val {
			return "true"
		}
		return "false"
	case map[string]interface{}:
		// Attachment object.
		if url, ok := val["url"].(string); ok {
			return strings.TrimSpace(url)
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

// decimalValue reports whether any candidate key held a parseable number;
// an explicit 0 in the source is present, a missing field is not.
func decimalValue(fields map[string]interface{}, candidates []string) (decimal.Decimal, bool) {
	for _, key := range candidates {
		switch val := collapse(fields[key]).(type) {
		case float64:
			return decimal.NewFromFloat(val), true
		case string:
			if d, err := decimal.NewFromString(strings.TrimSpace(val)); err == nil {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

// documentUrls extracts every attachment URL from the first candidate field
// that has any, preserving order, comma-joined. Unlike scalar fields, the
// whole list is kept: multi-document properties drive per-document
// extraction calls and the budget-index heuristic.
func documentUrls(fields map[string]interface{}, candidates []string) string {
	for _, key := range candidates {
		raw := fields[key]
		if raw == nil {
			continue
		}
		var urls []string
		switch val := raw.(type) {
		case []interface{}:
			for _, item := range val {
				if u := stringValue(item); u != "" {
					urls = append(urls, u)
				}
			}
		default:
			if u := stringValue(val); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			return utils.JoinNonEmpty(urls, ",")
		}
	}
	return ""
}
