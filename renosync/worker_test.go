package renosync

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/airtable"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// NOTE: These tests are intentionally DB-free. They validate the sync
// semantics against an in-memory store:
// - re-running an identical pass is a no-op (created, then unchanged)
// - one bad record never aborts the rest of its view
// - authoritative views force phase and canonical status
//
// Full DB integration tests should be added in an environment that can run MySQL.

type fakeStore struct {
	mu         sync.Mutex
	nextId     int
	byUniqueId map[string]*models.Property
	categories map[int][]models.CostCategory
	syncErrors []models.SyncError

	failCreateFor map[string]error
	failUpdateFor map[int]error
	budgetWrites  map[int]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextId:        1,
		byUniqueId:    map[string]*models.Property{},
		categories:    map[int][]models.CostCategory{},
		failCreateFor: map[string]error{},
		failUpdateFor: map[int]error{},
		budgetWrites:  map[int]int{},
	}
}

func (s *fakeStore) FindPropertyByUniqueId(ctx context.Context, uniqueId string) (*models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byUniqueId[uniqueId]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (s *fakeStore) CreateProperty(ctx context.Context, property *models.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failCreateFor[property.UniqueId]; err != nil {
		return err
	}
	if _, ok := s.byUniqueId[property.UniqueId]; ok {
		return ErrDuplicateProperty
	}
	property.ID = s.nextId
	s.nextId++
	clone := *property
	s.byUniqueId[property.UniqueId] = &clone
	return nil
}

func (s *fakeStore) UpdateProperty(ctx context.Context, id int, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failUpdateFor[id]; err != nil {
		return err
	}
	for _, p := range s.byUniqueId {
		if p.ID != id {
			continue
		}
		if v, ok := fields["name"].(string); ok {
			p.Name = v
		}
		if v, ok := fields["address"].(string); ok {
			p.Address = v
		}
		if v, ok := fields["phase"].(models.PropertyPhase); ok {
			p.Phase = v
		}
		if v, ok := fields["raw_status"].(string); ok {
			p.RawStatus = v
		}
		if v, ok := fields["document_urls"].(string); ok {
			p.DocumentUrls = v
		}
		if v, ok := fields["client_name"].(string); ok {
			p.ClientName = v
		}
		return nil
	}
	return fmt.Errorf("property %d not found", id)
}

func (s *fakeStore) ForcePhase(ctx context.Context, uniqueIds []string, phase models.PropertyPhase, rawStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range uniqueIds {
		if p, ok := s.byUniqueId[id]; ok {
			p.Phase = phase
			p.RawStatus = rawStatus
		}
	}
	return nil
}

func (s *fakeStore) CountCostCategories(ctx context.Context, propertyId int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.categories[propertyId])), nil
}

func (s *fakeStore) ListPropertiesInPhaseWithDocuments(ctx context.Context, phase models.PropertyPhase) ([]models.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Property
	for _, p := range s.byUniqueId {
		if p.Phase == phase && p.DocumentUrls != "" {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) ListUnindexedCostCategories(ctx context.Context, propertyId int) ([]models.CostCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CostCategory
	for _, c := range s.categories[propertyId] {
		if c.BudgetIndex == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) SetBudgetIndex(ctx context.Context, costCategoryId int, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgetWrites[costCategoryId] = index
	for propertyId, list := range s.categories {
		for i := range list {
			if list[i].ID == costCategoryId {
				idx := index
				list[i].BudgetIndex = &idx
				s.categories[propertyId] = list
				return nil
			}
		}
	}
	return fmt.Errorf("cost category %d not found", costCategoryId)
}

func (s *fakeStore) RecordSyncError(ctx context.Context, syncError *models.SyncError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErrors = append(s.syncErrors, *syncError)
	return nil
}

// fakeSource serves canned pages per view and records write-backs.
type fakeSource struct {
	mu      sync.Mutex
	pages   map[string][]airtable.ListPage
	listErr map[string]error
	served  map[string]int
	updates []airtable.RecordUpdate
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:   map[string][]airtable.ListPage{},
		listErr: map[string]error{},
		served:  map[string]int{},
	}
}

func (f *fakeSource) ListView(ctx context.Context, view string, offset string) (airtable.ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listErr[view]; err != nil {
		return airtable.ListPage{}, err
	}
	pages := f.pages[view]
	i := f.served[view]
	if i >= len(pages) {
		return airtable.ListPage{}, nil
	}
	f.served[view]++
	return pages[i], nil
}

func (f *fakeSource) UpdateRecords(ctx context.Context, updates []airtable.RecordUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updates...)
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func sourceRecord(rowId, uniqueId, name, status string) airtable.Record {
	return airtable.Record{
		ID: rowId,
		Fields: map[string]interface{}{
			"UniqueID":      uniqueId,
			"Property Name": name,
			"Status":        status,
		},
	}
}

func mustView(t *testing.T, name string) ViewConfig {
	t.Helper()
	view, ok := FindView(name)
	if !ok {
		t.Fatalf("view %q not configured", name)
	}
	return view
}

func TestSyncView_IdenticalRerunIsUnchanged(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Initial Check")

	records := []airtable.Record{
		sourceRecord("rec1", "P-001", "12 Hill St", "Initial check"),
		sourceRecord("rec2", "P-002", "4 Ocean Rd", "Initial check"),
	}

	for run := 0; run < 2; run++ {
		source.pages = map[string][]airtable.ListPage{view.Name: {{Records: records}}}
		source.served = map[string]int{}

		pass := NewSyncPass(store, source, testLogger(), 1)
		result, err := pass.SyncView(context.Background(), view)
		if err != nil {
			t.Fatalf("run=%d SyncView error: %v", run, err)
		}

		if run == 0 && (result.Created != 2 || result.Unchanged != 0) {
			t.Fatalf("first run expected 2 created, got %+v", result)
		}
		if run == 1 && (result.Created != 0 || result.Updated != 0 || result.Unchanged != 2) {
			t.Fatalf("second run expected 2 unchanged, got %+v", result)
		}
	}
}

func TestSyncView_OneBadRecordDoesNotAbortTheView(t *testing.T) {
	store := newFakeStore()
	store.failCreateFor["P-005"] = fmt.Errorf("column too long")
	source := newFakeSource()
	view := mustView(t, "Cleaning")

	var records []airtable.Record
	for i := 1; i <= 10; i++ {
		uid := fmt.Sprintf("P-%03d", i)
		records = append(records, sourceRecord(fmt.Sprintf("rec%d", i), uid, "House "+uid, "Cleaning"))
	}
	source.pages[view.Name] = []airtable.ListPage{{Records: records}}

	pass := NewSyncPass(store, source, testLogger(), 7)
	result, err := pass.SyncView(context.Background(), view)
	if err != nil {
		t.Fatalf("SyncView error: %v", err)
	}

	if result.Created != 9 || result.Errors != 1 {
		t.Fatalf("expected 9 created / 1 error, got %+v", result)
	}
	if len(store.syncErrors) != 1 {
		t.Fatalf("expected 1 sync error row, got %d", len(store.syncErrors))
	}
	se := store.syncErrors[0]
	if se.SyncRunId != 7 || se.UniqueId != "P-005" || se.ErrorCode != "write_failed" || !se.Retryable {
		t.Fatalf("unexpected sync error row: %+v", se)
	}
}

func TestSyncView_UnmappableRecordIsSkippedNotSynthesized(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Fixes")

	source.pages[view.Name] = []airtable.ListPage{{Records: []airtable.Record{
		{ID: "recX", Fields: map[string]interface{}{"Property Name": "No id here"}},
		sourceRecord("recY", "P-010", "7 Elm St", "Fixes"),
	}}}

	pass := NewSyncPass(store, source, testLogger(), 3)
	result, err := pass.SyncView(context.Background(), view)
	if err != nil {
		t.Fatalf("SyncView error: %v", err)
	}

	if result.Skipped != 1 || result.Created != 1 {
		t.Fatalf("expected 1 skipped / 1 created, got %+v", result)
	}
	if len(store.byUniqueId) != 1 {
		t.Fatalf("expected exactly 1 stored property, got %d", len(store.byUniqueId))
	}
	if len(store.syncErrors) != 1 || store.syncErrors[0].ErrorCode != "unmappable_record" {
		t.Fatalf("expected unmappable_record sync error, got %+v", store.syncErrors)
	}
	if store.syncErrors[0].Retryable {
		t.Fatal("unmappable records are not retryable")
	}
}

func TestSyncView_SourceUnreachableFailsTheView(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Done")
	source.listErr[view.Name] = fmt.Errorf("connection refused")

	pass := NewSyncPass(store, source, testLogger(), 1)
	if _, err := pass.SyncView(context.Background(), view); err == nil {
		t.Fatal("expected error when the source is unreachable")
	}
}

func TestSyncView_AuthoritativeViewForcesPhaseAndWritesBack(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Reno In Progress")

	// Free-text statuses disagree with the view; membership wins.
	source.pages[view.Name] = []airtable.ListPage{{Records: []airtable.Record{
		sourceRecord("rec1", "P-101", "1 Bay St", "waiting for renovator"),
		sourceRecord("rec2", "P-102", "2 Bay St", ""),
	}}}

	pass := NewSyncPass(store, source, testLogger(), 1)
	result, err := pass.SyncView(context.Background(), view)
	if err != nil {
		t.Fatalf("SyncView error: %v", err)
	}
	if result.Created != 2 {
		t.Fatalf("expected 2 created, got %+v", result)
	}

	for _, uid := range []string{"P-101", "P-102"} {
		p := store.byUniqueId[uid]
		if p == nil {
			t.Fatalf("property %s missing", uid)
		}
		if p.Phase != models.PhaseInProgress {
			t.Fatalf("property %s phase = %s, want %s", uid, p.Phase, models.PhaseInProgress)
		}
		if p.RawStatus != "Reno in progress" {
			t.Fatalf("property %s raw status = %q, want canonical", uid, p.RawStatus)
		}
	}

	if len(source.updates) != 2 {
		t.Fatalf("expected 2 write-back updates, got %d", len(source.updates))
	}
	for _, u := range source.updates {
		if u.Fields["Status"] != "Reno in progress" {
			t.Fatalf("write-back status = %v, want canonical", u.Fields["Status"])
		}
	}
}

func TestSyncPass_LaterViewCannotDowngradeForcedPhase(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	authoritative := mustView(t, "Reno In Progress")
	later := mustView(t, "Cleaning")

	// Same property appears in both views within one pass.
	source.pages[authoritative.Name] = []airtable.ListPage{{Records: []airtable.Record{
		sourceRecord("rec1", "P-201", "9 Pine Ave", ""),
	}}}
	source.pages[later.Name] = []airtable.ListPage{{Records: []airtable.Record{
		sourceRecord("rec1", "P-201", "9 Pine Ave", "Cleaning"),
	}}}

	pass := NewSyncPass(store, source, testLogger(), 1)
	if _, err := pass.SyncView(context.Background(), authoritative); err != nil {
		t.Fatalf("authoritative view error: %v", err)
	}
	if _, err := pass.SyncView(context.Background(), later); err != nil {
		t.Fatalf("later view error: %v", err)
	}

	p := store.byUniqueId["P-201"]
	if p == nil {
		t.Fatal("property missing")
	}
	if p.Phase != models.PhaseInProgress {
		t.Fatalf("phase downgraded to %s by a later view", p.Phase)
	}
}

func TestSyncPass_LaterAuthoritativeViewCannotDowngradeForcedPhase(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	first := mustView(t, "Reno In Progress")
	second := mustView(t, "Furnishing")

	// Same property is a member of two authoritative views in one pass;
	// the first view's phase and canonical status must stick, including
	// through the second view's bulk phase write and source write-back.
	source.pages[first.Name] = []airtable.ListPage{{Records: []airtable.Record{
		sourceRecord("rec1", "P-210", "5 Quay St", ""),
	}}}
	source.pages[second.Name] = []airtable.ListPage{{Records: []airtable.Record{
		sourceRecord("rec1", "P-210", "5 Quay St", ""),
	}}}

	pass := NewSyncPass(store, source, testLogger(), 1)
	if _, err := pass.SyncView(context.Background(), first); err != nil {
		t.Fatalf("first authoritative view error: %v", err)
	}
	if _, err := pass.SyncView(context.Background(), second); err != nil {
		t.Fatalf("second authoritative view error: %v", err)
	}

	p := store.byUniqueId["P-210"]
	if p == nil {
		t.Fatal("property missing")
	}
	if p.Phase != models.PhaseInProgress {
		t.Fatalf("phase = %s, want %s from the earlier authoritative view", p.Phase, models.PhaseInProgress)
	}
	if p.RawStatus != "Reno in progress" {
		t.Fatalf("raw status = %q, want the earlier view's canonical status", p.RawStatus)
	}

	if len(source.updates) != 1 {
		t.Fatalf("expected 1 write-back (from the first view only), got %d", len(source.updates))
	}
	if source.updates[0].Fields["Status"] != "Reno in progress" {
		t.Fatalf("write-back status = %v", source.updates[0].Fields["Status"])
	}
}

func TestSyncView_PaginationDrainsEveryPage(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Upcoming Settlement")

	source.pages[view.Name] = []airtable.ListPage{
		{Records: []airtable.Record{sourceRecord("rec1", "P-301", "A", "settlement")}, Offset: "next1"},
		{Records: []airtable.Record{sourceRecord("rec2", "P-302", "B", "settlement")}, Offset: "next2"},
		{Records: []airtable.Record{sourceRecord("rec3", "P-303", "C", "settlement")}},
	}

	pass := NewSyncPass(store, source, testLogger(), 1)
	result, err := pass.SyncView(context.Background(), view)
	if err != nil {
		t.Fatalf("SyncView error: %v", err)
	}
	if result.Created != 3 {
		t.Fatalf("expected 3 created across pages, got %+v", result)
	}
}

func TestSyncView_ZeroRecordsIsValid(t *testing.T) {
	store := newFakeStore()
	source := newFakeSource()
	view := mustView(t, "Furnishing")

	pass := NewSyncPass(store, source, testLogger(), 1)
	result, err := pass.SyncView(context.Background(), view)
	if err != nil {
		t.Fatalf("SyncView error: %v", err)
	}
	if len(result.Details) != 0 || result.Errors != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestPropertyDiff_EmptySourceValuesDoNotBlankIdentityFields(t *testing.T) {
	existing := &models.Property{
		ID:       1,
		UniqueId: "P-400",
		Name:     "Existing Name",
		Address:  "Existing Address",
		Phase:    models.PhaseCleaning,
	}
	rec := NormalizedRecord{
		UniqueId:  "P-400",
		Phase:     models.PhaseCleaning,
		RawStatus: "",
	}

	diff := propertyDiff(existing, rec, existing.CreatedAt)
	if _, ok := diff["name"]; ok {
		t.Fatal("empty incoming name must not blank the stored name")
	}
	if _, ok := diff["address"]; ok {
		t.Fatal("empty incoming address must not blank the stored address")
	}
}

func TestPropertyDiff_AreaCorrectionToZeroSyncsWhenPresent(t *testing.T) {
	existing := &models.Property{
		ID:       1,
		UniqueId: "P-402",
		Phase:    models.PhaseCleaning,
		Area:     decimal.NewFromInt(120),
	}

	present := NormalizedRecord{
		UniqueId: "P-402",
		Phase:    models.PhaseCleaning,
		Area:     decimal.Zero,
		AreaSet:  true,
	}
	diff := propertyDiff(existing, present, time.Now())
	area, ok := diff["area"].(decimal.Decimal)
	if !ok || !area.IsZero() {
		t.Fatalf("an explicit zero must sync, diff=%v", diff)
	}

	absent := NormalizedRecord{
		UniqueId: "P-402",
		Phase:    models.PhaseCleaning,
	}
	diff = propertyDiff(existing, absent, time.Now())
	if _, ok := diff["area"]; ok {
		t.Fatal("a missing area field must not blank the stored value")
	}
}

func TestPropertyDiff_DocumentListMirrorsSourceIncludingRemoval(t *testing.T) {
	existing := &models.Property{
		ID:           1,
		UniqueId:     "P-401",
		Phase:        models.PhaseInProgress,
		DocumentUrls: "https://a/1.pdf,https://a/2.pdf",
	}
	rec := NormalizedRecord{
		UniqueId:     "P-401",
		Phase:        models.PhaseInProgress,
		DocumentUrls: "",
	}

	diff := propertyDiff(existing, rec, existing.CreatedAt)
	if v, ok := diff["document_urls"]; !ok || v != "" {
		t.Fatalf("document list must mirror the source exactly, diff=%v", diff)
	}
	if _, ok := diff["last_synced_at"]; !ok {
		t.Fatal("a real change must bump last_synced_at")
	}
}
