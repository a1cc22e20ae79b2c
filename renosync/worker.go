package renosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/airtable"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("renosync")

type UpsertOutcome string

const (
	OutcomeCreated   UpsertOutcome = "created"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
	OutcomeSkipped   UpsertOutcome = "skipped"
	OutcomeError     UpsertOutcome = "error"
)

// RecordDetail is the per-record outcome of a view pass.
type RecordDetail struct {
	View        string        `json:"view"`
	SourceRowId string        `json:"source_row_id"`
	UniqueId    string        `json:"unique_id"`
	Outcome     UpsertOutcome `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
}

// ViewResult aggregates one view's pass.
type ViewResult struct {
	View      string         `json:"view"`
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Skipped   int            `json:"skipped"`
	Errors    int            `json:"errors"`
	Details   []RecordDetail `json:"details,omitempty"`
}

func (r *ViewResult) add(detail RecordDetail) {
	switch detail.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeError:
		r.Errors++
	}
	r.Details = append(r.Details, detail)
}

// SourceClient is the slice of the source API the sync driver needs.
type SourceClient interface {
	ListView(ctx context.Context, view string, offset string) (airtable.ListPage, error)
	UpdateRecords(ctx context.Context, updates []airtable.RecordUpdate) error
}

// forcedState is the decision fixed by the first authoritative view that
// touched a record in this pass: its phase and its canonical status.
type forcedState struct {
	phase     models.PropertyPhase
	rawStatus string
}

// SyncPass carries the state of one batch pass over the configured views.
// Views run sequentially in their configured order; records inside a page run
// on a bounded worker pool with per-unique-id serialization. The forced map
// remembers phases fixed by authoritative views so later views in the same
// pass cannot downgrade them.
type SyncPass struct {
	store   Store
	source  SourceClient
	logger  *logrus.Logger
	runId   uint
	workers int

	mu       sync.Mutex
	forced   map[string]forcedState
	keyLocks map[string]*sync.Mutex
}

func NewSyncPass(store Store, source SourceClient, logger *logrus.Logger, runId uint) *SyncPass {
	workers := utils.EnvInt("RENOSYNC_PAGE_WORKERS", 4)
	if workers < 1 {
		workers = 1
	}
	return &SyncPass{
		store:    store,
		source:   source,
		logger:   logger,
		runId:    runId,
		workers:  workers,
		forced:   map[string]forcedState{},
		keyLocks: map[string]*sync.Mutex{},
	}
}

// SyncView drains one source view end-to-end. It returns an error only when
// the source itself cannot be fetched; per-record failures are isolated into
// the result and never abort the view.
func (p *SyncPass) SyncView(ctx context.Context, view ViewConfig) (ViewResult, error) {
	ctx, span := tracer.Start(ctx, "renosync.SyncView",
		trace.WithAttributes(attribute.String("view", view.Name)))
	defer span.End()

	ctx = utils.SetViewNameInContext(ctx, view.Name)
	result := ViewResult{View: view.Name}
	var touchedIds []string
	var touchedRows []string

	offset := ""
	for {
		page, err := p.source.ListView(ctx, view.Name, offset)
		if err != nil {
			return result, fmt.Errorf("source unreachable for view %q: %w", view.Name, err)
		}

		ids, rows := p.processPage(ctx, view, page.Records, &result)
		touchedIds = append(touchedIds, ids...)
		touchedRows = append(touchedRows, rows...)

		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}

	if len(result.Details) == 0 {
		p.logger.WithFields(logrus.Fields{"view": view.Name}).Info("view drained with zero records")
	}

	if view.Authoritative {
		p.forceViewPhase(ctx, view, touchedIds, touchedRows, &result)
	}

	return result, nil
}

// processPage runs one page through the worker pool and returns the unique
// ids and source row ids of records that landed in the store.
func (p *SyncPass) processPage(ctx context.Context, view ViewConfig, records []airtable.Record, result *ViewResult) ([]string, []string) {
	var (
		resultMu    sync.Mutex
		touchedIds  []string
		touchedRows []string
	)

	jobs := make(chan airtable.Record)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				detail := p.upsertRecord(ctx, view, rec)
				resultMu.Lock()
				result.add(detail)
				switch detail.Outcome {
				case OutcomeCreated, OutcomeUpdated, OutcomeUnchanged:
					touchedIds = append(touchedIds, detail.UniqueId)
					touchedRows = append(touchedRows, detail.SourceRowId)
				}
				resultMu.Unlock()
			}
		}()
	}
	for _, rec := range records {
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	return touchedIds, touchedRows
}

// forceViewPhase is the corrective bulk write after an authoritative view is
// drained: every record touched in this pass gets the view's phase and
// canonical status, covering rows whose individual upsert landed before the
// forced-phase decision. The same status is written back to the source so
// free text stays aligned with view membership.
func (p *SyncPass) forceViewPhase(ctx context.Context, view ViewConfig, touchedIds []string, touchedRows []string, result *ViewResult) {
	// Records fixed by an earlier authoritative view keep that view's phase;
	// this view's bulk write must not re-downgrade them.
	var ids []string
	var rows []string
	for i, uniqueId := range touchedIds {
		if forced, ok := p.forcedPhase(uniqueId); ok && forced.phase != view.Phase {
			continue
		}
		ids = append(ids, uniqueId)
		rows = append(rows, touchedRows[i])
	}
	if len(ids) == 0 {
		return
	}

	if err := p.store.ForcePhase(ctx, ids, view.Phase, view.CanonicalStatus); err != nil {
		result.Errors++
		p.recordSyncError(ctx, view.Name, "", "force_phase_failed", err.Error(), true)
		return
	}

	updates := make([]airtable.RecordUpdate, 0, len(rows))
	for _, rowId := range rows {
		updates = append(updates, airtable.RecordUpdate{
			ID:     rowId,
			Fields: map[string]interface{}{statusCandidates[0]: view.CanonicalStatus},
		})
	}
	if err := p.source.UpdateRecords(ctx, updates); err != nil {
		// Store-side phase is already forced; the source write-back is
		// cosmetic and retried implicitly on the next pass.
		p.logger.WithFields(logrus.Fields{"view": view.Name}).Warn("status write-back to source failed: " + err.Error())
	}
}

func (p *SyncPass) upsertRecord(ctx context.Context, view ViewConfig, rec airtable.Record) RecordDetail {
	detail := RecordDetail{View: view.Name, SourceRowId: rec.ID}

	normalized, err := MapRecord(rec)
	if err != nil {
		// Unmappable records are skipped, never upserted under a synthesized id.
		p.logger.WithFields(logrus.Fields{
			"view":          view.Name,
			"source_row_id": rec.ID,
		}).Warn("skipping unmappable record: " + err.Error())
		p.recordSyncError(ctx, view.Name, "", "unmappable_record", err.Error(), false)
		detail.Outcome = OutcomeSkipped
		detail.Reason = err.Error()
		return detail
	}
	detail.UniqueId = normalized.UniqueId

	// No two concurrent upserts for one property.
	lock := p.lockFor(normalized.UniqueId)
	lock.Lock()
	defer lock.Unlock()

	existing, err := p.store.FindPropertyByUniqueId(ctx, normalized.UniqueId)
	if err != nil {
		p.recordSyncError(ctx, view.Name, normalized.UniqueId, "store_read_failed", err.Error(), true)
		detail.Outcome = OutcomeError
		detail.Reason = err.Error()
		return detail
	}

	previous := models.PropertyPhase("")
	if existing != nil {
		previous = existing.Phase
	}
	phase, rawStatus := ResolvePhase(view, normalized.RawStatus, previous)

	if forced, ok := p.forcedPhase(normalized.UniqueId); ok {
		// An authoritative view earlier in this pass already fixed the phase;
		// its canonical status sticks too.
		phase = forced.phase
		rawStatus = forced.rawStatus
	} else if view.Authoritative {
		p.setForcedPhase(normalized.UniqueId, phase, rawStatus)
	}
	normalized.Phase = phase
	normalized.RawStatus = rawStatus

	outcome, err := p.upsertProperty(ctx, existing, normalized)
	if err != nil {
		p.recordSyncError(ctx, view.Name, normalized.UniqueId, "write_failed", err.Error(), true)
		detail.Outcome = OutcomeError
		detail.Reason = err.Error()
		return detail
	}
	detail.Outcome = outcome
	return detail
}

// upsertProperty finds-or-creates by unique id and applies a field-level
// diff. Calling it twice with identical input yields created-then-unchanged.
func (p *SyncPass) upsertProperty(ctx context.Context, existing *models.Property, rec NormalizedRecord) (UpsertOutcome, error) {
	now := time.Now()

	if existing == nil {
		property := &models.Property{
			UniqueId:       rec.UniqueId,
			Name:           rec.Name,
			Address:        rec.Address,
			Phase:          rec.Phase,
			RawStatus:      rec.RawStatus,
			DocumentUrls:   rec.DocumentUrls,
			ClientName:     rec.ClientName,
			ClientEmail:    rec.ClientEmail,
			RenovationType: rec.RenovationType,
			Area:           rec.Area,
			SettlementDate: rec.SettlementDate,
			LastSyncedAt:   &now,
		}
		err := p.store.CreateProperty(ctx, property)
		if err == nil {
			return OutcomeCreated, nil
		}
		if !errors.Is(err, ErrDuplicateProperty) {
			return OutcomeError, err
		}
		// Lost an insert race; fall through to the update path.
		existing, err = p.store.FindPropertyByUniqueId(ctx, rec.UniqueId)
		if err != nil {
			return OutcomeError, err
		}
		if existing == nil {
			return OutcomeError, ErrDuplicateProperty
		}
	}

	diff := propertyDiff(existing, rec, now)
	if len(diff) == 0 {
		return OutcomeUnchanged, nil
	}
	if err := p.store.UpdateProperty(ctx, existing.ID, diff); err != nil {
		return OutcomeError, err
	}
	return OutcomeUpdated, nil
}

// propertyDiff computes the partial update for one sync pass. Only
// sync-owned fields are compared, so operator-edited columns survive.
// Identity fields are never blanked by a source hiccup: they update only
// when the incoming value is non-empty. Phase, raw status and the document
// list mirror the source exactly; area mirrors it whenever the field is
// present, including a correction back to zero. Any real change bumps the
// audit timestamp.
func propertyDiff(existing *models.Property, rec NormalizedRecord, now time.Time) map[string]interface{} {
	diff := map[string]interface{}{}

	if rec.Name != "" && rec.Name != existing.Name {
		diff["name"] = rec.Name
	}
	if rec.Address != "" && rec.Address != existing.Address {
		diff["address"] = rec.Address
	}
	if rec.ClientName != "" && rec.ClientName != existing.ClientName {
		diff["client_name"] = rec.ClientName
	}
	if rec.ClientEmail != "" && rec.ClientEmail != existing.ClientEmail {
		diff["client_email"] = rec.ClientEmail
	}
	if rec.RenovationType != "" && rec.RenovationType != existing.RenovationType {
		diff["renovation_type"] = rec.RenovationType
	}
	if rec.Phase != "" && rec.Phase != existing.Phase {
		diff["phase"] = rec.Phase
	}
	if rec.RawStatus != existing.RawStatus {
		diff["raw_status"] = rec.RawStatus
	}
	if rec.DocumentUrls != existing.DocumentUrls {
		diff["document_urls"] = rec.DocumentUrls
	}
	if rec.AreaSet && !rec.Area.Equal(existing.Area) {
		diff["area"] = rec.Area
	}
	if rec.SettlementDate != nil &&
		(existing.SettlementDate == nil || !rec.SettlementDate.Equal(*existing.SettlementDate)) {
		diff["settlement_date"] = rec.SettlementDate
	}

	if len(diff) > 0 {
		diff["last_synced_at"] = &now
	}
	return diff
}

func (p *SyncPass) lockFor(uniqueId string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock := p.keyLocks[uniqueId]
	if lock == nil {
		lock = &sync.Mutex{}
		p.keyLocks[uniqueId] = lock
	}
	return lock
}

func (p *SyncPass) forcedPhase(uniqueId string) (forcedState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	forced, ok := p.forced[uniqueId]
	return forced, ok
}

func (p *SyncPass) setForcedPhase(uniqueId string, phase models.PropertyPhase, rawStatus string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.forced[uniqueId]; !ok {
		p.forced[uniqueId] = forcedState{phase: phase, rawStatus: rawStatus}
	}
}

func (p *SyncPass) recordSyncError(ctx context.Context, viewName, uniqueId, code, message string, retryable bool) {
	if p.runId == 0 {
		return
	}
	if viewName == "" {
		viewName, _ = utils.GetViewNameFromContext(ctx)
	}
	err := p.store.RecordSyncError(ctx, &models.SyncError{
		SyncRunId: p.runId,
		ViewName:  viewName,
		UniqueId:  uniqueId,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	})
	if err != nil {
		p.logger.WithFields(logrus.Fields{"view": viewName, "unique_id": uniqueId}).
			Error("failed to record sync error: " + err.Error())
	}
}
