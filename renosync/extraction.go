package renosync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/sirupsen/logrus"
)

// ExtractionPayload is the body of one automation webhook call. One call
// covers exactly one document URL; multi-document properties get one call
// per URL, each tagged with its own budget index.
type ExtractionPayload struct {
	DocumentUrl    string `json:"document_url"`
	PropertyId     int    `json:"property_id"`
	UniqueId       string `json:"unique_id"`
	PropertyName   string `json:"property_name"`
	Address        string `json:"address"`
	ClientName     string `json:"client_name"`
	ClientEmail    string `json:"client_email"`
	RenovationType string `json:"renovation_type"`
	Area           string `json:"area"`
	BudgetIndex    int    `json:"budget_index"`
}

// ExtractionEligible is the pure eligibility predicate: renovation in
// progress, at least one attached document, and no extracted cost categories
// yet. "Retry" after a failed webhook call is simply this predicate holding
// again on the next pass; there is no separate retry bookkeeping.
func ExtractionEligible(property models.Property, categoryCount int64) bool {
	if property.Phase != models.PhaseInProgress {
		return false
	}
	if len(utils.SplitAndTrim(property.DocumentUrls)) == 0 {
		return false
	}
	return categoryCount == 0
}

type ExtractionResult struct {
	Scanned   int `json:"scanned"`
	Eligible  int `json:"eligible"`
	Triggered int `json:"triggered"`
	Failed    int `json:"failed"`
}

// ExtractionTrigger scans the store after a sync pass and fires the
// automation webhook for each eligible document. Calls are strictly
// sequential with an inter-call delay to protect the automation service.
type ExtractionTrigger struct {
	store    Store
	logger   *logrus.Logger
	endpoint string
	delay    time.Duration
	http     *http.Client
}

func NewExtractionTrigger(store Store, logger *logrus.Logger) *ExtractionTrigger {
	return &ExtractionTrigger{
		store:    store,
		logger:   logger,
		endpoint: utils.EnvString("RENOSYNC_EXTRACTION_WEBHOOK_URL", ""),
		delay:    utils.EnvDuration("RENOSYNC_EXTRACTION_CALL_DELAY", 2*time.Second),
		http: &http.Client{
			Timeout: utils.EnvDuration("RENOSYNC_EXTRACTION_TIMEOUT", 30*time.Second),
		},
	}
}

func (t *ExtractionTrigger) Enabled() bool {
	return t.endpoint != ""
}

// Run scans for eligible properties and fires one webhook call per document
// URL. Non-2xx responses and timeouts are logged and skipped; eligibility is
// re-evaluated on the next scheduled pass, so failures retry implicitly.
func (t *ExtractionTrigger) Run(ctx context.Context) (ExtractionResult, error) {
	ctx, span := tracer.Start(ctx, "renosync.ExtractionTrigger")
	defer span.End()

	result := ExtractionResult{}
	if !t.Enabled() {
		t.logger.Warn("extraction webhook url not configured; skipping extraction pass")
		return result, nil
	}

	properties, err := t.store.ListPropertiesInPhaseWithDocuments(ctx, models.PhaseInProgress)
	if err != nil {
		return result, fmt.Errorf("store unreachable for extraction scan: %w", err)
	}

	firstCall := true
	for _, property := range properties {
		result.Scanned++

		count, err := t.store.CountCostCategories(ctx, property.ID)
		if err != nil {
			result.Failed++
			t.logger.WithFields(logrus.Fields{"unique_id": property.UniqueId}).
				Error("cost category count failed: " + err.Error())
			continue
		}
		if !ExtractionEligible(property, count) {
			continue
		}
		result.Eligible++

		for i, docURL := range utils.SplitAndTrim(property.DocumentUrls) {
			// The delay separates consecutive calls only; nothing waits
			// after the last one.
			if !firstCall {
				select {
				case <-ctx.Done():
					return result, ctx.Err()
				case <-time.After(t.delay):
				}
			}
			firstCall = false

			if err := t.fire(ctx, property, docURL, i+1); err != nil {
				result.Failed++
				runId, _ := utils.GetSyncRunIdFromContext(ctx)
				t.logger.WithFields(logrus.Fields{
					"run_id":       runId,
					"unique_id":    property.UniqueId,
					"budget_index": i + 1,
				}).Warn("extraction webhook call failed: " + err.Error())
			} else {
				result.Triggered++
			}
		}
	}

	return result, nil
}

func (t *ExtractionTrigger) fire(ctx context.Context, property models.Property, docURL string, budgetIndex int) error {
	payload := ExtractionPayload{
		DocumentUrl:    docURL,
		PropertyId:     property.ID,
		UniqueId:       property.UniqueId,
		PropertyName:   property.Name,
		Address:        property.Address,
		ClientName:     property.ClientName,
		ClientEmail:    property.ClientEmail,
		RenovationType: property.RenovationType,
		Area:           property.Area.String(),
		BudgetIndex:    budgetIndex,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Any 2xx is success; no response body contract exists beyond that.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("automation webhook returned %d", resp.StatusCode)
	}
	return nil
}
