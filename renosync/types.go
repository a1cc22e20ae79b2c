package renosync

import (
	"encoding/json"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
)

// ViewConfig describes one phase-tagged source view. Authoritative views
// guarantee a phase by membership alone; for those, CanonicalStatus replaces
// the record's free-text status.
type ViewConfig struct {
	Name            string               `json:"name"`
	Phase           models.PropertyPhase `json:"phase"`
	Authoritative   bool                 `json:"authoritative"`
	CanonicalStatus string               `json:"canonical_status"`
}

// syncViews is the fixed processing order of a pass. The order is the
// priority: when a record appears in two views in the same pass, the first
// view's resolution wins and later views must not downgrade it.
var syncViews = []ViewConfig{
	{Name: "Upcoming Settlement", Phase: models.PhaseUpcomingSettlement},
	{Name: "Initial Check", Phase: models.PhaseInitialCheck},
	{Name: "Budget - Renovator", Phase: models.PhaseBudgetPendingRenovator},
	{Name: "Budget - Client", Phase: models.PhaseBudgetPendingClient},
	{Name: "Budget To Start", Phase: models.PhaseBudgetToStart},
	{Name: "Reno In Progress", Phase: models.PhaseInProgress, Authoritative: true, CanonicalStatus: "Reno in progress"},
	{Name: "Furnishing", Phase: models.PhaseFurnishing, Authoritative: true, CanonicalStatus: "Furnishing"},
	{Name: "Final Check", Phase: models.PhaseFinalCheck},
	{Name: "Cleaning", Phase: models.PhaseCleaning},
	{Name: "Fixes", Phase: models.PhaseFixes},
	{Name: "Done", Phase: models.PhaseDone},
}

// SyncViews returns the configured views in processing order.
func SyncViews() []ViewConfig {
	out := make([]ViewConfig, len(syncViews))
	copy(out, syncViews)
	return out
}

// FindView looks a view up by name.
func FindView(name string) (ViewConfig, bool) {
	for _, v := range syncViews {
		if v.Name == name {
			return v, true
		}
	}
	return ViewConfig{}, false
}

// ViewSettings is the connection-level subset of views a pass covers.
// An empty list means every configured view.
type ViewSettings struct {
	Views []string `json:"views"`
}

func DecodeViewSettings(raw []byte) ViewSettings {
	if len(raw) == 0 {
		return ViewSettings{}
	}
	var settings ViewSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return ViewSettings{}
	}
	return settings
}

func EncodeViewSettings(settings ViewSettings) []byte {
	b, _ := json.Marshal(settings)
	return b
}

// EnabledViews resolves settings to concrete view configs, preserving the
// fixed processing order regardless of settings order.
func EnabledViews(settings ViewSettings) []ViewConfig {
	if len(settings.Views) == 0 {
		return SyncViews()
	}
	enabled := make(map[string]bool, len(settings.Views))
	for _, name := range settings.Views {
		enabled[name] = true
	}
	var out []ViewConfig
	for _, v := range syncViews {
		if enabled[v.Name] {
			out = append(out, v)
		}
	}
	return out
}

type ConnectRequest struct {
	BaseId  string `json:"baseId" validate:"required"`
	TableId string `json:"tableId" validate:"required"`
	APIKey  string `json:"apiKey" validate:"required"`
}

type UpdateSettingsRequest struct {
	Views []string `json:"views"`
}

type TriggerSyncRequest struct {
	Views []string `json:"views"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Views             []string           `json:"views"`
}

type ConnectionResponse struct {
	Status  string `json:"status"`
	BaseId  string `json:"baseId"`
	TableId string `json:"tableId"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	SkippedCount  int     `json:"skippedCount"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID        uint   `json:"id"`
	ViewName  string `json:"viewName"`
	UniqueId  string `json:"uniqueId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint `json:"run_id"`
	ConnectionId uint `json:"connection_id"`
}
