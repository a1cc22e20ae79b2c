package renosync

import (
	"strings"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
)

// statusPhaseTable maps free-text statuses to phases. Matching is
// case-insensitive and substring-tolerant; entries are checked in order, so
// the more specific synonyms come first.
var statusPhaseTable = []struct {
	needle string
	phase  models.PropertyPhase
}{
	{"upcoming settlement", models.PhaseUpcomingSettlement},
	{"settlement", models.PhaseUpcomingSettlement},
	{"initial check", models.PhaseInitialCheck},
	{"first inspection", models.PhaseInitialCheck},
	{"waiting for renovator", models.PhaseBudgetPendingRenovator},
	{"budget from renovator", models.PhaseBudgetPendingRenovator},
	{"waiting for client", models.PhaseBudgetPendingClient},
	{"client approval", models.PhaseBudgetPendingClient},
	{"budget approved", models.PhaseBudgetToStart},
	{"to start", models.PhaseBudgetToStart},
	{"reno in progress", models.PhaseInProgress},
	{"renovation in progress", models.PhaseInProgress},
	{"in progress", models.PhaseInProgress},
	{"furnishing", models.PhaseFurnishing},
	{"final check", models.PhaseFinalCheck},
	{"final inspection", models.PhaseFinalCheck},
	{"cleaning", models.PhaseCleaning},
	{"fixes", models.PhaseFixes},
	{"done", models.PhaseDone},
	{"completed", models.PhaseDone},
}

// LookupStatusPhase maps a raw status string to a phase via the synonym table.
func LookupStatusPhase(status string) (models.PropertyPhase, bool) {
	needleSpace := strings.ToLower(strings.TrimSpace(status))
	if needleSpace == "" {
		return "", false
	}
	for _, entry := range statusPhaseTable {
		if strings.Contains(needleSpace, entry.needle) {
			return entry.phase, true
		}
	}
	return "", false
}

// ResolvePhase converts (view, status, previously stored phase) into the
// authoritative phase for the record, plus the raw status to store.
// Priority, strictly in order:
//  1. a phase-authoritative view forces its phase and canonical status,
//     because view membership is more trustworthy than free text there;
//  2. the status synonym table;
//  3. the previous phase, so a record never regresses to orphaned just
//     because one pass could not classify it;
//  4. orphaned.
func ResolvePhase(view ViewConfig, status string, previous models.PropertyPhase) (models.PropertyPhase, string) {
	if view.Authoritative {
		return view.Phase, view.CanonicalStatus
	}
	if phase, ok := LookupStatusPhase(status); ok {
		return phase, status
	}
	if previous.IsValid() {
		return previous, status
	}
	return models.PhaseOrphaned, status
}
