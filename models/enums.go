package models

// PropertyPhase is the authoritative workflow stage of a property.
// Exactly one phase is authoritative at any time; PhaseOrphaned is the
// catch-all for records unresolvable by status or view membership, and
// orphaned rows are hidden from phase-partitioned listings but never deleted.
type PropertyPhase string

const (
	PhaseUpcomingSettlement     PropertyPhase = "UpcomingSettlement"
	PhaseInitialCheck           PropertyPhase = "InitialCheck"
	PhaseBudgetPendingRenovator PropertyPhase = "BudgetPendingRenovator"
	PhaseBudgetPendingClient    PropertyPhase = "BudgetPendingClient"
	PhaseBudgetToStart          PropertyPhase = "BudgetToStart"
	PhaseInProgress             PropertyPhase = "InProgress"
	PhaseFurnishing             PropertyPhase = "Furnishing"
	PhaseFinalCheck             PropertyPhase = "FinalCheck"
	PhaseCleaning               PropertyPhase = "Cleaning"
	PhaseFixes                  PropertyPhase = "Fixes"
	PhaseDone                   PropertyPhase = "Done"
	PhaseOrphaned               PropertyPhase = "Orphaned"
)

// AllPropertyPhases lists phases in workflow order, PhaseOrphaned last.
var AllPropertyPhases = []PropertyPhase{
	PhaseUpcomingSettlement,
	PhaseInitialCheck,
	PhaseBudgetPendingRenovator,
	PhaseBudgetPendingClient,
	PhaseBudgetToStart,
	PhaseInProgress,
	PhaseFurnishing,
	PhaseFinalCheck,
	PhaseCleaning,
	PhaseFixes,
	PhaseDone,
	PhaseOrphaned,
}

func (p PropertyPhase) IsValid() bool {
	for _, phase := range AllPropertyPhases {
		if p == phase {
			return true
		}
	}
	return false
}

func (p PropertyPhase) String() string { return string(p) }
