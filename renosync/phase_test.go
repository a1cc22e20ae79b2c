package renosync

import (
	"testing"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
)

func TestLookupStatusPhase_SynonymsAndCase(t *testing.T) {
	cases := []struct {
		in       string
		expected models.PropertyPhase
		ok       bool
	}{
		{"Upcoming Settlement", models.PhaseUpcomingSettlement, true},
		{"  settlement on 3/9  ", models.PhaseUpcomingSettlement, true},
		{"INITIAL CHECK", models.PhaseInitialCheck, true},
		{"first inspection booked", models.PhaseInitialCheck, true},
		{"Waiting for renovator quote", models.PhaseBudgetPendingRenovator, true},
		{"waiting for client sign-off", models.PhaseBudgetPendingClient, true},
		{"Budget approved", models.PhaseBudgetToStart, true},
		{"Reno in progress", models.PhaseInProgress, true},
		{"renovation in progress since May", models.PhaseInProgress, true},
		{"Furnishing", models.PhaseFurnishing, true},
		{"final inspection", models.PhaseFinalCheck, true},
		{"Cleaning", models.PhaseCleaning, true},
		{"minor fixes", models.PhaseFixes, true},
		{"Done", models.PhaseDone, true},
		{"completed 2024", models.PhaseDone, true},
		{"", "", false},
		{"gibberish status", "", false},
	}
	for _, tc := range cases {
		phase, ok := LookupStatusPhase(tc.in)
		if ok != tc.ok || phase != tc.expected {
			t.Fatalf("LookupStatusPhase(%q) = (%s, %v), want (%s, %v)", tc.in, phase, ok, tc.expected, tc.ok)
		}
	}
}

func TestLookupStatusPhase_SpecificSynonymWinsOverGeneric(t *testing.T) {
	// "reno in progress" contains "in progress"; the specific entry must win,
	// and both land on the same phase regardless.
	phase, ok := LookupStatusPhase("reno in progress")
	if !ok || phase != models.PhaseInProgress {
		t.Fatalf("got (%s, %v)", phase, ok)
	}
}

func TestResolvePhase_AuthoritativeViewWins(t *testing.T) {
	view := ViewConfig{
		Name:            "Reno In Progress",
		Phase:           models.PhaseInProgress,
		Authoritative:   true,
		CanonicalStatus: "Reno in progress",
	}
	phase, raw := ResolvePhase(view, "waiting for client", models.PhaseCleaning)
	if phase != models.PhaseInProgress {
		t.Fatalf("phase = %s, want %s", phase, models.PhaseInProgress)
	}
	if raw != "Reno in progress" {
		t.Fatalf("raw status = %q, want canonical", raw)
	}
}

func TestResolvePhase_StatusTableBeatsPreviousPhase(t *testing.T) {
	view := ViewConfig{Name: "Cleaning", Phase: models.PhaseCleaning}
	phase, raw := ResolvePhase(view, "Done", models.PhaseCleaning)
	if phase != models.PhaseDone {
		t.Fatalf("phase = %s, want %s", phase, models.PhaseDone)
	}
	if raw != "Done" {
		t.Fatalf("raw status = %q, want original text", raw)
	}
}

func TestResolvePhase_UnknownStatusKeepsPreviousPhase(t *testing.T) {
	view := ViewConfig{Name: "Fixes", Phase: models.PhaseFixes}
	phase, _ := ResolvePhase(view, "???", models.PhaseFurnishing)
	if phase != models.PhaseFurnishing {
		t.Fatalf("phase = %s, want previous %s", phase, models.PhaseFurnishing)
	}
}

func TestResolvePhase_NoSignalIsOrphaned(t *testing.T) {
	view := ViewConfig{Name: "Fixes", Phase: models.PhaseFixes}
	phase, _ := ResolvePhase(view, "", "")
	if phase != models.PhaseOrphaned {
		t.Fatalf("phase = %s, want %s", phase, models.PhaseOrphaned)
	}
}
