package window

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseColdStart, PhaseNormal, true},
		{PhaseNormal, PhaseReorgRepair, true},
		{PhaseReorgRepair, PhaseNormal, true},
		{PhaseColdStart, PhaseReorgRepair, false},
		{PhaseNormal, PhaseColdStart, false},
		{PhaseReorgRepair, PhaseColdStart, false},
		{PhaseNormal, PhaseNormal, false},
		{Phase("bogus"), PhaseNormal, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := NewTransition(tt.from, tt.to, "test").IsValid(); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestPhaseDescription(t *testing.T) {
	t.Parallel()

	for _, p := range []Phase{PhaseColdStart, PhaseNormal, PhaseReorgRepair} {
		if PhaseDescription(p) == "Unknown phase" {
			t.Errorf("missing description for %s", p)
		}
	}
}
