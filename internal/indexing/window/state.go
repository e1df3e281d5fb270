package window

import (
	"errors"
	"time"
)

// Phase is the window's position in its lifecycle.
type Phase string

const (
	PhaseColdStart   Phase = "cold_start"
	PhaseNormal      Phase = "normal"
	PhaseReorgRepair Phase = "reorg_repair"
)

// ErrInvalidTransition is returned when an invalid phase transition is attempted.
var ErrInvalidTransition = errors.New("invalid phase transition")

// ValidTransitions defines allowed phase transitions.
// Key is the current phase, value is the list of valid next phases.
var ValidTransitions = map[Phase][]Phase{
	PhaseColdStart:   {PhaseNormal},
	PhaseNormal:      {PhaseReorgRepair},
	PhaseReorgRepair: {PhaseNormal},
}

// CanTransition checks if a transition from one phase to another is valid.
func CanTransition(from, to Phase) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a phase change with metadata.
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func NewTransition(from, to Phase, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// PhaseDescription returns a human-readable description of a phase.
func PhaseDescription(p Phase) string {
	switch p {
	case PhaseColdStart:
		return "Cold start - backfilling from the finalized boundary"
	case PhaseNormal:
		return "Normal - appending new heads"
	case PhaseReorgRepair:
		return "Reorg repair - re-fetching blocks to find the common ancestor"
	default:
		return "Unknown phase"
	}
}
