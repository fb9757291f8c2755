package domain

import "time"

// JobKind identifies one of the two job slots tracked by the service.
type JobKind string

const (
	JobKindTransfer JobKind = "transfer"
	JobKindConvert  JobKind = "convert"
)

// JobPhase is the lifecycle stage of a job slot.
type JobPhase string

const (
	JobPhaseIdle     JobPhase = "idle"
	JobPhaseStarting JobPhase = "starting"
	JobPhaseRunning  JobPhase = "running"
	JobPhaseComplete JobPhase = "complete"
	JobPhaseFailed   JobPhase = "failed"
)

// InFlight reports whether the phase belongs to an active run.
func (p JobPhase) InFlight() bool {
	return p == JobPhaseStarting || p == JobPhaseRunning
}

// Terminal reports whether the phase ends a run.
func (p JobPhase) Terminal() bool {
	return p == JobPhaseComplete || p == JobPhaseFailed
}

// JobState is the observable status record for one job kind. Values are
// copied in and out of the registry, never shared.
type JobState struct {
	Kind      JobKind   `json:"kind"`
	RunID     string    `json:"run_id,omitempty"`
	Phase     JobPhase  `json:"phase"`
	Name      string    `json:"name,omitempty"`
	Progress  float64   `json:"progress"`
	Rate      string    `json:"rate,omitempty"`
	ETA       string    `json:"eta,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
