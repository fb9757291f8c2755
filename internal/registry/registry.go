package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediamill/internal/domain"
)

// ErrJobInFlight is returned when starting a job of a kind that is already
// starting or running.
var ErrJobInFlight = errors.New("job already in flight")

// Registry is the process-wide store of current job states, one slot per
// kind. Runners publish snapshots into it; status reads copy out of it. The
// lock is never held across I/O.
type Registry struct {
	mu    sync.RWMutex
	slots map[domain.JobKind]domain.JobState
}

// New returns a registry with every slot in idle phase.
func New() *Registry {
	r := &Registry{slots: make(map[domain.JobKind]domain.JobState)}
	for _, kind := range []domain.JobKind{domain.JobKindTransfer, domain.JobKindConvert} {
		r.slots[kind] = domain.JobState{Kind: kind, Phase: domain.JobPhaseIdle}
	}
	return r
}

// Begin atomically claims the slot for a new run. It fails with
// ErrJobInFlight unless the slot is idle or terminal, otherwise resets the
// slot to starting and returns the run ID the owning runner must publish
// under.
func (r *Registry) Begin(kind domain.JobKind) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.slots[kind]; ok && cur.Phase.InFlight() {
		return "", ErrJobInFlight
	}

	runID := uuid.NewString()
	r.slots[kind] = domain.JobState{
		Kind:      kind,
		RunID:     runID,
		Phase:     domain.JobPhaseStarting,
		UpdatedAt: time.Now(),
	}
	return runID, nil
}

// Publish replaces the slot with the given snapshot. The write is dropped
// unless the snapshot carries the slot's current run ID, so a superseded
// runner can never clobber a newer run and terminal phases stay sticky.
func (r *Registry) Publish(state domain.JobState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.slots[state.Kind]
	if !ok || cur.RunID != state.RunID {
		return false
	}
	state.UpdatedAt = time.Now()
	r.slots[state.Kind] = state
	return true
}

// Get returns a copy of the slot for the given kind.
func (r *Registry) Get(kind domain.JobKind) domain.JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[kind]
}

// Snapshot returns a point-in-time copy of every slot, keyed by kind.
func (r *Registry) Snapshot() map[domain.JobKind]domain.JobState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.JobKind]domain.JobState, len(r.slots))
	for kind, state := range r.slots {
		out[kind] = state
	}
	return out
}
