// Package epsilon tracks the participant's privacy-budget selections: the
// current value, full selection history, and the incrementally maintained
// running average that feeds the session record.
package epsilon

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/store"
)

// Tracker owns the EpsilonState for one participant. All mutation goes
// through it; once Freeze has been called every mutator is a silent no-op.
type Tracker struct {
	local store.Store

	mu     sync.Mutex
	state  model.EpsilonState
	loaded bool

	// test seam for the random initial value
	randFloat func() float64
}

// NewTracker creates a Tracker over the local store.
func NewTracker(local store.Store) *Tracker {
	return &Tracker{local: local, randFloat: rand.Float64}
}

// Initialize loads the persisted state, or on first-ever run picks a
// pseudo-random start value in [0.1, 5.0] at one-decimal resolution and
// persists it so it survives reloads. A frozen final value from a finalized
// session takes priority and is returned as-is.
func (t *Tracker) Initialize(ctx context.Context) (model.EpsilonState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.loaded {
		return t.snapshotLocked(), nil
	}

	var st model.EpsilonState
	ok, err := store.GetJSON(ctx, t.local, store.KeyEpsilonState, &st)
	if err != nil {
		return model.EpsilonState{}, eris.Wrap(err, "epsilon: load state")
	}
	if !ok {
		start := model.ClampEpsilon(model.EpsilonMin + t.randFloat()*(model.EpsilonMax-model.EpsilonMin))
		st = model.EpsilonState{Current: start}
		if err := store.SetJSON(ctx, t.local, store.KeyEpsilonState, st); err != nil {
			return model.EpsilonState{}, eris.Wrap(err, "epsilon: persist initial state")
		}
	}

	t.state = st
	t.loaded = true
	return t.snapshotLocked(), nil
}

// RecordSelection clamps and rounds e, appends it to the history, bumps the
// change count and running sum, and persists incrementally. Silently ignored
// once the state is frozen.
func (t *Tracker) RecordSelection(ctx context.Context, e float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Frozen {
		return nil
	}

	e = model.ClampEpsilon(e)
	t.state.Current = e
	t.state.History = append(t.state.History, e)
	t.state.ChangeCount++
	t.state.RunningSum = roundSum(t.state.RunningSum + e)

	if err := store.SetJSON(ctx, t.local, store.KeyEpsilonState, t.state); err != nil {
		return eris.Wrap(err, "epsilon: persist selection")
	}
	return nil
}

// Freeze locks all further mutation. Called exactly once, at session
// finalization. Freezing twice is harmless.
func (t *Tracker) Freeze(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Frozen {
		return nil
	}
	t.state.Frozen = true
	if err := store.SetJSON(ctx, t.local, store.KeyEpsilonState, t.state); err != nil {
		return eris.Wrap(err, "epsilon: persist freeze")
	}
	return nil
}

// AdoptFinal overwrites the state with a finalized session's frozen values.
// Used on reload when a completed session supplies the authoritative finals.
func (t *Tracker) AdoptFinal(ctx context.Context, final model.EpsilonState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	final.Frozen = true
	t.state = final
	t.loaded = true
	if err := store.SetJSON(ctx, t.local, store.KeyEpsilonState, t.state); err != nil {
		return eris.Wrap(err, "epsilon: persist adopted state")
	}
	return nil
}

// Average returns the running average, 0 when nothing has been recorded.
func (t *Tracker) Average() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Average()
}

// State returns a copy of the current state.
func (t *Tracker) State() model.EpsilonState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() model.EpsilonState {
	st := t.state
	st.History = append([]float64(nil), t.state.History...)
	return st
}

// roundSum keeps the running sum at one-decimal resolution so that it stays
// bit-identical to the sum of the rounded history and float drift cannot
// break the average==mean invariant.
func roundSum(s float64) float64 {
	return math.Round(s*10) / 10
}
