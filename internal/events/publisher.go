// Package events carries typed state-change notifications out of the engine.
// Publishing happens after the owning transaction commits; a failed publish
// is logged by the caller and never rolls anything back.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/pitabwire/complyflow/model"
)

// Publisher emits state changes to whoever fans them out to people and
// channels.
type Publisher interface {
	Publish(ctx context.Context, changes ...model.StateChange) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish fans the changes out to each publisher.
func (m Multi) Publish(ctx context.Context, changes ...model.StateChange) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, changes...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every change.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, ...model.StateChange) error { return nil }

// Recorder keeps published changes in memory. For testing.
type Recorder struct {
	mu      sync.Mutex
	changes []model.StateChange
}

// Publish appends to the in-memory slice.
func (r *Recorder) Publish(_ context.Context, changes ...model.StateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, changes...)
	return nil
}

// Changes returns the changes published so far.
func (r *Recorder) Changes() []model.StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.StateChange(nil), r.changes...)
}

// OfType returns the published changes with the given type.
func (r *Recorder) OfType(typ string) []model.StateChange {
	var out []model.StateChange
	for _, c := range r.Changes() {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}
