package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/model"
)

// Palette returns a deterministic valid palette derived from seed.
func Palette(seed int) core.Palette {
	p := make(core.Palette, core.MinPaletteColors)
	for i := range p {
		p[i] = fmt.Sprintf("#%02x%02x%02x", seed&0xff, i*40, (seed*7+i)&0xff)
	}
	return p
}

// ScriptStep is one scripted emission of a ScriptedSource.
type ScriptStep struct {
	Delay time.Duration
	Event core.Event
}

// ScriptedSource replays a fixed event script, sleeping before each step.
// It satisfies fanin.Source and records whether it was cancelled.
type ScriptedSource struct {
	id    string
	name  string
	steps []ScriptStep

	mu        sync.Mutex
	cancelled bool
	finished  chan struct{}
}

// ID returns the producer id.
func (s *ScriptedSource) ID() string { return s.id }

// Name returns the display name.
func (s *ScriptedSource) Name() string { return s.name }

// Run replays the script. It may be called once.
func (s *ScriptedSource) Run(ctx context.Context, _ model.Request) <-chan core.Event {
	out := make(chan core.Event)
	go func() {
		defer close(s.finished)
		defer close(out)
		for _, st := range s.steps {
			if st.Delay > 0 {
				timer := time.NewTimer(st.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					s.markCancelled()
					return
				case <-timer.C:
				}
			}
			select {
			case <-ctx.Done():
				s.markCancelled()
				return
			case out <- st.Event:
			}
		}
	}()
	return out
}

func (s *ScriptedSource) markCancelled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Cancelled reports whether the source observed context cancellation.
func (s *ScriptedSource) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Finished is closed once Run's goroutine has exited.
func (s *ScriptedSource) Finished() <-chan struct{} { return s.finished }

// Events returns the scripted events in order.
func (s *ScriptedSource) Events() []core.Event {
	out := make([]core.Event, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.Event
	}
	return out
}

// ScriptBuilder provides a fluent helper for constructing scripted sources.
// Example:
//
//	src := NewScriptBuilder("a").Started().Delay(5*time.Millisecond).Item(Palette(1)).Completed().Build()
//
// Delay applies to the next appended step only.
type ScriptBuilder struct {
	id    string
	name  string
	delay time.Duration
	items int
	start time.Time
	steps []ScriptStep
}

// NewScriptBuilder creates a builder for producer id (name defaults to id).
func NewScriptBuilder(id string) *ScriptBuilder {
	return &ScriptBuilder{id: id, name: id}
}

// Name overrides the display name (chainable).
func (b *ScriptBuilder) Name(n string) *ScriptBuilder { b.name = n; return b }

// Delay sets the pause before the next step (chainable).
func (b *ScriptBuilder) Delay(d time.Duration) *ScriptBuilder { b.delay = d; return b }

// Event appends an arbitrary event, useful for contract violation tests (chainable).
func (b *ScriptBuilder) Event(ev core.Event) *ScriptBuilder {
	b.steps = append(b.steps, ScriptStep{Delay: b.delay, Event: ev})
	b.delay = 0
	return b
}

// Started appends the Started event (chainable).
func (b *ScriptBuilder) Started() *ScriptBuilder {
	b.start = time.Now()
	return b.Event(core.NewStartedEvent(b.id, b.name))
}

// Item appends an Item event (chainable).
func (b *ScriptBuilder) Item(p core.Palette) *ScriptBuilder {
	b.items++
	return b.Event(core.NewItemEvent(b.id, p))
}

// Items appends one Item per palette, each after delay (chainable).
func (b *ScriptBuilder) Items(delay time.Duration, ps ...core.Palette) *ScriptBuilder {
	for _, p := range ps {
		b.Delay(delay).Item(p)
	}
	return b
}

// Completed appends the Completed event carrying the item count (chainable).
func (b *ScriptBuilder) Completed() *ScriptBuilder {
	return b.Event(core.NewCompletedEvent(b.id, b.items, time.Millisecond))
}

// Failed appends a Failed event (chainable).
func (b *ScriptBuilder) Failed(err error) *ScriptBuilder {
	return b.Event(core.NewFailedEvent(b.id, err))
}

// Build returns the ScriptedSource.
func (b *ScriptBuilder) Build() *ScriptedSource {
	steps := make([]ScriptStep, len(b.steps))
	copy(steps, b.steps)
	return &ScriptedSource{id: b.id, name: b.name, steps: steps, finished: make(chan struct{})}
}
