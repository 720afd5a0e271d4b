// Package fanin runs many producers concurrently and multiplexes their events
// onto one ordered output channel.
//
// Every source gets its own worker goroutine, started together when Run is
// called. Workers push into a single merge channel; one coordinator goroutine
// forwards whatever arrives first, tracks which producers are still active,
// accumulates their palettes and, once every producer reached a terminal
// event, emits a synthetic Done event with the per-producer results.
//
// Events of one producer keep their order. Events of different producers are
// interleaved in arrival order only.
package fanin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/logging"
	"github.com/hupe1980/palettemesh/model"
)

var (
	// ErrDuplicateProducer is returned when two sources share an id.
	ErrDuplicateProducer = errors.New("duplicate producer id")
	// ErrEmptyProducerID is returned when a source has no id.
	ErrEmptyProducerID = errors.New("producer id must not be empty")
	// ErrProducerTimeout is reported for producers exceeding Options.ProducerTimeout.
	ErrProducerTimeout = errors.New("producer timed out")
)

// Source is anything that yields a producer event sequence. *producer.Producer
// implements it.
type Source interface {
	ID() string
	Name() string
	Run(ctx context.Context, req model.Request) <-chan core.Event
}

// Options configure a Scheduler.
type Options struct {
	// BufferSize of the merge channel shared by all workers.
	BufferSize int

	// ProducerTimeout bounds each producer's lifetime. A producer exceeding
	// it is stopped and reported as Failed with ErrProducerTimeout. Zero
	// disables the bound.
	ProducerTimeout time.Duration

	// Stagger delays the start of the n-th source by n*Stagger. Zero starts
	// every source at once.
	Stagger time.Duration

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// DefaultOptions are used by New before applying option functions.
var DefaultOptions = Options{
	BufferSize: 32,
}

// Scheduler multiplexes producer event sequences. It is stateless between
// runs and safe for concurrent use.
type Scheduler struct {
	opts Options
}

// New creates a Scheduler.
func New(optFns ...func(o *Options)) *Scheduler {
	opts := DefaultOptions
	opts.Logger = logging.NoOpLogger{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	return &Scheduler{opts: opts}
}

type envelope struct {
	idx      int
	ev       core.Event
	closed   bool
	timedOut bool
}

// Run starts every source and returns the merged event stream. The stream
// ends with a Done event once all producers terminated, or without one when
// ctx is cancelled. Cancelling ctx stops every producer still running.
func (s *Scheduler) Run(ctx context.Context, req model.Request, sources ...Source) (<-chan core.Event, error) {
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		id := src.ID()
		if id == "" {
			return nil, ErrEmptyProducerID
		}
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProducer, id)
		}
		seen[id] = struct{}{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	merged := make(chan envelope, s.opts.BufferSize)
	out := make(chan core.Event)

	trackers := make([]*tracker, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		srcCtx, srcCancel := context.WithCancel(runCtx)
		trackers[i] = &tracker{id: src.ID(), stop: srcCancel}
		wg.Add(1)
		go s.worker(runCtx, srcCtx, i, src, req, merged, &wg)
	}

	go func() {
		defer close(out)
		defer cancel()
		s.coordinate(runCtx, trackers, merged, out)
	}()

	go func() {
		// Workers exit once their source closes or the run is cancelled.
		wg.Wait()
		s.opts.Logger.Debug("Fan-in workers stopped", "producers", len(sources))
	}()

	return out, nil
}

// worker forwards one source into the merge channel. ctx is the run context;
// srcCtx additionally lets the coordinator stop this source alone.
func (s *Scheduler) worker(ctx, srcCtx context.Context, idx int, src Source, req model.Request, merged chan<- envelope, wg *sync.WaitGroup) {
	defer wg.Done()

	if s.opts.Stagger > 0 && idx > 0 {
		timer := time.NewTimer(time.Duration(idx) * s.opts.Stagger)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	pctx, pcancel := srcCtx, context.CancelFunc(func() {})
	if s.opts.ProducerTimeout > 0 {
		pctx, pcancel = context.WithTimeout(srcCtx, s.opts.ProducerTimeout)
	}
	defer pcancel()

	events := src.Run(pctx, req)
	for ev := range events {
		if !send(ctx, merged, envelope{idx: idx, ev: ev}) {
			go func() {
				for range events {
				}
			}()
			return
		}
	}

	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	send(ctx, merged, envelope{idx: idx, closed: true, timedOut: timedOut})
}

func send(ctx context.Context, merged chan<- envelope, env envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case merged <- env:
		return true
	}
}

func (s *Scheduler) coordinate(ctx context.Context, trackers []*tracker, merged <-chan envelope, out chan<- core.Event) {
	active := len(trackers)

	forward := func(ev core.Event) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case out <- ev:
			return true
		}
	}

	// terminate removes a producer from the active set with a synthetic
	// Failed event.
	terminate := func(tr *tracker, err error) bool {
		tr.terminal = true
		tr.stop()
		active--
		return forward(core.NewFailedEvent(tr.id, err))
	}

	for active > 0 {
		var env envelope
		select {
		case <-ctx.Done():
			s.opts.Logger.Debug("Fan-in cancelled", "active", active)
			return
		case env = <-merged:
		}

		tr := trackers[env.idx]
		if tr.terminal {
			if !env.closed {
				s.opts.Logger.Error("Dropping event after terminal event", "producer", tr.id, "type", string(env.ev.Type), "error", core.ErrContractViolation.Error())
			}
			continue
		}

		if env.closed {
			err := fmt.Errorf("%w: %s closed its stream without a terminal event", core.ErrContractViolation, tr.id)
			if env.timedOut {
				err = fmt.Errorf("%w after %s", ErrProducerTimeout, s.opts.ProducerTimeout)
			} else {
				s.opts.Logger.Error("Producer contract violation", "producer", tr.id, "error", err.Error())
			}
			if !terminate(tr, err) {
				return
			}
			continue
		}

		if err := tr.observe(env.ev); err != nil {
			s.opts.Logger.Error("Producer contract violation", "producer", tr.id, "error", err.Error())
			if !terminate(tr, err) {
				return
			}
			continue
		}
		if tr.terminal {
			active--
		}
		if !forward(env.ev) {
			return
		}
	}

	results := make(map[string][]core.Palette, len(trackers))
	for _, tr := range trackers {
		if tr.completed {
			results[tr.id] = tr.items
		}
	}
	forward(core.NewDoneEvent(results))
}

// tracker is the coordinator's per-producer view. Only the coordinator
// goroutine touches it.
type tracker struct {
	id        string
	stop      context.CancelFunc
	started   bool
	terminal  bool
	completed bool
	items     []core.Palette
}

// observe validates ev against the lifecycle and records its effect.
func (t *tracker) observe(ev core.Event) error {
	if ev.ProducerID != t.id {
		return fmt.Errorf("%w: event for %q emitted by %q", core.ErrContractViolation, ev.ProducerID, t.id)
	}
	switch ev.Type {
	case core.EventStarted:
		if t.started {
			return fmt.Errorf("%w: %s started twice", core.ErrContractViolation, t.id)
		}
		t.started = true
		t.items = []core.Palette{}
		return nil
	case core.EventItem, core.EventCompleted, core.EventFailed:
		if !t.started {
			return fmt.Errorf("%w: %s emitted %s before started", core.ErrContractViolation, t.id, ev.Type)
		}
	default:
		return fmt.Errorf("%w: %s emitted unexpected %s event", core.ErrContractViolation, t.id, ev.Type)
	}

	switch ev.Type {
	case core.EventItem:
		t.items = append(t.items, ev.Palette)
	case core.EventCompleted:
		t.terminal = true
		t.completed = true
	case core.EventFailed:
		t.terminal = true
	}
	return nil
}
