// Package producer adapts one backend's stream into the uniform producer
// event lifecycle: Started, zero or more Item, then exactly one of Completed
// or Failed.
//
// A Producer owns its extractor state; nothing is shared between producers.
// Text fragments are scanned for palettes as they arrive, so an Item is
// emitted as soon as its closing bracket has been received. Backends that
// deliver structured palettes bypass the scanner but produce the same events.
package producer

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/extract"
	"github.com/hupe1980/palettemesh/logging"
	"github.com/hupe1980/palettemesh/model"
)

// ErrNoModel is reported when a producer is constructed without a backend.
var ErrNoModel = errors.New("producer has no model configured")

// Options configure a Producer.
type Options struct {
	// Name is the human readable label sent with the Started event.
	// Defaults to the model's Info().Name.
	Name string

	// MaxPending bounds the extractor's retained text (see extract.Scanner).
	MaxPending int

	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Producer wraps one model.Model.
type Producer struct {
	id    string
	model model.Model
	opts  Options
}

// New creates a producer identified by id (the wire "modelKey").
func New(id string, m model.Model, optFns ...func(o *Options)) *Producer {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Name == "" && m != nil {
		opts.Name = m.Info().Name
	}
	if opts.Name == "" {
		opts.Name = id
	}
	return &Producer{id: id, model: m, opts: opts}
}

// ID returns the producer key.
func (p *Producer) ID() string { return p.id }

// Name returns the display name.
func (p *Producer) Name() string { return p.opts.Name }

// Run starts the backend and returns the producer's event sequence. The
// channel is unbuffered, so the consumer's pace drives backend reads. The
// channel is closed after the terminal event, or without one when ctx is
// cancelled.
func (p *Producer) Run(ctx context.Context, req model.Request) <-chan core.Event {
	out := make(chan core.Event)
	go func() {
		defer close(out)

		start := time.Now()
		if !emit(ctx, out, core.NewStartedEvent(p.id, p.opts.Name)) {
			return
		}

		count, err := p.pump(ctx, req, out)
		if ctx.Err() != nil {
			p.opts.Logger.Debug("Producer cancelled", "producer", p.id, "item_count", count)
			return
		}

		logging.LogProducerRun(p.opts.Logger, p.id, count, time.Since(start), err)
		if err != nil {
			emit(ctx, out, core.NewFailedEvent(p.id, err))
			return
		}
		emit(ctx, out, core.NewCompletedEvent(p.id, count, time.Since(start)))
	}()
	return out
}

// pump reads the backend stream to its end and emits one Item per record.
func (p *Producer) pump(ctx context.Context, req model.Request, out chan<- core.Event) (int, error) {
	if p.model == nil {
		return 0, ErrNoModel
	}

	chunks, errs := p.model.Stream(ctx, req)
	defer func() {
		// Unblock a backend that is still sending after an early return.
		go func() {
			for range chunks {
			}
		}()
	}()

	scanner := &extract.Scanner{MaxPending: p.opts.MaxPending}
	count := 0
	for chunk := range chunks {
		var records []core.Palette
		if chunk.Text != "" {
			records = scanner.Feed(chunk.Text)
		}
		for _, rec := range chunk.Palettes {
			if err := rec.Validate(); err != nil {
				p.opts.Logger.Debug("Dropping structured palette", "producer", p.id, "reason", err.Error())
				continue
			}
			records = append(records, rec.Clone())
		}
		for _, rec := range records {
			if !emit(ctx, out, core.NewItemEvent(p.id, rec)) {
				return count, ctx.Err()
			}
			count++
		}
	}

	if err, ok := <-errs; ok && err != nil {
		return count, err
	}
	return count, nil
}

func emit(ctx context.Context, out chan<- core.Event, ev core.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}
