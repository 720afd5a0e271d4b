// Package palettemesh provides a high-level façade over the producer
// scheduler and service abstractions (sessions, prompt rendering, logging)
// for streaming color palette generation. Most applications interact with
// this package by:
//  1. Creating a Mesh via New() (optionally overriding the default in‑memory session store)
//  2. Registering one producer per backend model
//  3. Calling Generate with a request and a sink factory, and RecordFeedback
//     when the user rates results
//
// The façade delegates multiplexing to fanin.Scheduler while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply a durable store and a
// structured logger.
package palettemesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/fanin"
	"github.com/hupe1980/palettemesh/logging"
	"github.com/hupe1980/palettemesh/prompt"
	"github.com/hupe1980/palettemesh/session"
	"github.com/hupe1980/palettemesh/transport"
)

// ErrUnknownProducer is returned when a request selects an unregistered model.
var ErrUnknownProducer = errors.New("unknown producer")

// SinkFactory opens the client sink once the request has been validated and
// the producer set is known. multi reports whether more than one producer runs.
type SinkFactory func(multi bool) (transport.Sink, error)

// Options configures the Mesh instance.
type Options struct {
	// Scheduler configuration (buffer, per-producer timeout, stagger).
	Scheduler fanin.Options

	// MaxConcurrentGenerations limits the number of generations that can
	// run simultaneously. Set to 0 for unlimited.
	MaxConcurrentGenerations int

	// SessionStore defaults to an in-memory implementation if not provided.
	SessionStore core.SessionStore

	// Prompt renders model requests. Defaults to prompt.NewBuilder().
	Prompt *prompt.Builder

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Summary describes a finished (or interrupted) generation.
type Summary struct {
	SessionID string
	Version   int
	// Results holds the palettes of every producer that completed.
	Results map[string][]core.Palette
	// Errors maps failed producers to their error message.
	Errors    map[string]string
	Items     int
	Duration  time.Duration
	Cancelled bool
}

// Mesh is the high-level façade aggregating the scheduler and services.
type Mesh struct {
	opts      Options
	scheduler *fanin.Scheduler
	limiter   *core.Limiter

	mu        sync.RWMutex
	producers map[string]fanin.Source
	order     []string

	// queries serializes session resolution per normalized query so that
	// concurrent first requests for a theme share one session.
	queries keyedMutex
}

// New creates a new Mesh instance with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Mesh {
	opts := Options{
		Scheduler:    fanin.DefaultOptions,
		SessionStore: session.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Prompt == nil {
		opts.Prompt = prompt.NewBuilder()
	}

	s := fanin.New(func(o *fanin.Options) {
		*o = opts.Scheduler
		o.Logger = logging.With(opts.Logger, "component", "fanin")
	})

	return &Mesh{
		opts:      opts,
		scheduler: s,
		limiter:   core.NewLimiter(opts.MaxConcurrentGenerations),
		producers: map[string]fanin.Source{},
	}
}

// RegisterProducer adds a producer. Ids must be unique.
func (m *Mesh) RegisterProducer(src fanin.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := src.ID()
	if id == "" {
		return fanin.ErrEmptyProducerID
	}
	if _, ok := m.producers[id]; ok {
		return fmt.Errorf("%w: %s", fanin.ErrDuplicateProducer, id)
	}
	m.producers[id] = src
	m.order = append(m.order, id)
	return nil
}

// Producers lists registered producer ids in registration order.
func (m *Mesh) Producers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// SessionStore exposes the configured store.
func (m *Mesh) SessionStore() core.SessionStore { return m.opts.SessionStore }

// selectSources resolves the requested model keys; none selects every producer.
func (m *Mesh) selectSources(keys []string) ([]fanin.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(keys) == 0 {
		out := make([]fanin.Source, 0, len(m.order))
		for _, id := range m.order {
			out = append(out, m.producers[id])
		}
		return out, nil
	}
	seen := map[string]struct{}{}
	out := make([]fanin.Source, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		src, ok := m.producers[k]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, k)
		}
		out = append(out, src)
	}
	return out, nil
}

// resolveSession picks the session a generation is recorded under and the
// version it runs as. An existing session is advanced to a new version.
func (m *Mesh) resolveSession(ctx context.Context, req core.Request) (*core.Session, int, error) {
	store := m.opts.SessionStore

	var (
		sess *core.Session
		err  error
	)
	if req.SessionID != "" {
		sess, err = store.Get(ctx, req.SessionID)
	} else {
		// Stores cannot create-if-absent, so Load and Create run under a
		// per-query lock. Processes sharing a store can still race here.
		unlock := m.queries.Lock(core.NormalizeQuery(req.Query))
		defer unlock()
		sess, err = store.Load(ctx, req.Query)
		if errors.Is(err, core.ErrSessionNotFound) {
			sess, err = store.Create(ctx, req.Query)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to create session: %w", err)
			}
			return sess, sess.Version, nil
		}
	}
	if err != nil {
		return nil, 0, err
	}

	version, err := store.AdvanceVersion(ctx, sess.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to advance session %s: %w", sess.ID, err)
	}
	return sess, version, nil
}

// Generate runs every selected producer for req and streams the events into
// the sink opened by open. Validation, producer selection and session
// resolution happen before the sink is opened, so their errors can still be
// reported out of band. Once Done was produced the generated palette ids are
// appended to the session version.
//
// When the client goes away the producers are cancelled and the returned
// error wraps transport.ErrClientGone.
func (m *Mesh) Generate(ctx context.Context, req core.Request, open SinkFactory) (*Summary, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := m.limiter.Acquire(); err != nil {
		return nil, err
	}
	defer m.limiter.Release()

	sources, err := m.selectSources(req.Models)
	if err != nil {
		return nil, err
	}

	sess, version, err := m.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	log := logging.With(m.opts.Logger, "session", sess.ID, "version", version)

	bias, err := m.feedbackBias(ctx, sess.ID, version)
	if err != nil {
		return nil, err
	}
	bias = bias.Merge(req.Feedback)
	mreq, err := m.opts.Prompt.Build(req, bias)
	if err != nil {
		return nil, err
	}

	sink, err := open(len(sources) > 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	summary := &Summary{SessionID: sess.ID, Version: version, Errors: map[string]string{}}
	start := time.Now()
	defer func() { summary.Duration = time.Since(start) }()

	if err := sink.Send(runCtx, core.NewSessionEvent(sess.ID, version)); err != nil {
		summary.Cancelled = true
		return summary, err
	}

	events, err := m.scheduler.Run(runCtx, mreq, sources...)
	if err != nil {
		return summary, err
	}

	var done *core.Event
	recorder := transport.SinkFunc(func(ctx context.Context, ev core.Event) error {
		switch ev.Type {
		case core.EventItem:
			summary.Items++
		case core.EventFailed:
			summary.Errors[ev.ProducerID] = ev.ErrorMessage()
		case core.EventDone:
			d := ev
			done = &d
		}
		return sink.Send(ctx, ev)
	})

	log.Info("Generation started", "query", req.Query, "producers", len(sources))
	_, pumpErr := transport.Pump(runCtx, cancel, events, recorder)

	if done == nil {
		summary.Cancelled = true
		log.Info("Generation cancelled", "items", summary.Items)
		if pumpErr != nil {
			return summary, pumpErr
		}
		return summary, ctx.Err()
	}

	summary.Results = done.Results
	ids := generatedIDs(done.Results)
	// The client may already be gone; the results are still recorded.
	if err := m.opts.SessionStore.AppendGenerated(context.WithoutCancel(ctx), sess.ID, version, ids); err != nil {
		log.Error("Failed to record generated palettes", "error", err.Error())
		return summary, fmt.Errorf("failed to record generated palettes: %w", err)
	}

	log.Info("Generation finished", "items", summary.Items, "generated", len(ids), "failed", len(summary.Errors))
	return summary, pumpErr
}

// feedbackBias collects the feedback recorded for every version before
// version, oldest first.
func (m *Mesh) feedbackBias(ctx context.Context, sessionID string, version int) (core.FeedbackBias, error) {
	labels := make([]map[string]core.Label, 0, version)
	for v := 1; v < version; v++ {
		fb, err := m.opts.SessionStore.Feedback(ctx, sessionID, v)
		if err != nil {
			return core.FeedbackBias{}, fmt.Errorf("failed to read feedback of version %d: %w", v, err)
		}
		labels = append(labels, fb)
	}
	return core.BiasFromFeedback(labels...), nil
}

// generatedIDs flattens results into palette ids, ordered by producer key.
func generatedIDs(results map[string][]core.Palette) []string {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ids []string
	for _, k := range keys {
		for _, p := range results[k] {
			ids = append(ids, p.ID())
		}
	}
	return ids
}

// RecordFeedback labels a generated palette. A zero version targets the
// session's current version.
func (m *Mesh) RecordFeedback(ctx context.Context, sessionID string, version int, paletteID string, label core.Label) error {
	if _, err := core.ParseLabel(string(label)); err != nil {
		return err
	}
	if paletteID == "" {
		return fmt.Errorf("%w: palette id is required", core.ErrInvalidRequest)
	}
	if version == 0 {
		sess, err := m.opts.SessionStore.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		version = sess.Version
	}
	return m.opts.SessionStore.RecordFeedback(ctx, sessionID, version, paletteID, label)
}

// Session returns a stored session by id.
func (m *Mesh) Session(ctx context.Context, id string) (*core.Session, error) {
	return m.opts.SessionStore.Get(ctx, id)
}

// Close releases the session store when it holds resources.
func (m *Mesh) Close() error {
	if c, ok := m.opts.SessionStore.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
