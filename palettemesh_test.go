package palettemesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/fanin"
	"github.com/hupe1980/palettemesh/internal/testutil"
	"github.com/hupe1980/palettemesh/model"
	"github.com/hupe1980/palettemesh/producer"
	"github.com/hupe1980/palettemesh/transport"
)

var (
	ocean  = core.Palette{"#0a1628", "#0d3b4a", "#1a6b6b", "#4a9b8a", "#8bcbaa"}
	forest = core.Palette{"#1b2e1b", "#2f4f2f", "#4a7a4a", "#6b9b6b", "#a3c9a3"}
)

const oceanJSON = `["#0a1628","#0d3b4a","#1a6b6b","#4a9b8a","#8bcbaa"]`
const forestJSON = `["#1b2e1b","#2f4f2f","#4a7a4a","#6b9b6b","#a3c9a3"]`

// captureModel records the last request it received.
type captureModel struct {
	*model.MockModel
	mu   sync.Mutex
	last model.Request
}

func (c *captureModel) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	return c.MockModel.Stream(ctx, req)
}

func (c *captureModel) lastRequest() model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type recordingSink struct {
	mu     sync.Mutex
	multi  bool
	opened bool
	events []core.Event
	failOn core.EventType
}

func (r *recordingSink) factory() SinkFactory {
	return func(multi bool) (transport.Sink, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.opened = true
		r.multi = multi
		return r, nil
	}
}

func (r *recordingSink) Send(_ context.Context, ev core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && ev.Type == r.failOn {
		return transport.ErrClientGone
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newMesh(t *testing.T, optFns ...func(o *Options)) *Mesh {
	t.Helper()
	m := New(optFns...)
	require.NoError(t, m.RegisterProducer(producer.New("gpt", model.NewMockTextModel("GPT", "Here: "+oceanJSON, 5, 0))))
	require.NoError(t, m.RegisterProducer(producer.New("claude", model.NewMockTextModel("Claude", forestJSON+" done", 3, 0))))
	return m
}

func TestMesh_GenerateNewSession(t *testing.T) {
	m := newMesh(t)
	sink := &recordingSink{}

	summary, err := m.Generate(context.Background(), core.Request{Query: "Nature"}, sink.factory())
	require.NoError(t, err)

	assert.True(t, sink.multi)
	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, core.EventSession, types[0])
	assert.Equal(t, core.EventDone, types[len(types)-1])

	assert.Equal(t, 1, summary.Version)
	assert.Equal(t, 2, summary.Items)
	assert.False(t, summary.Cancelled)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, []core.Palette{ocean}, summary.Results["gpt"])
	assert.Equal(t, []core.Palette{forest}, summary.Results["claude"])

	sess, err := m.Session(context.Background(), summary.SessionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ocean.ID(), forest.ID()}, sess.Versions[1].Generated)
}

func TestMesh_RefinementAdvancesVersionAndCarriesFeedback(t *testing.T) {
	capture := &captureModel{MockModel: model.NewMockTextModel("GPT", oceanJSON, 8, 0)}
	m := New()
	require.NoError(t, m.RegisterProducer(producer.New("gpt", capture)))
	ctx := context.Background()

	first, err := m.Generate(ctx, core.Request{Query: "ocean"}, (&recordingSink{}).factory())
	require.NoError(t, err)
	require.NoError(t, m.RecordFeedback(ctx, first.SessionID, 0, ocean.ID(), core.LabelGood))

	sink := &recordingSink{}
	second, err := m.Generate(ctx, core.Request{Query: " OCEAN ", Feedback: core.FeedbackBias{Bad: []core.Palette{forest}}}, sink.factory())
	require.NoError(t, err)

	assert.False(t, sink.multi)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 2, sink.events[0].Version)

	prompt := capture.lastRequest().Prompt
	assert.Contains(t, prompt, oceanJSON)
	assert.Contains(t, prompt, forestJSON)

	third, err := m.Generate(ctx, core.Request{Query: "anything", SessionID: first.SessionID}, (&recordingSink{}).factory())
	require.NoError(t, err)
	assert.Equal(t, 3, third.Version)
	assert.Equal(t, first.SessionID, third.SessionID)
}

func TestMesh_GenerateRejectsBeforeOpeningSink(t *testing.T) {
	m := newMesh(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  core.Request
		want error
	}{
		{"empty query", core.Request{Query: "  "}, core.ErrInvalidRequest},
		{"unknown model", core.Request{Query: "x", Models: []string{"gpt", "llama"}}, ErrUnknownProducer},
		{"unknown session", core.Request{Query: "x", SessionID: "missing"}, core.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			_, err := m.Generate(ctx, tt.req, sink.factory())
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, sink.opened)
		})
	}
}

func TestMesh_ModelSelection(t *testing.T) {
	m := newMesh(t)
	sink := &recordingSink{}

	summary, err := m.Generate(context.Background(), core.Request{Query: "x", Models: []string{"claude"}}, sink.factory())
	require.NoError(t, err)
	assert.False(t, sink.multi)
	assert.Contains(t, summary.Results, "claude")
	assert.NotContains(t, summary.Results, "gpt")
	assert.Equal(t, []string{"gpt", "claude"}, m.Producers())
}

func TestMesh_FailedProducerIsIsolated(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterProducer(producer.New("gpt", model.NewMockTextModel("GPT", oceanJSON, 4, time.Millisecond))))
	require.NoError(t, m.RegisterProducer(producer.New("claude", model.NewErrorModel(model.Info{Name: "Claude"}, model.ErrMissingAPIKey))))

	summary, err := m.Generate(context.Background(), core.Request{Query: "x"}, (&recordingSink{}).factory())
	require.NoError(t, err)
	assert.Equal(t, model.ErrMissingAPIKey.Error(), summary.Errors["claude"])
	assert.Len(t, summary.Results, 1)
	assert.Len(t, summary.Results["gpt"], 1)
}

func TestMesh_ClientGoneCancelsProducers(t *testing.T) {
	slow := model.NewMockModel("slow",
		model.Step{Text: oceanJSON},
		model.Step{Delay: time.Hour, Text: forestJSON},
	)
	m := New()
	require.NoError(t, m.RegisterProducer(producer.New("slow", slow)))

	sink := &recordingSink{failOn: core.EventItem}
	done := make(chan struct{})
	var (
		summary *Summary
		err     error
	)
	go func() {
		defer close(done)
		summary, err = m.Generate(context.Background(), core.Request{Query: "x"}, sink.factory())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("generation did not stop after the client went away")
	}
	assert.ErrorIs(t, err, transport.ErrClientGone)
	require.NotNil(t, summary)
	assert.True(t, summary.Cancelled)

	sess, serr := m.Session(context.Background(), summary.SessionID)
	require.NoError(t, serr)
	assert.Empty(t, sess.Versions[1].Generated)
}

func TestMesh_ContextCancellation(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterProducer(producer.New("slow", model.NewMockModel("slow", model.Step{Delay: time.Hour, Text: oceanJSON}))))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	sink := &recordingSink{}
	summary, err := m.Generate(ctx, core.Request{Query: "x"}, sink.factory())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, summary.Cancelled)
	assert.NotContains(t, sink.types(), core.EventDone)
}

func TestMesh_ConcurrencyLimit(t *testing.T) {
	m := New(func(o *Options) { o.MaxConcurrentGenerations = 1 })
	require.NoError(t, m.RegisterProducer(producer.New("slow", model.NewMockModel("slow", model.Step{Delay: time.Hour, Text: oceanJSON}))))

	ctx, cancel := context.WithCancel(context.Background())
	opened := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = m.Generate(ctx, core.Request{Query: "x"}, func(bool) (transport.Sink, error) {
			close(opened)
			return &recordingSink{}, nil
		})
	}()
	<-opened

	_, err := m.Generate(context.Background(), core.Request{Query: "y"}, (&recordingSink{}).factory())
	assert.ErrorIs(t, err, core.ErrTooManyGenerations)

	cancel()
	<-finished
}

func TestMesh_RecordFeedback(t *testing.T) {
	m := newMesh(t)
	ctx := context.Background()

	summary, err := m.Generate(ctx, core.Request{Query: "x"}, (&recordingSink{}).factory())
	require.NoError(t, err)

	require.NoError(t, m.RecordFeedback(ctx, summary.SessionID, 1, ocean.ID(), core.LabelBad))
	assert.ErrorIs(t, m.RecordFeedback(ctx, summary.SessionID, 1, ocean.ID(), "meh"), core.ErrInvalidLabel)
	assert.ErrorIs(t, m.RecordFeedback(ctx, summary.SessionID, 1, "", core.LabelBad), core.ErrInvalidRequest)
	assert.ErrorIs(t, m.RecordFeedback(ctx, "missing", 0, ocean.ID(), core.LabelBad), core.ErrSessionNotFound)
	assert.ErrorIs(t, m.RecordFeedback(ctx, summary.SessionID, 7, ocean.ID(), core.LabelBad), core.ErrInvalidVersion)

	fb, err := m.SessionStore().Feedback(ctx, summary.SessionID, 1)
	require.NoError(t, err)
	assert.Equal(t, core.LabelBad, fb[ocean.ID()])
}

func TestMesh_RegisterProducerRejectsDuplicates(t *testing.T) {
	m := newMesh(t)
	err := m.RegisterProducer(producer.New("gpt", model.NewMockModel("x")))
	assert.True(t, errors.Is(err, fanin.ErrDuplicateProducer))
}

// seededStore serves one prebuilt session and records appended ids.
type seededStore struct {
	core.SessionStore
	sess     *core.Session
	appended map[int][]string
	read     []int
}

func (s *seededStore) Feedback(_ context.Context, _ string, version int) (map[string]core.Label, error) {
	s.read = append(s.read, version)
	out := map[string]core.Label{}
	if rec, ok := s.sess.Versions[version]; ok {
		for id, l := range rec.Feedback {
			out[id] = l
		}
	}
	return out, nil
}

func (s *seededStore) Load(context.Context, string) (*core.Session, error) { return s.sess.Clone(), nil }

func (s *seededStore) Get(_ context.Context, id string) (*core.Session, error) {
	if id != s.sess.ID {
		return nil, core.ErrSessionNotFound
	}
	return s.sess.Clone(), nil
}

func (s *seededStore) AdvanceVersion(context.Context, string) (int, error) {
	s.sess.Version++
	return s.sess.Version, nil
}

func (s *seededStore) AppendGenerated(_ context.Context, _ string, version int, ids []string) error {
	s.appended[version] = append(s.appended[version], ids...)
	return nil
}

func TestMesh_FeedbackFromEarlierVersionsBiasesPrompt(t *testing.T) {
	sunset := core.Palette{"#ff5e3a", "#ff8a4c", "#ffb35c", "#ffd27a", "#fff0a8"}
	sess := testutil.NewSessionBuilder("sess-1", "ocean").
		Version(3).
		Generated(1, ocean.ID(), forest.ID()).
		Feedback(1, ocean.ID(), core.LabelGood).
		Feedback(2, forest.ID(), core.LabelBad).
		Feedback(2, "not-a-palette", core.LabelGood).
		Feedback(3, sunset.ID(), core.LabelGood).
		Build()
	store := &seededStore{sess: sess, appended: map[int][]string{}}

	capture := &captureModel{MockModel: model.NewMockTextModel("GPT", oceanJSON, 16, 0)}
	m := New(func(o *Options) { o.SessionStore = store })
	require.NoError(t, m.RegisterProducer(producer.New("gpt", capture)))

	summary, err := m.Generate(context.Background(), core.Request{Query: "ocean"}, (&recordingSink{}).factory())
	require.NoError(t, err)
	assert.Equal(t, "sess-1", summary.SessionID)
	assert.Equal(t, 4, summary.Version)
	assert.Equal(t, []string{ocean.ID()}, store.appended[4])
	assert.Equal(t, []int{1, 2, 3}, store.read)

	prompt := capture.lastRequest().Prompt
	assert.Contains(t, prompt, oceanJSON)
	assert.Contains(t, prompt, forestJSON)
	assert.Contains(t, prompt, `"#ff5e3a"`)
}

func TestMesh_ConcurrentFirstRequestsShareSession(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterProducer(producer.New("gpt", model.NewMockTextModel("GPT", oceanJSON, 8, time.Millisecond))))

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]struct{}{}
		versions []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := m.Generate(context.Background(), core.Request{Query: "Lagoon"}, (&recordingSink{}).factory())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[summary.SessionID] = struct{}{}
			versions = append(versions, summary.Version)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, versions)
}
