package fanin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/internal/testutil"
	"github.com/hupe1980/palettemesh/model"
	"github.com/hupe1980/palettemesh/producer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan core.Event) []core.Event {
	t.Helper()
	var events []core.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("fan-in did not finish")
			return nil
		}
	}
}

func byProducer(events []core.Event, id string) []core.Event {
	var out []core.Event
	for _, ev := range events {
		if ev.ProducerID == id {
			out = append(out, ev)
		}
	}
	return out
}

func waitFinished(t *testing.T, srcs ...*testutil.ScriptedSource) {
	t.Helper()
	for _, s := range srcs {
		select {
		case <-s.Finished():
		case <-time.After(2 * time.Second):
			t.Fatalf("source %s did not stop", s.ID())
		}
	}
}

func TestScheduler_Completeness(t *testing.T) {
	a := testutil.NewScriptBuilder("a").Started().
		Items(5*time.Millisecond, testutil.Palette(1), testutil.Palette(2)).
		Completed().Build()
	b := testutil.NewScriptBuilder("b").Name("Model B").Started().
		Items(time.Millisecond, testutil.Palette(3), testutil.Palette(4), testutil.Palette(5)).
		Completed().Build()
	c := testutil.NewScriptBuilder("c").Delay(10 * time.Millisecond).Started().Completed().Build()

	out, err := New().Run(context.Background(), model.Request{}, a, b, c)
	require.NoError(t, err)

	events := collect(t, out)
	require.NotEmpty(t, events)

	// Each producer's events arrive complete and in their own order.
	for _, src := range []*testutil.ScriptedSource{a, b, c} {
		assert.Equal(t, src.Events(), byProducer(events, src.ID()), "producer %s", src.ID())
	}

	done := events[len(events)-1]
	require.Equal(t, core.EventDone, done.Type)
	assert.Len(t, events, 1+len(a.Events())+len(b.Events())+len(c.Events()))
	assert.Equal(t, []core.Palette{testutil.Palette(1), testutil.Palette(2)}, done.Results["a"])
	assert.Equal(t, []core.Palette{testutil.Palette(3), testutil.Palette(4), testutil.Palette(5)}, done.Results["b"])
	assert.Equal(t, []core.Palette{}, done.Results["c"])
}

func TestScheduler_FailureIsolation(t *testing.T) {
	boom := errors.New("quota exceeded")
	a := testutil.NewScriptBuilder("a").Started().
		Items(10*time.Millisecond, testutil.Palette(1), testutil.Palette(2)).
		Completed().Build()
	b := testutil.NewScriptBuilder("b").Started().Failed(boom).Build()
	c := testutil.NewScriptBuilder("c").Started().
		Items(15*time.Millisecond, testutil.Palette(3)).
		Completed().Build()

	out, err := New().Run(context.Background(), model.Request{}, a, b, c)
	require.NoError(t, err)
	events := collect(t, out)

	bEvents := byProducer(events, "b")
	require.Len(t, bEvents, 2)
	assert.Equal(t, core.EventFailed, bEvents[1].Type)
	assert.ErrorIs(t, bEvents[1].Err, boom)

	assert.Equal(t, a.Events(), byProducer(events, "a"))
	assert.Equal(t, c.Events(), byProducer(events, "c"))

	done := events[len(events)-1]
	require.Equal(t, core.EventDone, done.Type)
	assert.Len(t, done.Results, 2)
	assert.Contains(t, done.Results, "a")
	assert.Contains(t, done.Results, "c")
	assert.NotContains(t, done.Results, "b")
}

func TestScheduler_CancellationStopsProducersWithoutDone(t *testing.T) {
	a := testutil.NewScriptBuilder("a").Started().Item(testutil.Palette(1)).
		Delay(time.Hour).Item(testutil.Palette(2)).Completed().Build()
	b := testutil.NewScriptBuilder("b").Started().
		Delay(time.Hour).Completed().Build()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := New().Run(ctx, model.Request{}, a, b)
	require.NoError(t, err)

	seen := 0
	for seen < 3 {
		select {
		case ev := <-out:
			require.NotEqual(t, core.EventDone, ev.Type)
			seen++
		case <-time.After(2 * time.Second):
			t.Fatal("expected initial events")
		}
	}

	cancel()
	for _, ev := range collect(t, out) {
		assert.NotEqual(t, core.EventDone, ev.Type)
		assert.NotEqual(t, core.EventCompleted, ev.Type)
	}

	waitFinished(t, a, b)
	assert.True(t, a.Cancelled())
	assert.True(t, b.Cancelled())
}

func TestScheduler_ZeroSourcesEmitsDone(t *testing.T) {
	out, err := New().Run(context.Background(), model.Request{})
	require.NoError(t, err)

	events := collect(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventDone, events[0].Type)
	assert.Empty(t, events[0].Results)
	assert.NotNil(t, events[0].Results)
}

func TestScheduler_RejectsInvalidSources(t *testing.T) {
	a := testutil.NewScriptBuilder("a").Started().Completed().Build()
	dup := testutil.NewScriptBuilder("a").Started().Completed().Build()

	_, err := New().Run(context.Background(), model.Request{}, a, dup)
	assert.ErrorIs(t, err, ErrDuplicateProducer)

	_, err = New().Run(context.Background(), model.Request{}, testutil.NewScriptBuilder("").Build())
	assert.ErrorIs(t, err, ErrEmptyProducerID)
}

func TestScheduler_ContractViolations(t *testing.T) {
	tests := []struct {
		name   string
		source *testutil.ScriptedSource
	}{
		{
			name:   "item before started",
			source: testutil.NewScriptBuilder("x").Item(testutil.Palette(1)).Completed().Build(),
		},
		{
			name:   "stream closed without terminal",
			source: testutil.NewScriptBuilder("x").Started().Item(testutil.Palette(1)).Build(),
		},
		{
			name:   "started twice",
			source: testutil.NewScriptBuilder("x").Started().Started().Completed().Build(),
		},
		{
			name: "foreign producer id",
			source: testutil.NewScriptBuilder("x").Started().
				Event(core.NewItemEvent("y", testutil.Palette(2))).Completed().Build(),
		},
		{
			name:   "done emitted by producer",
			source: testutil.NewScriptBuilder("x").Started().Event(core.NewDoneEvent(nil)).Build(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := testutil.NewScriptBuilder("ok").Started().Item(testutil.Palette(9)).Completed().Build()

			out, err := New().Run(context.Background(), model.Request{}, tt.source, ok)
			require.NoError(t, err)
			events := collect(t, out)

			xEvents := byProducer(events, "x")
			require.NotEmpty(t, xEvents)
			last := xEvents[len(xEvents)-1]
			assert.Equal(t, core.EventFailed, last.Type)
			assert.ErrorIs(t, last.Err, core.ErrContractViolation)

			done := events[len(events)-1]
			require.Equal(t, core.EventDone, done.Type)
			assert.NotContains(t, done.Results, "x")
			assert.Equal(t, []core.Palette{testutil.Palette(9)}, done.Results["ok"])
		})
	}
}

func TestScheduler_DropsEventsAfterTerminal(t *testing.T) {
	src := testutil.NewScriptBuilder("x").Started().Completed().Item(testutil.Palette(1)).Build()

	out, err := New().Run(context.Background(), model.Request{}, src)
	require.NoError(t, err)
	events := collect(t, out)

	for _, ev := range events {
		assert.NotEqual(t, core.EventItem, ev.Type)
	}
	done := events[len(events)-1]
	require.Equal(t, core.EventDone, done.Type)
	assert.Equal(t, []core.Palette{}, done.Results["x"])
}

func TestScheduler_ProducerTimeout(t *testing.T) {
	slow := testutil.NewScriptBuilder("slow").Started().Delay(time.Hour).Completed().Build()
	fast := testutil.NewScriptBuilder("fast").Started().Item(testutil.Palette(1)).Completed().Build()

	s := New(func(o *Options) { o.ProducerTimeout = 30 * time.Millisecond })
	out, err := s.Run(context.Background(), model.Request{}, slow, fast)
	require.NoError(t, err)
	events := collect(t, out)

	slowEvents := byProducer(events, "slow")
	require.Len(t, slowEvents, 2)
	assert.Equal(t, core.EventFailed, slowEvents[1].Type)
	assert.ErrorIs(t, slowEvents[1].Err, ErrProducerTimeout)

	done := events[len(events)-1]
	require.Equal(t, core.EventDone, done.Type)
	assert.NotContains(t, done.Results, "slow")
	assert.Contains(t, done.Results, "fast")

	waitFinished(t, slow)
	assert.True(t, slow.Cancelled())
}

func TestScheduler_Stagger(t *testing.T) {
	a := testutil.NewScriptBuilder("a").Started().Completed().Build()
	b := testutil.NewScriptBuilder("b").Started().Completed().Build()

	start := time.Now()
	s := New(func(o *Options) { o.Stagger = 40 * time.Millisecond })
	out, err := s.Run(context.Background(), model.Request{}, a, b)
	require.NoError(t, err)
	events := collect(t, out)

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Len(t, events, 5)
	assert.Equal(t, "a", events[0].ProducerID)
	assert.Equal(t, core.EventDone, events[4].Type)
}

func TestScheduler_RunsProducers(t *testing.T) {
	text := `["#0a1628","#0d3b4a","#1a6b6b","#4a9b8a","#8bcbaa"] and ["#ffffff","#eeeeee","#dddddd","#cccccc","#bbbbbb"]`
	gpt := producer.New("gpt", model.NewMockTextModel("GPT", text, 7, 0))
	broken := producer.New("claude", model.NewErrorModel(model.Info{Name: "Claude"}, model.ErrMissingAPIKey))

	out, err := New(func(o *Options) { o.BufferSize = 0 }).Run(context.Background(), model.Request{}, gpt, broken)
	require.NoError(t, err)
	events := collect(t, out)

	assert.Equal(t, []core.EventType{core.EventStarted, core.EventItem, core.EventItem, core.EventCompleted},
		eventTypes(byProducer(events, "gpt")))
	assert.Equal(t, []core.EventType{core.EventStarted, core.EventFailed},
		eventTypes(byProducer(events, "claude")))

	done := events[len(events)-1]
	require.Equal(t, core.EventDone, done.Type)
	assert.Len(t, done.Results["gpt"], 2)
	assert.NotContains(t, done.Results, "claude")
}

func eventTypes(events []core.Event) []core.EventType {
	out := make([]core.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
