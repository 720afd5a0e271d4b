package gemini

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/model"
	"github.com/hupe1980/palettemesh/producer"
)

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
	}}}
}

// fakeStream yields fragments, waiting for release before the last one.
func fakeStream(release <-chan struct{}, fragments ...string) streamFunc {
	return func(ctx context.Context, _ string, _ []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for i, f := range fragments {
				if i == len(fragments)-1 && release != nil {
					select {
					case <-release:
					case <-ctx.Done():
						yield(nil, ctx.Err())
						return
					}
				}
				if !yield(textResponse(f), nil) {
					return
				}
			}
		}
	}
}

func newTestModel(fn streamFunc) *Model {
	m := NewModelFromClient(nil)
	m.stream = fn
	return m
}

func TestStream_ForwardsFragments(t *testing.T) {
	m := newTestModel(fakeStream(nil, `[["#000000","#111111",`, `"#222222","#333333","#444444"]]`))

	chunks, errs := m.Stream(context.Background(), model.Request{Prompt: "x"})
	var texts []string
	for c := range chunks {
		texts = append(texts, c.Text)
	}
	assert.NoError(t, <-errs)
	assert.Equal(t, []string{`[["#000000","#111111",`, `"#222222","#333333","#444444"]]`}, texts)
}

func TestStream_ItemsArriveBeforeResponseEnds(t *testing.T) {
	release := make(chan struct{})
	m := newTestModel(fakeStream(release,
		`[["#000000","#111111","#222222","#333333","#444444"],`,
		`["#ffffff","#eeeeee","#dddddd","#cccccc","#bbbbbb"]]`,
	))

	ch := producer.New("gemini", m).Run(context.Background(), model.Request{Prompt: "x"})
	require.Equal(t, core.EventStarted, (<-ch).Type)

	select {
	case ev := <-ch:
		require.Equal(t, core.EventItem, ev.Type)
		assert.Equal(t, core.Palette{"#000000", "#111111", "#222222", "#333333", "#444444"}, ev.Palette)
	case <-time.After(2 * time.Second):
		t.Fatal("first palette was held back until the response ended")
	}

	close(release)
	var types []core.EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []core.EventType{core.EventItem, core.EventCompleted}, types)
}

func TestStream_APIError(t *testing.T) {
	boom := errors.New("quota exceeded")
	m := newTestModel(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			yield(nil, boom)
		}
	})

	chunks, errs := m.Stream(context.Background(), model.Request{})
	for range chunks {
	}
	assert.ErrorIs(t, <-errs, boom)
}

func TestStream_NoCandidates(t *testing.T) {
	m := newTestModel(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			yield(&genai.GenerateContentResponse{}, nil)
		}
	})

	chunks, errs := m.Stream(context.Background(), model.Request{})
	for range chunks {
	}
	assert.Error(t, <-errs)
}

func TestCandidateText_SkipsThoughts(t *testing.T) {
	c := &genai.Candidate{Content: &genai.Content{Parts: []*genai.Part{
		{Text: "thinking", Thought: true},
		{Text: `["#000000"`},
		{Text: `]`},
	}}}
	assert.Equal(t, `["#000000"]`, candidateText(c))
	assert.Empty(t, candidateText(nil))
}

func TestInfo(t *testing.T) {
	m := NewModelFromClient(nil, func(o *Options) { o.Model = "gemini-test" })
	assert.Equal(t, "gemini-test", m.Info().Name)
	assert.Equal(t, "gemini", m.Info().Provider)
}
