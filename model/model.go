package model

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/palettemesh/core"
)

// ErrMissingAPIKey is returned by providers constructed without credentials.
var ErrMissingAPIKey = errors.New("missing api key")

// Request captures the normalized model input produced by package prompt.
type Request struct {
	Instructions string `json:"instructions"` // System level instructions
	Prompt       string `json:"prompt"`       // User turn describing the theme and bias
	Limit        int    `json:"limit"`        // Number of palettes the backend should aim for
}

// Chunk is one increment of backend output. Text-mode backends fill Text
// with an appendable fragment; structured backends fill Palettes with records
// that need no scanning. A chunk may carry both.
type Chunk struct {
	Text     string         `json:"text,omitempty"`
	Palettes []core.Palette `json:"palettes,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "gemini", "mock"
}

// Model is the minimal interface producers require to drive generation.
//
// Stream starts generation and returns a chunk channel plus an error channel.
// Implementations close both channels when the backend is done; at most one
// error is sent, before the channels close. Cancelling ctx must stop the
// backend call and release its connection.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Step is one scripted action of a MockModel.
type Step struct {
	Delay    time.Duration
	Text     string
	Palettes []core.Palette
	Err      error
}

// MockModel is a lightweight in‑memory Model useful for tests & demos. It
// replays a fixed script of steps, sleeping Delay before each one.
type MockModel struct {
	info  Info
	steps []Step
}

// NewMockModel constructs a MockModel replaying steps.
func NewMockModel(name string, steps ...Step) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: "mock"}, steps: steps}
}

// NewMockTextModel splits text into fragments of size bytes, each delivered
// after delay. Handy to emulate token streaming.
func NewMockTextModel(name, text string, size int, delay time.Duration) *MockModel {
	if size <= 0 {
		size = 1
	}
	var steps []Step
	for len(text) > 0 {
		n := size
		if n > len(text) {
			n = len(text)
		}
		steps = append(steps, Step{Delay: delay, Text: text[:n]})
		text = text[n:]
	}
	return NewMockModel(name, steps...)
}

// Stream implements Model.
func (m *MockModel) Stream(ctx context.Context, _ Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		for _, st := range m.steps {
			if st.Delay > 0 {
				timer := time.NewTimer(st.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					errCh <- ctx.Err()
					return
				case <-timer.C:
				}
			}
			if st.Err != nil {
				errCh <- st.Err
				return
			}
			if st.Text == "" && len(st.Palettes) == 0 {
				continue
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- Chunk{Text: st.Text, Palettes: st.Palettes}:
			}
		}
	}()

	return out, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// ErrorModel is a Model whose every stream fails with a fixed error. It stands
// in for backends that could not be configured so the failure is reported per
// request instead of preventing startup.
type ErrorModel struct {
	info Info
	err  error
}

// NewErrorModel returns a Model that always fails with err.
func NewErrorModel(info Info, err error) *ErrorModel {
	return &ErrorModel{info: info, err: err}
}

// Stream implements Model.
func (m *ErrorModel) Stream(_ context.Context, _ Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk)
	errCh := make(chan error, 1)
	errCh <- m.err
	close(out)
	close(errCh)
	return out, errCh
}

// Info implements Model.
func (m *ErrorModel) Info() Info { return m.info }
