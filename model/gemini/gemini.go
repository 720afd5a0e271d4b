// Package gemini implements model.Model on top of the Google Gemini API using
// structured (JSON schema constrained) output. The response is an array of
// palette arrays, streamed as text so palettes reach the client while the
// model is still generating.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/hupe1980/palettemesh/model"
	"google.golang.org/genai"
)

// Options configure the Gemini adapter.
type Options struct {
	// Model should not start with "models/"
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	APIKey          string
}

// Model wraps genai.Client behind model.Model.
type Model struct {
	client *genai.Client
	stream streamFunc
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:           "gemini-2.0-flash",
		Temperature:     0.9,
		MaxOutputTokens: 4096,
	}
}

// NewModel creates a Gemini model. The API key must be provided either via
// Options.APIKey or the GEMINI_API_KEY / GOOGLE_API_KEY environment variables
// read by the SDK.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a Gemini model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// paletteSchema constrains the response to an array of arrays of hex colors.
var paletteSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type:    genai.TypeString,
			Pattern: "^#[0-9a-fA-F]{6}$",
		},
	},
}

// streamFunc matches genai's Models.GenerateContentStream.
type streamFunc func(ctx context.Context, name string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Stream implements model.Model. The schema constrained JSON arrives in text
// fragments which are forwarded as they stream in; the producer's extractor
// picks each inner palette array out as soon as it closes.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		if err := m.pull(ctx, req, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (m *Model) pull(ctx context.Context, req model.Request, out chan<- model.Chunk) error {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(m.opts.Temperature),
		MaxOutputTokens:  m.opts.MaxOutputTokens,
		ResponseMIMEType: "application/json",
		ResponseSchema:   paletteSchema,
	}
	if req.Instructions != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.Instructions}}}
	}

	stream := m.stream
	if stream == nil {
		stream = m.client.Models.GenerateContentStream
	}

	candidates := 0
	for resp, err := range stream(ctx, m.opts.Model, genai.Text(req.Prompt), cfg) {
		if err != nil {
			return fmt.Errorf("gemini api error: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 {
			continue
		}
		candidates++
		text := candidateText(resp.Candidates[0])
		if text == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Chunk{Text: text}:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if candidates == 0 {
		return errors.New("gemini returned no candidates")
	}
	return nil
}

// candidateText concatenates the visible text parts of c.
func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "gemini"}
}
