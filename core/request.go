package core

import (
	"fmt"
	"strings"
)

const (
	// DefaultLimit is used when a request does not name a result count.
	DefaultLimit = 10
	// MaxLimit caps the result count a single request may ask for.
	MaxLimit = 50
)

// FeedbackBias groups palettes a user marked good or bad in earlier rounds.
type FeedbackBias struct {
	Good []Palette `json:"good,omitempty"`
	Bad  []Palette `json:"bad,omitempty"`
}

// Empty reports whether no feedback is present.
func (f FeedbackBias) Empty() bool { return len(f.Good) == 0 && len(f.Bad) == 0 }

// Merge returns the union of f and other, preserving order and dropping
// duplicates by palette id.
func (f FeedbackBias) Merge(other FeedbackBias) FeedbackBias {
	return FeedbackBias{
		Good: mergePalettes(f.Good, other.Good),
		Bad:  mergePalettes(f.Bad, other.Bad),
	}
}

func mergePalettes(a, b []Palette) []Palette {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []Palette
	for _, list := range [][]Palette{a, b} {
		for _, p := range list {
			id := p.ID()
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Request describes one generation run as received from a client.
type Request struct {
	Query     string       `json:"query"`
	Limit     int          `json:"limit,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Models    []string     `json:"models,omitempty"`
	Examples  []Palette    `json:"examples,omitempty"`
	Feedback  FeedbackBias `json:"feedback,omitempty"`
}

// Normalize trims the query and applies the limit defaults in place.
func (r *Request) Normalize() {
	r.Query = strings.TrimSpace(r.Query)
	switch {
	case r.Limit <= 0:
		r.Limit = DefaultLimit
	case r.Limit > MaxLimit:
		r.Limit = MaxLimit
	}
}

// Validate checks the request after normalization.
func (r *Request) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	for i, ex := range r.Examples {
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("%w: example %d: %v", ErrInvalidRequest, i, err)
		}
	}
	return nil
}
