package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Label is the feedback a user attached to a generated palette.
type Label string

const (
	// LabelGood marks a palette the user liked.
	LabelGood Label = "good"
	// LabelBad marks a palette the user rejected.
	LabelBad Label = "bad"
)

// ParseLabel validates a wire label.
func ParseLabel(s string) (Label, error) {
	switch Label(s) {
	case LabelGood, LabelBad:
		return Label(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
}

// VersionRecord holds what one generation round produced and how the user
// rated it. Generated is append-only.
type VersionRecord struct {
	Generated []string         `json:"generated"`
	Feedback  map[string]Label `json:"feedback"`
}

// NewVersionRecord returns an empty record.
func NewVersionRecord() *VersionRecord {
	return &VersionRecord{Generated: []string{}, Feedback: map[string]Label{}}
}

// Append merges ids into Generated, skipping ones already present. It returns
// the number of ids actually added.
func (v *VersionRecord) Append(ids ...string) int {
	seen := make(map[string]struct{}, len(v.Generated))
	for _, id := range v.Generated {
		seen[id] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		v.Generated = append(v.Generated, id)
		added++
	}
	return added
}

func (v *VersionRecord) clone() *VersionRecord {
	c := &VersionRecord{Generated: make([]string, len(v.Generated)), Feedback: make(map[string]Label, len(v.Feedback))}
	copy(c.Generated, v.Generated)
	for k, l := range v.Feedback {
		c.Feedback[k] = l
	}
	return c
}

// Session identifies a recurring theme-refinement conversation.
//
// Contract:
//   - Version starts at 1 and only increases
//   - Versions[n].Generated is only ever appended to
//   - Feedback keys should reference generated ids; orphans are tolerated
type Session struct {
	ID       string                 `json:"id"`
	Query    string                 `json:"query"`
	Version  int                    `json:"version"`
	Versions map[int]*VersionRecord `json:"versions"`
	Created  time.Time              `json:"created"`
	Updated  time.Time              `json:"updated"`
}

// NewSession creates a version 1 session for query.
func NewSession(id, query string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:       id,
		Query:    query,
		Version:  1,
		Versions: map[int]*VersionRecord{1: NewVersionRecord()},
		Created:  now,
		Updated:  now,
	}
}

// Record returns the record for version, creating it when missing.
func (s *Session) Record(version int) *VersionRecord {
	if s.Versions == nil {
		s.Versions = map[int]*VersionRecord{}
	}
	rec, ok := s.Versions[version]
	if !ok {
		rec = NewVersionRecord()
		s.Versions[version] = rec
	}
	return rec
}

// BiasFromFeedback decodes per-version feedback labels, oldest version
// first, into palettes. Orphaned or undecodable ids are skipped.
func BiasFromFeedback(byVersion ...map[string]Label) FeedbackBias {
	var bias FeedbackBias
	for _, labels := range byVersion {
		ids := make([]string, 0, len(labels))
		for id := range labels {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p, err := ParsePaletteID(id)
			if err != nil {
				continue
			}
			switch labels[id] {
			case LabelGood:
				bias.Good = append(bias.Good, p)
			case LabelBad:
				bias.Bad = append(bias.Bad, p)
			}
		}
	}
	return bias.Merge(FeedbackBias{})
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	c := &Session{ID: s.ID, Query: s.Query, Version: s.Version, Created: s.Created, Updated: s.Updated, Versions: make(map[int]*VersionRecord, len(s.Versions))}
	for v, rec := range s.Versions {
		c.Versions[v] = rec.clone()
	}
	return c
}

// SessionStore persists sessions, their version counter and per-version
// generated ids and feedback. Implementations live in package session.
type SessionStore interface {
	// Load finds the session for a theme query. Returns ErrSessionNotFound
	// when none exists.
	Load(ctx context.Context, query string) (*Session, error)
	// Get finds a session by id. Returns ErrSessionNotFound when none exists.
	Get(ctx context.Context, id string) (*Session, error)
	// Create starts a new session at version 1.
	Create(ctx context.Context, query string) (*Session, error)
	// AdvanceVersion increments the version counter and returns the new value.
	AdvanceVersion(ctx context.Context, sessionID string) (int, error)
	// AppendGenerated merges ids into the version's generated set (idempotent,
	// deduplicated).
	AppendGenerated(ctx context.Context, sessionID string, version int, ids []string) error
	// Feedback returns the labels recorded for a version.
	Feedback(ctx context.Context, sessionID string, version int) (map[string]Label, error)
	// RecordFeedback stores a label for a generated id.
	RecordFeedback(ctx context.Context, sessionID string, version int, id string, label Label) error
}

// NormalizeQuery returns the lookup key used to match sessions by theme.
func NormalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
