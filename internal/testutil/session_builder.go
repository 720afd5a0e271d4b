package testutil

import (
	"github.com/hupe1980/palettemesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1", "ocean").Version(2).Generated(1, id).Feedback(1, id, core.LabelGood).Build()
type SessionBuilder struct {
	sess *core.Session
}

// NewSessionBuilder creates a new builder for a version 1 session.
// Use chainable methods (Version, Generated, Feedback) then call Build.
func NewSessionBuilder(id, query string) *SessionBuilder {
	return &SessionBuilder{sess: core.NewSession(id, query)}
}

// Version sets the current version counter (chainable).
func (b *SessionBuilder) Version(v int) *SessionBuilder {
	b.sess.Version = v
	b.sess.Record(v)
	return b
}

// Generated appends generated ids to a version (chainable).
func (b *SessionBuilder) Generated(version int, ids ...string) *SessionBuilder {
	b.sess.Record(version).Append(ids...)
	return b
}

// Feedback labels an id within a version (chainable).
func (b *SessionBuilder) Feedback(version int, id string, label core.Label) *SessionBuilder {
	b.sess.Record(version).Feedback[id] = label
	return b
}

// Build returns a deep copy of the constructed session.
func (b *SessionBuilder) Build() *core.Session {
	return b.sess.Clone()
}
