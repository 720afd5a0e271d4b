package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/palettemesh/core"
)

// InMemoryStore is a volatile SessionStore implementation storing
// sessions in a process local map. It is safe for concurrent access and best
// suited for tests or ephemeral demo servers. Each returned session is cloned
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	byQuery  map[string]string
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*core.Session),
		byQuery:  make(map[string]string),
	}
}

// Load returns the most recent session created for query.
func (s *InMemoryStore) Load(_ context.Context, query string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byQuery[core.NormalizeQuery(query)]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return s.sessions[id].Clone(), nil
}

// Get returns a clone of the session with the given id.
func (s *InMemoryStore) Get(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Create starts a new version 1 session and makes it the one Load returns
// for query.
func (s *InMemoryStore) Create(_ context.Context, query string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := core.NewSession(core.NewID(), query)
	s.sessions[sess.ID] = sess
	s.byQuery[core.NormalizeQuery(query)] = sess.ID
	return sess.Clone(), nil
}

// AdvanceVersion increments the version counter.
func (s *InMemoryStore) AdvanceVersion(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, core.ErrSessionNotFound
	}
	sess.Version++
	sess.Record(sess.Version)
	sess.Updated = time.Now().UTC()
	return sess.Version, nil
}

// AppendGenerated merges ids into the version's generated list.
func (s *InMemoryStore) AppendGenerated(_ context.Context, sessionID string, version int, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(sessionID, version)
	if err != nil {
		return err
	}
	if sess.Record(version).Append(ids...) > 0 {
		sess.Updated = time.Now().UTC()
	}
	return nil
}

// Feedback returns a copy of the labels recorded for version.
func (s *InMemoryStore) Feedback(_ context.Context, sessionID string, version int) (map[string]core.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := s.lookupLocked(sessionID, version)
	if err != nil {
		return nil, err
	}
	out := map[string]core.Label{}
	if rec, ok := sess.Versions[version]; ok {
		for id, l := range rec.Feedback {
			out[id] = l
		}
	}
	return out, nil
}

// RecordFeedback labels id within version.
func (s *InMemoryStore) RecordFeedback(_ context.Context, sessionID string, version int, id string, label core.Label) error {
	if _, err := core.ParseLabel(string(label)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookupLocked(sessionID, version)
	if err != nil {
		return err
	}
	sess.Record(version).Feedback[id] = label
	sess.Updated = time.Now().UTC()
	return nil
}

// lookupLocked resolves a session and checks version; caller must already
// hold the lock.
func (s *InMemoryStore) lookupLocked(sessionID string, version int) (*core.Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	if err := checkVersion(sess.Version, version); err != nil {
		return nil, err
	}
	return sess, nil
}

func checkVersion(current, version int) error {
	if version < 1 || version > current {
		return fmt.Errorf("%w: %d (current %d)", core.ErrInvalidVersion, version, current)
	}
	return nil
}
