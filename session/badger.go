package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/logging"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for testing with a real badger engine.
	InMemory bool

	// Logger receives badger warnings and errors. Defaults to NoOpLogger.
	Logger logging.Logger

	// MaxRetries bounds transaction retries on write conflicts.
	MaxRetries int
}

// BadgerStore is an embedded SessionStore backed by BadgerDB v4. Each session
// is one JSON document under "session/{id}"; "query/{normalized}" indexes the
// latest session per theme. Read-modify-write operations run in serializable
// transactions and are retried on conflict.
type BadgerStore struct {
	db   *badger.DB
	opts BadgerOptions
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store.
func NewBadgerStore(optFns ...func(o *BadgerOptions)) (*BadgerStore, error) {
	opts := BadgerOptions{MaxRetries: 8}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("session: BadgerOptions.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{l: opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func sessionDocKey(id string) []byte { return []byte("session/" + id) }

func queryIndexKey(query string) []byte { return []byte("query/" + core.NormalizeQuery(query)) }

// Load resolves the latest session for query.
func (s *BadgerStore) Load(_ context.Context, query string) (*core.Session, error) {
	var sess *core.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(queryIndexKey(query))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		sess, err = readSession(txn, string(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get reads one session document.
func (s *BadgerStore) Get(_ context.Context, id string) (*core.Session, error) {
	var sess *core.Session
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		sess, err = readSession(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Create writes a new version 1 session and points the query index at it.
func (s *BadgerStore) Create(_ context.Context, query string) (*core.Session, error) {
	sess := core.NewSession(core.NewID(), query)
	err := s.update(func(txn *badger.Txn) error {
		if err := writeSession(txn, sess); err != nil {
			return err
		}
		return txn.Set(queryIndexKey(query), []byte(sess.ID))
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// AdvanceVersion increments the version counter.
func (s *BadgerStore) AdvanceVersion(_ context.Context, sessionID string) (int, error) {
	var version int
	err := s.mutate(sessionID, 0, func(sess *core.Session) {
		sess.Version++
		sess.Record(sess.Version)
		version = sess.Version
	})
	return version, err
}

// AppendGenerated merges ids into the version's generated list.
func (s *BadgerStore) AppendGenerated(_ context.Context, sessionID string, version int, ids []string) error {
	return s.mutate(sessionID, version, func(sess *core.Session) {
		sess.Record(version).Append(ids...)
	})
}

// Feedback returns the labels recorded for version.
func (s *BadgerStore) Feedback(ctx context.Context, sessionID string, version int) (map[string]core.Label, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(sess.Version, version); err != nil {
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

// RecordFeedback stores label for id within version.
func (s *BadgerStore) RecordFeedback(_ context.Context, sessionID string, version int, id string, label core.Label) error {
	if _, err := core.ParseLabel(string(label)); err != nil {
		return err
	}
	return s.mutate(sessionID, version, func(sess *core.Session) {
		sess.Record(version).Feedback[id] = label
	})
}

// mutate applies fn to the stored session inside a transaction. A non-zero
// version is checked against the session's current version first.
func (s *BadgerStore) mutate(sessionID string, version int, fn func(sess *core.Session)) error {
	err := s.update(func(txn *badger.Txn) error {
		sess, err := readSession(txn, sessionID)
		if err != nil {
			return err
		}
		if version != 0 {
			if err := checkVersion(sess.Version, version); err != nil {
				return err
			}
		}
		fn(sess)
		sess.Updated = time.Now().UTC()
		return writeSession(txn, sess)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.ErrSessionNotFound
	}
	return err
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.opts.Logger.Debug("Retrying badger transaction", "attempt", attempt+1)
	}
	return fmt.Errorf("badger transaction kept conflicting: %w", err)
}

func readSession(txn *badger.Txn, id string) (*core.Session, error) {
	item, err := txn.Get(sessionDocKey(id))
	if err != nil {
		return nil, err
	}
	var sess core.Session
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sess)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	if sess.Versions == nil {
		sess.Versions = map[int]*core.VersionRecord{}
	}
	return &sess, nil
}

func writeSession(txn *badger.Txn, sess *core.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	return txn.Set(sessionDocKey(sess.ID), data)
}

// badgerLogger routes badger's warnings and errors into a logging.Logger,
// suppressing debug and info level messages.
type badgerLogger struct{ l logging.Logger }

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error("badger: " + fmt.Sprintf(f, v...))
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn("badger: " + fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
