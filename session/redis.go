package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/palettemesh/core"
)

// RedisOptions configure a RedisStore.
type RedisOptions struct {
	// Namespace prefixes every key. Defaults to "palettemesh".
	Namespace string

	// TTL expires idle sessions. Every write refreshes it. Zero keeps
	// sessions forever.
	TTL time.Duration
}

// RedisStore is a SessionStore backed by Redis. A session is stored as:
//
//	{ns}:session:{id}                   hash (id, query, version, created, updated)
//	{ns}:session:{id}:v:{n}:generated   list of generated ids, in order
//	{ns}:session:{id}:v:{n}:seen        set guarding the list against duplicates
//	{ns}:session:{id}:v:{n}:feedback    hash of palette id -> label
//	{ns}:query:{normalized query}       id of the latest session for the query
//
// With a TTL the keys of a session expire together: every write refreshes the
// TTL of the session hash, the query index and the keys of every version.
//
// The store is safe for concurrent use from multiple processes.
type RedisStore struct {
	rdb  redis.UniversalClient
	opts RedisOptions
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, optFns ...func(o *RedisOptions)) *RedisStore {
	opts := RedisOptions{Namespace: "palettemesh"}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Namespace == "" {
		opts.Namespace = "palettemesh"
	}
	return &RedisStore{rdb: rdb, opts: opts}
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.opts.Namespace, id)
}

func (s *RedisStore) versionKey(id string, version int, suffix string) string {
	return fmt.Sprintf("%s:session:%s:v:%d:%s", s.opts.Namespace, id, version, suffix)
}

func (s *RedisStore) queryKey(query string) string {
	return fmt.Sprintf("%s:query:%s", s.opts.Namespace, core.NormalizeQuery(query))
}

// Load resolves the latest session for query.
func (s *RedisStore) Load(ctx context.Context, query string) (*core.Session, error) {
	id, err := s.rdb.Get(ctx, s.queryKey(query)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read query index from Redis: %w", err)
	}
	return s.Get(ctx, id)
}

// Get reads the session header and every version record.
func (s *RedisStore) Get(ctx context.Context, id string) (*core.Session, error) {
	hash, err := s.rdb.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session from Redis: %w", err)
	}
	// HGetAll returns an empty map for non-existent keys.
	if len(hash) == 0 {
		return nil, core.ErrSessionNotFound
	}

	sess, err := hashToSession(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize session %s: %w", id, err)
	}

	pipe := s.rdb.Pipeline()
	generated := make(map[int]*redis.StringSliceCmd, sess.Version)
	feedback := make(map[int]*redis.MapStringStringCmd, sess.Version)
	for v := 1; v <= sess.Version; v++ {
		generated[v] = pipe.LRange(ctx, s.versionKey(id, v, "generated"), 0, -1)
		feedback[v] = pipe.HGetAll(ctx, s.versionKey(id, v, "feedback"))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read session versions from Redis: %w", err)
	}

	for v := 1; v <= sess.Version; v++ {
		rec := sess.Record(v)
		rec.Generated = append(rec.Generated, generated[v].Val()...)
		for pid, label := range feedback[v].Val() {
			rec.Feedback[pid] = core.Label(label)
		}
	}
	return sess, nil
}

// Create writes a new version 1 session and points the query index at it.
func (s *RedisStore) Create(ctx context.Context, query string) (*core.Session, error) {
	sess := core.NewSession(core.NewID(), query)
	key := s.sessionKey(sess.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionToHash(sess))
		pipe.Set(ctx, s.queryKey(query), sess.ID, s.opts.TTL)
		if s.opts.TTL > 0 {
			pipe.Expire(ctx, key, s.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write session to Redis: %w", err)
	}
	return sess, nil
}

// advanceScript increments the version only when the session hash exists,
// so an expired session is never resurrected as a bare counter.
var advanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('HINCRBY', KEYS[1], 'version', 1)
`)

// appendScript lists every id missing from the seen set. The list is written
// before the set, so a failed push leaves the id unseen and a retry appends it.
var appendScript = redis.NewScript(`
local added = 0
for _, id in ipairs(ARGV) do
  if redis.call('SISMEMBER', KEYS[1], id) == 0 then
    redis.call('RPUSH', KEYS[2], id)
    redis.call('SADD', KEYS[1], id)
    added = added + 1
  end
end
return added
`)

// AdvanceVersion atomically increments the version field.
func (s *RedisStore) AdvanceVersion(ctx context.Context, sessionID string) (int, error) {
	v, err := advanceScript.Run(ctx, s.rdb, []string{s.sessionKey(sessionID)}).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to advance session version: %w", err)
	}
	if v < 0 {
		return 0, core.ErrSessionNotFound
	}
	if err := s.touch(ctx, sessionID); err != nil {
		return 0, err
	}
	return v, nil
}

// AppendGenerated appends ids not yet present in the version's list. The
// seen set makes concurrent and repeated appends idempotent.
func (s *RedisStore) AppendGenerated(ctx context.Context, sessionID string, version int, ids []string) error {
	if err := s.checkVersion(ctx, sessionID, version); err != nil {
		return err
	}
	if len(ids) > 0 {
		keys := []string{s.versionKey(sessionID, version, "seen"), s.versionKey(sessionID, version, "generated")}
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if err := appendScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
			return fmt.Errorf("failed to append generated ids: %w", err)
		}
	}
	return s.touch(ctx, sessionID)
}

// Feedback returns the labels recorded for version.
func (s *RedisStore) Feedback(ctx context.Context, sessionID string, version int) (map[string]core.Label, error) {
	if err := s.checkVersion(ctx, sessionID, version); err != nil {
		return nil, err
	}
	hash, err := s.rdb.HGetAll(ctx, s.versionKey(sessionID, version, "feedback")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback from Redis: %w", err)
	}
	out := make(map[string]core.Label, len(hash))
	for id, l := range hash {
		out[id] = core.Label(l)
	}
	return out, nil
}

// RecordFeedback stores label for id within version.
func (s *RedisStore) RecordFeedback(ctx context.Context, sessionID string, version int, id string, label core.Label) error {
	if _, err := core.ParseLabel(string(label)); err != nil {
		return err
	}
	if err := s.checkVersion(ctx, sessionID, version); err != nil {
		return err
	}
	key := s.versionKey(sessionID, version, "feedback")
	if err := s.rdb.HSet(ctx, key, id, string(label)).Err(); err != nil {
		return fmt.Errorf("failed to write feedback to Redis: %w", err)
	}
	return s.touch(ctx, sessionID)
}

func (s *RedisStore) currentVersion(ctx context.Context, sessionID string) (int, error) {
	raw, err := s.rdb.HGet(ctx, s.sessionKey(sessionID), "version").Result()
	if errors.Is(err, redis.Nil) {
		return 0, core.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt session version %q: %w", raw, err)
	}
	return v, nil
}

func (s *RedisStore) checkVersion(ctx context.Context, sessionID string, version int) error {
	current, err := s.currentVersion(ctx, sessionID)
	if err != nil {
		return err
	}
	return checkVersion(current, version)
}

// touch bumps the updated timestamp and, with a TTL, refreshes the expiry of
// every key belonging to the session so its history expires as a unit.
func (s *RedisStore) touch(ctx context.Context, sessionID string) error {
	key := s.sessionKey(sessionID)
	if s.opts.TTL <= 0 {
		if err := s.rdb.HSet(ctx, key, "updated", time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
			return fmt.Errorf("failed to update session %s: %w", sessionID, err)
		}
		return nil
	}

	fields, err := s.rdb.HMGet(ctx, key, "query", "version").Result()
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}
	query, _ := fields[0].(string)
	rawVersion, _ := fields[1].(string)
	if rawVersion == "" {
		return core.ErrSessionNotFound
	}
	version, err := strconv.Atoi(rawVersion)
	if err != nil {
		return fmt.Errorf("corrupt session version %q: %w", rawVersion, err)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "updated", time.Now().UTC().Format(time.RFC3339Nano))
		for _, k := range s.sessionKeys(sessionID, query, version) {
			pipe.Expire(ctx, k, s.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	return nil
}

// sessionKeys lists the session hash, the query index and every version key.
func (s *RedisStore) sessionKeys(sessionID, query string, version int) []string {
	keys := make([]string, 0, 2+3*version)
	keys = append(keys, s.sessionKey(sessionID), s.queryKey(query))
	for v := 1; v <= version; v++ {
		for _, suffix := range []string{"generated", "seen", "feedback"} {
			keys = append(keys, s.versionKey(sessionID, v, suffix))
		}
	}
	return keys
}

func sessionToHash(sess *core.Session) map[string]any {
	return map[string]any{
		"id":      sess.ID,
		"query":   sess.Query,
		"version": sess.Version,
		"created": sess.Created.Format(time.RFC3339Nano),
		"updated": sess.Updated.Format(time.RFC3339Nano),
	}
}

func hashToSession(hash map[string]string) (*core.Session, error) {
	version, err := strconv.Atoi(hash["version"])
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", hash["version"], err)
	}
	created, err := time.Parse(time.RFC3339Nano, hash["created"])
	if err != nil {
		return nil, fmt.Errorf("invalid created timestamp: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, hash["updated"])
	if err != nil {
		return nil, fmt.Errorf("invalid updated timestamp: %w", err)
	}
	return &core.Session{
		ID:       hash["id"],
		Query:    hash["query"],
		Version:  version,
		Versions: map[int]*core.VersionRecord{},
		Created:  created,
		Updated:  updated,
	}, nil
}
