// Package hotstore implements the Tier-1 hot store on Redis: active session
// state, submission locks and volatile projections of pools and questions.
// Durable records never live here; losing the whole keyspace costs latency,
// not correctness.
package hotstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// Key layout:
//
//	session:{session_id}:state  JSON session projection, inactivity TTL
//	lock:{session_id}:{question_id}  submission lock, short TTL
//	pool:{pool_id}  JSON pool snapshot
//	question:{question_id}  JSON item with correct_answer stripped
const (
	sessionKeyPrefix  = "session:"
	sessionKeySuffix  = ":state"
	lockKeyPrefix     = "lock:"
	poolKeyPrefix     = "pool:"
	questionKeyPrefix = "question:"
)

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID + sessionKeySuffix
}

func lockKey(sessionID, questionID string) string {
	return lockKeyPrefix + sessionID + ":" + questionID
}

// Options carries the per-key-class TTLs. Zero fields take the defaults.
type Options struct {
	SessionTTL  time.Duration
	LockTTL     time.Duration
	PoolTTL     time.Duration
	QuestionTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 30 * time.Minute
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.PoolTTL <= 0 {
		o.PoolTTL = 24 * time.Hour
	}
	if o.QuestionTTL <= 0 {
		o.QuestionTTL = time.Hour
	}
	return o
}

// Store implements domain.HotStore over a shared Redis client.
type Store struct {
	client *redis.Client
	opts   Options
}

// New wraps an existing client; the caller owns client construction so tests
// can point the store at miniredis.
func New(client *redis.Client, opts Options) *Store {
	return &Store{client: client, opts: opts.withDefaults()}
}

// SessionState returns the hot projection, or domain.ErrNotFound when the
// key is gone (expired, cleaned up, or never written).
func (s *Store) SessionState(ctx domain.Context, sessionID string) (domain.SessionState, error) {
	var st domain.SessionState
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return st, fmt.Errorf("op=hotstore.SessionState: %w", domain.ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("op=hotstore.SessionState: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("op=hotstore.SessionState: decode: %w", err)
	}
	return st, nil
}

// SaveSessionState stamps last_activity and (re)writes the key with the full
// inactivity TTL, so every save doubles as an activity touch.
func (s *Store) SaveSessionState(ctx domain.Context, st domain.SessionState) error {
	st.LastActivity = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=hotstore.SaveSessionState: encode: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(st.SessionID), data, s.opts.SessionTTL).Err(); err != nil {
		return fmt.Errorf("op=hotstore.SaveSessionState: %w", err)
	}
	return nil
}

func (s *Store) DeleteSessionState(ctx domain.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("op=hotstore.DeleteSessionState: %w", err)
	}
	return nil
}

// AcquireSubmissionLock is SET NX with a short TTL; false means another
// submit for the same (session, question) pair is in flight or just landed.
func (s *Store) AcquireSubmissionLock(ctx domain.Context, sessionID, questionID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(sessionID, questionID), "1", s.opts.LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=hotstore.AcquireSubmissionLock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseSubmissionLock(ctx domain.Context, sessionID, questionID string) error {
	if err := s.client.Del(ctx, lockKey(sessionID, questionID)).Err(); err != nil {
		return fmt.Errorf("op=hotstore.ReleaseSubmissionLock: %w", err)
	}
	return nil
}

// Pool returns the cached snapshot or domain.ErrNotFound on a miss.
func (s *Store) Pool(ctx domain.Context, poolID string) (*domain.QuestionPool, error) {
	data, err := s.client.Get(ctx, poolKeyPrefix+poolID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("op=hotstore.Pool: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=hotstore.Pool: %w", err)
	}
	var p domain.QuestionPool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("op=hotstore.Pool: decode: %w", err)
	}
	return &p, nil
}

// SavePool writes the snapshot under the pool TTL, re-stamping provenance so
// a later hit reports this tier.
func (s *Store) SavePool(ctx domain.Context, p *domain.QuestionPool) error {
	cp := *p
	cp.Source = domain.SourceRedis
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("op=hotstore.SavePool: encode: %w", err)
	}
	if err := s.client.Set(ctx, poolKeyPrefix+p.ID, data, s.opts.PoolTTL).Err(); err != nil {
		return fmt.Errorf("op=hotstore.SavePool: %w", err)
	}
	slog.Debug("pool cached in hot store", slog.String("pool_id", p.ID), slog.Duration("ttl", s.opts.PoolTTL))
	return nil
}

func (s *Store) DeletePool(ctx domain.Context, poolID string) error {
	if err := s.client.Del(ctx, poolKeyPrefix+poolID).Err(); err != nil {
		return fmt.Errorf("op=hotstore.DeletePool: %w", err)
	}
	return nil
}

// Question returns the sanitized cached item or domain.ErrNotFound.
func (s *Store) Question(ctx domain.Context, questionID string) (domain.Question, error) {
	var q domain.Question
	data, err := s.client.Get(ctx, questionKeyPrefix+questionID).Bytes()
	if err == redis.Nil {
		return q, fmt.Errorf("op=hotstore.Question: %w", domain.ErrNotFound)
	}
	if err != nil {
		return q, fmt.Errorf("op=hotstore.Question: %w", err)
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return q, fmt.Errorf("op=hotstore.Question: decode: %w", err)
	}
	return q, nil
}

// SaveQuestion always strips the correct answer before the item leaves the
// trusted stores.
func (s *Store) SaveQuestion(ctx domain.Context, q domain.Question) error {
	data, err := json.Marshal(q.Sanitized())
	if err != nil {
		return fmt.Errorf("op=hotstore.SaveQuestion: encode: %w", err)
	}
	if err := s.client.Set(ctx, questionKeyPrefix+q.ID, data, s.opts.QuestionTTL).Err(); err != nil {
		return fmt.Errorf("op=hotstore.SaveQuestion: %w", err)
	}
	return nil
}

// CleanupInactiveSessions scans session keys and deletes those whose
// last_activity is older than the threshold. Unparseable states are skipped,
// not deleted; their TTL will reap them eventually.
func (s *Store) CleanupInactiveSessions(ctx domain.Context, olderThan time.Duration) (int, error) {
	cleaned := 0
	now := time.Now().UTC()

	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*"+sessionKeySuffix, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return cleaned, fmt.Errorf("op=hotstore.CleanupInactiveSessions: %w", err)
		}
		var st domain.SessionState
		if err := json.Unmarshal(data, &st); err != nil {
			slog.Warn("skipping undecodable session state", slog.String("key", key), slog.Any("error", err))
			continue
		}
		last, err := time.Parse(time.RFC3339, st.LastActivity)
		if err != nil {
			slog.Warn("skipping session state with bad last_activity", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if now.Sub(last) > olderThan {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return cleaned, fmt.Errorf("op=hotstore.CleanupInactiveSessions: %w", err)
			}
			cleaned++
			slog.Info("cleaned up inactive session", slog.String("session_id", st.SessionID))
		}
	}
	if err := iter.Err(); err != nil {
		return cleaned, fmt.Errorf("op=hotstore.CleanupInactiveSessions: scan: %w", err)
	}
	return cleaned, nil
}

// Stats counts keys by prefix for the debug endpoint. INFO fields are
// best-effort; not every server (miniredis included) implements them.
func (s *Store) Stats(ctx domain.Context) (domain.HotStoreStats, error) {
	var st domain.HotStoreStats

	var err error
	if st.SessionKeys, err = s.countKeys(ctx, sessionKeyPrefix+"*"+sessionKeySuffix); err != nil {
		return st, err
	}
	if st.LockKeys, err = s.countKeys(ctx, lockKeyPrefix+"*"); err != nil {
		return st, err
	}
	if st.PoolKeys, err = s.countKeys(ctx, poolKeyPrefix+"*"); err != nil {
		return st, err
	}
	if st.QuestionKeys, err = s.countKeys(ctx, questionKeyPrefix+"*"); err != nil {
		return st, err
	}

	total, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return st, fmt.Errorf("op=hotstore.Stats: %w", err)
	}
	st.TotalKeys = total

	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		st.UsedMemoryHuman = infoField(info, "used_memory_human")
	}
	if info, err := s.client.Info(ctx, "clients").Result(); err == nil {
		st.ConnectedClients = infoField(info, "connected_clients")
	}
	return st, nil
}

func (s *Store) countKeys(ctx domain.Context, pattern string) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("op=hotstore.Stats: scan %s: %w", pattern, err)
	}
	return n, nil
}

func infoField(info, field string) string {
	for _, line := range strings.Split(info, "\n") {
		if strings.HasPrefix(line, field+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, field+":"))
		}
	}
	return ""
}

func (s *Store) Ping(ctx domain.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=hotstore.Ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
