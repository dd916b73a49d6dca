// Package usecase contains the application services: the three-tier question
// pool cache, the session coordinator, question upload and student read
// models. Services depend only on the domain ports.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// CacheService reads question pools through the three-tier waterfall:
// hot store, warm store, authoritative remote. Tier errors degrade to misses
// and never abort the waterfall; only an all-tier miss surfaces as
// domain.ErrPoolUnavailable.
type CacheService struct {
	Hot    domain.HotStore
	Warm   domain.PoolRepo
	Source domain.QuestionSource

	WarmTTL time.Duration

	redisHits        atomic.Int64
	redisMisses      atomic.Int64
	supabaseHits     atomic.Int64
	supabaseMisses   atomic.Int64
	externalAPICalls atomic.Int64
	totalRequests    atomic.Int64
}

// NewCacheService wires the three tiers. warmTTL becomes the expires_at
// horizon of Tier-2 rows.
func NewCacheService(hot domain.HotStore, warm domain.PoolRepo, source domain.QuestionSource, warmTTL time.Duration) *CacheService {
	if warmTTL <= 0 {
		warmTTL = 7 * 24 * time.Hour
	}
	return &CacheService{Hot: hot, Warm: warm, Source: source, WarmTTL: warmTTL}
}

// GetQuestionPool runs the waterfall for (level, levelID). With fetchAllPages
// the Tier-3 fetch materializes every page into one snapshot.
func (s *CacheService) GetQuestionPool(ctx domain.Context, level, levelID string, fetchAllPages bool) (*domain.QuestionPool, error) {
	if !domain.ValidLevel(level) {
		return nil, fmt.Errorf("op=cache.GetQuestionPool: %w: level %q", domain.ErrInvalidArgument, level)
	}
	return s.lookup(ctx, domain.PoolID(level, levelID), level, levelID, fetchAllPages)
}

// PoolByID reads a pool by its cache identity. Hierarchy ids fall through to
// Tier 3 on a cold cache; uploaded pools only exist in Tiers 1 and 2.
func (s *CacheService) PoolByID(ctx domain.Context, poolID string) (*domain.QuestionPool, error) {
	level, levelID, ok := splitPoolID(poolID)
	if !ok {
		// No remote source for this id; waterfall stops at Tier 2.
		return s.lookup(ctx, poolID, "", "", false)
	}
	return s.lookup(ctx, poolID, level, levelID, true)
}

func (s *CacheService) lookup(ctx domain.Context, poolID, level, levelID string, fetchAllPages bool) (*domain.QuestionPool, error) {
	s.totalRequests.Add(1)

	// Tier 1
	pool, err := s.Hot.Pool(ctx, poolID)
	if err == nil {
		s.redisHits.Add(1)
		observability.TierHit("redis")
		return pool, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("hot tier degraded", slog.String("pool_id", poolID), slog.Any("error", err))
	}
	s.redisMisses.Add(1)
	observability.TierMiss("redis")

	// Tier 2
	pool, err = s.Warm.Get(ctx, poolID)
	if err == nil {
		s.supabaseHits.Add(1)
		observability.TierHit("supabase")
		if herr := s.Hot.SavePool(ctx, pool); herr != nil {
			slog.Warn("hot write-through failed", slog.String("pool_id", poolID), slog.Any("error", herr))
		}
		return pool, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("warm tier degraded", slog.String("pool_id", poolID), slog.Any("error", err))
	}
	s.supabaseMisses.Add(1)
	observability.TierMiss("supabase")

	// Tier 3
	if s.Source == nil || level == "" {
		return nil, fmt.Errorf("op=cache.lookup: %w: %s", domain.ErrPoolUnavailable, poolID)
	}
	s.externalAPICalls.Add(1)
	pool, err = s.Source.FetchPool(ctx, level, levelID, fetchAllPages)
	if err != nil {
		slog.Error("external source fetch failed", slog.String("pool_id", poolID), slog.Any("error", err))
		return nil, fmt.Errorf("op=cache.lookup: %w: %s", domain.ErrPoolUnavailable, poolID)
	}

	s.writeThrough(ctx, pool)
	return pool, nil
}

// writeThrough persists warm before hot so a crash between writes leaves the
// durable tier populated.
func (s *CacheService) writeThrough(ctx domain.Context, pool *domain.QuestionPool) {
	if err := s.Warm.Save(ctx, pool, s.WarmTTL); err != nil {
		slog.Warn("warm write-through failed", slog.String("pool_id", pool.ID), slog.Any("error", err))
	}
	if err := s.Hot.SavePool(ctx, pool); err != nil {
		slog.Warn("hot write-through failed", slog.String("pool_id", pool.ID), slog.Any("error", err))
	}
}

// SavePool stores an externally built pool snapshot (the upload path) into
// both cache tiers, warm first.
func (s *CacheService) SavePool(ctx domain.Context, pool *domain.QuestionPool) error {
	if err := s.Warm.Save(ctx, pool, s.WarmTTL); err != nil {
		return fmt.Errorf("op=cache.SavePool: %w", err)
	}
	if err := s.Hot.SavePool(ctx, pool); err != nil {
		slog.Warn("hot write-through failed", slog.String("pool_id", pool.ID), slog.Any("error", err))
	}
	return nil
}

// QuestionByID resolves one item: hot question cache first, warm store
// second, with a sanitized hot write-back on a warm hit.
func (s *CacheService) QuestionByID(ctx domain.Context, questionID string) (domain.Question, error) {
	q, err := s.Hot.Question(ctx, questionID)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		slog.Warn("hot tier degraded", slog.String("question_id", questionID), slog.Any("error", err))
	}

	q, err = s.Warm.QuestionByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Question{}, fmt.Errorf("op=cache.QuestionByID: %w: %s", domain.ErrQuestionNotFound, questionID)
		}
		return domain.Question{}, fmt.Errorf("op=cache.QuestionByID: %w", err)
	}
	if herr := s.Hot.SaveQuestion(ctx, q); herr != nil {
		slog.Warn("question write-back failed", slog.String("question_id", questionID), slog.Any("error", herr))
	}
	return q, nil
}

// Invalidate deletes the pool from both cache tiers independently and
// reports whether every delete succeeded.
func (s *CacheService) Invalidate(ctx domain.Context, level, levelID string) bool {
	poolID := domain.PoolID(level, levelID)
	ok := true
	if err := s.Hot.DeletePool(ctx, poolID); err != nil {
		slog.Warn("hot invalidate failed", slog.String("pool_id", poolID), slog.Any("error", err))
		ok = false
	}
	if err := s.Warm.Delete(ctx, poolID); err != nil {
		slog.Warn("warm invalidate failed", slog.String("pool_id", poolID), slog.Any("error", err))
		ok = false
	}
	return ok
}

// Refresh forces a Tier-3 fetch by invalidating both tiers first.
func (s *CacheService) Refresh(ctx domain.Context, level, levelID string) (*domain.QuestionPool, error) {
	s.Invalidate(ctx, level, levelID)
	return s.GetQuestionPool(ctx, level, levelID, true)
}

// Warmup drives the read path for each named pool, reporting per-pool
// outcomes without aborting the batch.
func (s *CacheService) Warmup(ctx domain.Context, pools []domain.WarmupPool) []domain.WarmupOutcome {
	out := make([]domain.WarmupOutcome, 0, len(pools))
	for _, wp := range pools {
		res := domain.WarmupOutcome{
			Level:   wp.Level,
			LevelID: wp.LevelID,
			PoolID:  domain.PoolID(wp.Level, wp.LevelID),
		}
		pool, err := s.GetQuestionPool(ctx, wp.Level, wp.LevelID, true)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
			res.Questions = pool.TotalQuestions
		}
		out = append(out, res)
	}
	return out
}

// Stats snapshots the waterfall counters.
func (s *CacheService) Stats() domain.CacheStats {
	return domain.CacheStats{
		RedisHits:        s.redisHits.Load(),
		RedisMisses:      s.redisMisses.Load(),
		SupabaseHits:     s.supabaseHits.Load(),
		SupabaseMisses:   s.supabaseMisses.Load(),
		ExternalAPICalls: s.externalAPICalls.Load(),
		TotalRequests:    s.totalRequests.Load(),
	}
}

// ResetStats zeroes every counter.
func (s *CacheService) ResetStats() {
	s.redisHits.Store(0)
	s.redisMisses.Store(0)
	s.supabaseHits.Store(0)
	s.supabaseMisses.Store(0)
	s.externalAPICalls.Store(0)
	s.totalRequests.Store(0)
}

// CacheStatsView is the JSON shape of the stats endpoint: raw counters plus
// derived hit rates rounded to two decimals.
type CacheStatsView struct {
	domain.CacheStats
	RedisHitRate   float64 `json:"redis_hit_rate"`
	OverallHitRate float64 `json:"overall_hit_rate"`
}

// StatsView derives the hit rates from the current counters.
func (s *CacheService) StatsView() CacheStatsView {
	st := s.Stats()
	view := CacheStatsView{CacheStats: st}
	if st.TotalRequests > 0 {
		view.RedisHitRate = round2(float64(st.RedisHits) / float64(st.TotalRequests))
		view.OverallHitRate = round2(float64(st.RedisHits+st.SupabaseHits) / float64(st.TotalRequests))
	}
	return view
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// splitPoolID recovers (level, levelID) from a hierarchy pool id. Uploaded
// pool ids use the "upload_" namespace and report false.
func splitPoolID(poolID string) (string, string, bool) {
	level, levelID, found := strings.Cut(poolID, "_")
	if !found || levelID == "" || !domain.ValidLevel(level) {
		return "", "", false
	}
	return level, levelID, true
}
