package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/adaptive-testing/internal/config"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
	"github.com/fairyhunter13/adaptive-testing/internal/usecase"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Questions  *usecase.QuestionService
	Sessions   *usecase.SessionService
	Students   *usecase.StudentService
	Cache      *usecase.CacheService
	Hot        domain.HotStore
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, questions *usecase.QuestionService, sessions *usecase.SessionService,
	students *usecase.StudentService, cache *usecase.CacheService, hot domain.HotStore,
	dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Questions: questions, Sessions: sessions, Students: students,
		Cache: cache, Hot: hot, DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	return nil
}

func validateStruct(req any) (map[string]string, error) {
	if err := getValidator().Struct(req); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}
	return nil, nil
}

// UploadQuestionsHandler ingests a question batch as a new pool.
func (s *Server) UploadQuestionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Questions []usecase.UploadQuestion `json:"questions" validate:"required,min=1,dive"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, err, verrs)
			return
		}
		poolID, count, err := s.Questions.Upload(r.Context(), req.Questions)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"question_pool_id": poolID,
			"count":            count,
		})
	}
}

// StartTestHandler creates a session and returns the first question.
func (s *Server) StartTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			StudentID    string              `json:"student_id" validate:"required,max=100"`
			PoolID       string              `json:"question_pool_id" validate:"required,max=200"`
			ConceptNames []string            `json:"concept_names"`
			EndCriteria  *domain.EndCriteria `json:"end_criteria"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, err, verrs)
			return
		}
		res, err := s.Sessions.Start(r.Context(), usecase.StartInput{
			StudentID:    req.StudentID,
			PoolID:       req.PoolID,
			ConceptNames: req.ConceptNames,
			EndCriteria:  req.EndCriteria,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// SubmitResponseHandler records one answer and advances the session.
func (s *Server) SubmitResponseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID  string `json:"session_id" validate:"required,max=100"`
			QuestionID string `json:"question_id" validate:"required,max=100"`
			Response   *int   `json:"response" validate:"required"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, err, verrs)
			return
		}
		res, err := s.Sessions.Submit(r.Context(), req.SessionID, req.QuestionID, *req.Response)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// TestStatusHandler reports the live or completed view of a session.
func (s *Server) TestStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		if vr := ValidateID("session_id", sessionID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid session id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		res, err := s.Sessions.Status(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// EndTestHandler finalizes a session; idempotent on repeat calls.
func (s *Server) EndTestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "session_id")
		if vr := ValidateID("session_id", sessionID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid session id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		res, err := s.Sessions.End(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// StudentProficiencyHandler returns the per-concept estimates.
func (s *Server) StudentProficiencyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "id")
		if vr := ValidateID("id", studentID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid student id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		view, err := s.Students.Proficiency(r.Context(), studentID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// StudentHistoryHandler lists a student's sessions.
func (s *Server) StudentHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "id")
		if vr := ValidateID("id", studentID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid student id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		history, err := s.Students.History(r.Context(), studentID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"student_id": studentID,
			"sessions":   history,
		})
	}
}

// StudentProgressHandler aggregates completed sessions.
func (s *Server) StudentProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		studentID := chi.URLParam(r, "id")
		if vr := ValidateID("id", studentID); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid student id", domain.ErrInvalidArgument), vr.Errors)
			return
		}
		view, err := s.Students.Progress(r.Context(), studentID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func poolParams(r *http.Request) (string, string, error) {
	level := chi.URLParam(r, "level")
	levelID := chi.URLParam(r, "level_id")
	if !domain.ValidLevel(level) {
		return "", "", fmt.Errorf("%w: unknown level %q", domain.ErrInvalidArgument, level)
	}
	if vr := ValidateID("level_id", levelID); !vr.Valid {
		return "", "", fmt.Errorf("%w: invalid level id", domain.ErrInvalidArgument)
	}
	return level, levelID, nil
}

// CachePoolHandler performs a read-through fetch and returns the pool
// metadata without the question items.
func (s *Server) CachePoolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, levelID, err := poolParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		pool, err := s.Cache.GetQuestionPool(r.Context(), level, levelID, true)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"question_pool_id": pool.ID,
			"level":            pool.Level,
			"level_id":         pool.LevelID,
			"total_questions":  pool.TotalQuestions,
			"attribute_count":  pool.AttributeCount,
			"source":           pool.Source,
			"fetched_at":       pool.FetchedAt,
		})
	}
}

// CacheInvalidateHandler drops the pool from both cache tiers.
func (s *Server) CacheInvalidateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, levelID, err := poolParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ok := s.Cache.Invalidate(r.Context(), level, levelID)
		writeJSON(w, http.StatusOK, map[string]any{
			"question_pool_id": domain.PoolID(level, levelID),
			"invalidated":      ok,
		})
	}
}

// CacheRefreshHandler forces a Tier-3 refetch of the pool.
func (s *Server) CacheRefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, levelID, err := poolParams(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		pool, err := s.Cache.Refresh(r.Context(), level, levelID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"question_pool_id": pool.ID,
			"total_questions":  pool.TotalQuestions,
			"refreshed":        true,
		})
	}
}

// CacheStatsHandler reports the waterfall hit counters and rates.
func (s *Server) CacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Cache.StatsView())
	}
}

// CacheStatsResetHandler zeroes the waterfall counters.
func (s *Server) CacheStatsResetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Cache.ResetStats()
		writeJSON(w, http.StatusOK, map[string]any{"reset": true})
	}
}

// CacheWarmupHandler pre-fetches the named pools through the waterfall.
func (s *Server) CacheWarmupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Pools []domain.WarmupPool `json:"pools" validate:"required,min=1"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if verrs, err := validateStruct(req); err != nil {
			writeError(w, r, err, verrs)
			return
		}
		for _, p := range req.Pools {
			if !domain.ValidLevel(p.Level) {
				writeError(w, r, fmt.Errorf("%w: unknown level %q", domain.ErrInvalidArgument, p.Level), nil)
				return
			}
		}
		out := s.Cache.Warmup(r.Context(), req.Pools)
		writeJSON(w, http.StatusOK, map[string]any{"pools": out})
	}
}

// SessionsCleanupHandler triggers a synchronous sweep of idle hot states.
func (s *Server) SessionsCleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold := s.Cfg.InactivityThreshold
		if r.Body != nil && r.ContentLength != 0 {
			var req struct {
				InactivityMinutes int `json:"inactivity_minutes" validate:"omitempty,min=1,max=1440"`
			}
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, err, nil)
				return
			}
			if verrs, err := validateStruct(req); err != nil {
				writeError(w, r, err, verrs)
				return
			}
			if req.InactivityMinutes > 0 {
				threshold = time.Duration(req.InactivityMinutes) * time.Minute
			}
		}
		cleaned, err := s.Sessions.CleanupInactive(r.Context(), threshold)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cleaned":           cleaned,
			"threshold_minutes": int(threshold.Minutes()),
		})
	}
}

// RedisStatsHandler exposes hot-store key counts for debugging.
func (s *Server) RedisStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Hot.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// HealthHandler reports per-tier service health plus the cache counters.
func (s *Server) HealthHandler() http.HandlerFunc {
	probe := func(ctx context.Context, check func(context.Context) error) string {
		if check == nil {
			return "unconfigured"
		}
		if err := check(ctx); err != nil {
			return "down"
		}
		return "up"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		services := map[string]string{
			"tier1_redis":    probe(ctx, s.RedisCheck),
			"tier2_postgres": probe(ctx, s.DBCheck),
			"tier3_external": "unconfigured",
		}
		if s.Cfg.ExternalAPIURL != "" {
			services["tier3_external"] = "configured"
		}
		status := "ok"
		code := http.StatusOK
		for _, st := range services {
			if st == "down" {
				status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, map[string]any{
			"status":      status,
			"version":     Version,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"services":    services,
			"cache_stats": s.Cache.Stats(),
		})
	}
}

// HealthzHandler is the plain liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadyzHandler probes the hot and warm stores.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
