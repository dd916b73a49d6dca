package httpserver

import (
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/adaptive-testing/internal/config"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
	"github.com/fairyhunter13/adaptive-testing/internal/service/adaptive"
	"github.com/fairyhunter13/adaptive-testing/internal/usecase"
)

// In-memory port implementations backing the handler tests.

type stubHot struct {
	mu        sync.Mutex
	states    map[string]domain.SessionState
	locks     map[string]struct{}
	pools     map[string]*domain.QuestionPool
	questions map[string]domain.Question
}

func newStubHot() *stubHot {
	return &stubHot{
		states:    map[string]domain.SessionState{},
		locks:     map[string]struct{}{},
		pools:     map[string]*domain.QuestionPool{},
		questions: map[string]domain.Question{},
	}
}

func (s *stubHot) SessionState(_ domain.Context, id string) (domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return domain.SessionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *stubHot) SaveSessionState(_ domain.Context, st domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.LastActivity = time.Now().UTC().Format(time.RFC3339)
	s.states[st.SessionID] = st
	return nil
}

func (s *stubHot) DeleteSessionState(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *stubHot) AcquireSubmissionLock(_ domain.Context, sid, qid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sid + ":" + qid
	if _, held := s.locks[key]; held {
		return false, nil
	}
	s.locks[key] = struct{}{}
	return true, nil
}

func (s *stubHot) ReleaseSubmissionLock(_ domain.Context, sid, qid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, sid+":"+qid)
	return nil
}

func (s *stubHot) Pool(_ domain.Context, poolID string) (*domain.QuestionPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubHot) SavePool(_ domain.Context, p *domain.QuestionPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Source = domain.SourceRedis
	s.pools[p.ID] = &cp
	return nil
}

func (s *stubHot) DeletePool(_ domain.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, poolID)
	return nil
}

func (s *stubHot) Question(_ domain.Context, id string) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrNotFound
	}
	return q, nil
}

func (s *stubHot) SaveQuestion(_ domain.Context, q domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions[q.ID] = q.Sanitized()
	return nil
}

func (s *stubHot) CleanupInactiveSessions(_ domain.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cleaned := 0
	for id, st := range s.states {
		last, err := time.Parse(time.RFC3339, st.LastActivity)
		if err != nil {
			continue
		}
		if now.Sub(last) > olderThan {
			delete(s.states, id)
			cleaned++
		}
	}
	return cleaned, nil
}

func (s *stubHot) Stats(domain.Context) (domain.HotStoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.HotStoreStats{
		SessionKeys:  len(s.states),
		LockKeys:     len(s.locks),
		PoolKeys:     len(s.pools),
		QuestionKeys: len(s.questions),
	}, nil
}

func (s *stubHot) Ping(domain.Context) error { return nil }
func (s *stubHot) Close() error              { return nil }

type stubWarmPools struct {
	mu    sync.Mutex
	pools map[string]*domain.QuestionPool
}

func newStubWarmPools() *stubWarmPools {
	return &stubWarmPools{pools: map[string]*domain.QuestionPool{}}
}

func (s *stubWarmPools) Get(_ domain.Context, poolID string) (*domain.QuestionPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[poolID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	cp.Source = domain.SourceSupabase
	return &cp, nil
}

func (s *stubWarmPools) Save(_ domain.Context, p *domain.QuestionPool, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pools[p.ID] = &cp
	return nil
}

func (s *stubWarmPools) Delete(_ domain.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, poolID)
	return nil
}

func (s *stubWarmPools) QuestionByID(_ domain.Context, questionID string) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pools {
		for _, q := range p.Questions {
			if q.ID == questionID {
				return q, nil
			}
		}
	}
	return domain.Question{}, domain.ErrNotFound
}

type stubSource struct {
	mu    sync.Mutex
	calls int
	fetch func(level, levelID string) (*domain.QuestionPool, error)
}

func (s *stubSource) FetchPool(_ domain.Context, level, levelID string, _ bool) (*domain.QuestionPool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fetch == nil {
		return nil, domain.ErrUpstreamError
	}
	return s.fetch(level, levelID)
}

type stubStudents struct {
	mu    sync.Mutex
	profs map[string]map[string]domain.ProficiencyRecord
}

func newStubStudents() *stubStudents {
	return &stubStudents{profs: map[string]map[string]domain.ProficiencyRecord{}}
}

func (s *stubStudents) GetOrCreate(_ domain.Context, id string, concepts []string) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profs[id]; !ok {
		s.profs[id] = map[string]domain.ProficiencyRecord{}
		for _, name := range concepts {
			s.profs[id][name] = domain.ProficiencyRecord{
				StudentID: id, ConceptName: name, Value: 0.5, UpdatedAt: time.Now().UTC(),
			}
		}
	}
	return domain.Student{ID: id}, nil
}

func (s *stubStudents) Proficiencies(_ domain.Context, id string) ([]domain.ProficiencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProficiencyRecord
	for _, rec := range s.profs[id] {
		out = append(out, rec)
	}
	return out, nil
}

func (s *stubStudents) UpsertProficiency(_ domain.Context, rec domain.ProficiencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profs[rec.StudentID] == nil {
		s.profs[rec.StudentID] = map[string]domain.ProficiencyRecord{}
	}
	rec.UpdatedAt = time.Now().UTC()
	s.profs[rec.StudentID][rec.ConceptName] = rec
	return nil
}

type stubSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newStubSessions() *stubSessions {
	return &stubSessions{sessions: map[string]domain.Session{}}
}

func (s *stubSessions) Create(_ domain.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *stubSessions) Get(_ domain.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return sess, nil
}

func (s *stubSessions) UpdateActivity(_ domain.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.LastActivity = at
	s.sessions[id] = sess
	return nil
}

func (s *stubSessions) Complete(_ domain.Context, id string, final []float64, total, correct int, accuracy float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	sess.Status = domain.SessionCompleted
	sess.CurrentProficiency = final
	sess.QuestionsAnswered = total
	sess.CorrectCount = correct
	sess.Accuracy = accuracy
	sess.CompletedAt = &at
	s.sessions[id] = sess
	return nil
}

func (s *stubSessions) ListByStudent(_ domain.Context, studentID string) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.StudentID == studentID {
			out = append(out, sess)
		}
	}
	return out, nil
}

type stubResponses struct {
	mu   sync.Mutex
	rows []domain.ResponseRecord
}

func (s *stubResponses) Insert(_ domain.Context, r domain.ResponseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.SessionID == r.SessionID && row.QuestionID == r.QuestionID {
			return domain.ErrDuplicateSubmission
		}
	}
	s.rows = append(s.rows, r)
	return nil
}

func (s *stubResponses) ListBySession(_ domain.Context, sessionID string) ([]domain.ResponseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ResponseRecord
	for _, row := range s.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

type testEnv struct {
	srv  *httptest.Server
	hot  *stubHot
	warm *stubWarmPools
}

// newTestEnv builds a Server over in-memory ports and mounts it on the full
// route table.
func newTestEnv(pool *domain.QuestionPool) *testEnv {
	hot := newStubHot()
	warm := newStubWarmPools()
	source := &stubSource{fetch: func(level, levelID string) (*domain.QuestionPool, error) {
		if pool != nil && pool.ID == domain.PoolID(level, levelID) {
			return pool, nil
		}
		return nil, domain.ErrUpstreamError
	}}

	cfg := config.Config{InactivityThreshold: 30 * time.Minute, MinQuestions: 5, MaxQuestions: 20}
	cache := usecase.NewCacheService(hot, warm, source, time.Hour)
	sessions := usecase.NewSessionService(hot, newStubStudents(), newStubSessions(), &stubResponses{},
		cache, adaptive.NewEngine(0), nil, []string{"Math", "Algebra", "Geometry", "Statistics", "Calculus"}, 5, 20)
	students := usecase.NewStudentService(newStubStudents(), newStubSessions())
	questions := usecase.NewQuestionService(cache)

	s := NewServer(cfg, questions, sessions, students, cache, hot, nil, nil)

	r := chi.NewRouter()
	r.Get("/health", s.HealthHandler())
	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Post("/api/questions/upload", s.UploadQuestionsHandler())
	r.Post("/api/test/start", s.StartTestHandler())
	r.Post("/api/test/submit", s.SubmitResponseHandler())
	r.Get("/api/test/status/{session_id}", s.TestStatusHandler())
	r.Post("/api/test/end/{session_id}", s.EndTestHandler())
	r.Get("/api/student/{id}/proficiency", s.StudentProficiencyHandler())
	r.Get("/api/student/{id}/history", s.StudentHistoryHandler())
	r.Get("/api/student/{id}/progress", s.StudentProgressHandler())
	r.Get("/api/cache/question-pool/{level}/{level_id}", s.CachePoolHandler())
	r.Post("/api/cache/question-pool/{level}/{level_id}/invalidate", s.CacheInvalidateHandler())
	r.Post("/api/cache/question-pool/{level}/{level_id}/refresh", s.CacheRefreshHandler())
	r.Get("/api/cache/stats", s.CacheStatsHandler())
	r.Post("/api/cache/stats/reset", s.CacheStatsResetHandler())
	r.Post("/api/cache/warmup", s.CacheWarmupHandler())
	r.Post("/api/sessions/cleanup", s.SessionsCleanupHandler())
	r.Get("/api/debug/redis/stats", s.RedisStatsHandler())

	return &testEnv{srv: httptest.NewServer(r), hot: hot, warm: warm}
}

func samplePool() *domain.QuestionPool {
	p := &domain.QuestionPool{ID: "topic_101", Level: "topic", LevelID: "101"}
	for _, id := range []string{"q1", "q2", "q3"} {
		p.Questions = append(p.Questions, domain.Question{
			ID: id, Content: "?", Options: []string{"a", "b"}, CorrectAnswer: "a",
			Concepts: []float64{1, 0, 0, 0, 0}, Difficulty: 0.2, Discrimination: 1.0, Guessing: 0.25,
		})
	}
	p.TotalQuestions = len(p.Questions)
	return p
}
