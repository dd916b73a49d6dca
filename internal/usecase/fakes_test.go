package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// In-memory port fakes. Error injection happens through the fail* fields.

type memHot struct {
	mu        sync.Mutex
	states    map[string]domain.SessionState
	locks     map[string]struct{}
	pools     map[string]*domain.QuestionPool
	questions map[string]domain.Question

	failPool error
}

func newMemHot() *memHot {
	return &memHot{
		states:    map[string]domain.SessionState{},
		locks:     map[string]struct{}{},
		pools:     map[string]*domain.QuestionPool{},
		questions: map[string]domain.Question{},
	}
}

func (m *memHot) SessionState(_ domain.Context, id string) (domain.SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return domain.SessionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memHot) SaveSessionState(_ domain.Context, st domain.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.LastActivity = time.Now().UTC().Format(time.RFC3339)
	m.states[st.SessionID] = st
	return nil
}

func (m *memHot) DeleteSessionState(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *memHot) AcquireSubmissionLock(_ domain.Context, sid, qid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sid + ":" + qid
	if _, held := m.locks[key]; held {
		return false, nil
	}
	m.locks[key] = struct{}{}
	return true, nil
}

func (m *memHot) ReleaseSubmissionLock(_ domain.Context, sid, qid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, sid+":"+qid)
	return nil
}

func (m *memHot) Pool(_ domain.Context, poolID string) (*domain.QuestionPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPool != nil {
		return nil, m.failPool
	}
	p, ok := m.pools[poolID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *memHot) SavePool(_ domain.Context, p *domain.QuestionPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Source = domain.SourceRedis
	m.pools[p.ID] = &cp
	return nil
}

func (m *memHot) DeletePool(_ domain.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, poolID)
	return nil
}

func (m *memHot) Question(_ domain.Context, id string) (domain.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[id]
	if !ok {
		return domain.Question{}, domain.ErrNotFound
	}
	return q, nil
}

func (m *memHot) SaveQuestion(_ domain.Context, q domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions[q.ID] = q.Sanitized()
	return nil
}

func (m *memHot) CleanupInactiveSessions(_ domain.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cleaned := 0
	for id, st := range m.states {
		last, err := time.Parse(time.RFC3339, st.LastActivity)
		if err != nil {
			continue
		}
		if now.Sub(last) > olderThan {
			delete(m.states, id)
			cleaned++
		}
	}
	return cleaned, nil
}

func (m *memHot) Stats(domain.Context) (domain.HotStoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.HotStoreStats{
		SessionKeys:  len(m.states),
		LockKeys:     len(m.locks),
		PoolKeys:     len(m.pools),
		QuestionKeys: len(m.questions),
	}, nil
}

func (m *memHot) Ping(domain.Context) error { return nil }
func (m *memHot) Close() error              { return nil }

type warmPoolEntry struct {
	pool      domain.QuestionPool
	expiresAt time.Time
}

type memWarmPools struct {
	mu    sync.Mutex
	pools map[string]warmPoolEntry
}

func newMemWarmPools() *memWarmPools {
	return &memWarmPools{pools: map[string]warmPoolEntry{}}
}

func (m *memWarmPools) Get(_ domain.Context, poolID string) (*domain.QuestionPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[poolID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(m.pools, poolID)
		return nil, domain.ErrNotFound
	}
	cp := e.pool
	cp.Source = domain.SourceSupabase
	return &cp, nil
}

func (m *memWarmPools) Save(_ domain.Context, p *domain.QuestionPool, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.ID] = warmPoolEntry{pool: *p, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *memWarmPools) Delete(_ domain.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, poolID)
	return nil
}

func (m *memWarmPools) QuestionByID(_ domain.Context, questionID string) (domain.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.pools {
		for _, q := range e.pool.Questions {
			if q.ID == questionID {
				return q, nil
			}
		}
	}
	return domain.Question{}, domain.ErrNotFound
}

type fakeSource struct {
	mu    sync.Mutex
	calls int
	fetch func(level, levelID string) (*domain.QuestionPool, error)
}

func (f *fakeSource) FetchPool(_ domain.Context, level, levelID string, _ bool) (*domain.QuestionPool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fetch == nil {
		return nil, domain.ErrUpstreamError
	}
	return f.fetch(level, levelID)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStudents struct {
	mu       sync.Mutex
	students map[string]domain.Student
	profs    map[string]map[string]domain.ProficiencyRecord
}

func newMemStudents() *memStudents {
	return &memStudents{
		students: map[string]domain.Student{},
		profs:    map[string]map[string]domain.ProficiencyRecord{},
	}
}

func (m *memStudents) GetOrCreate(_ domain.Context, id string, concepts []string) (domain.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.students[id]; ok {
		return s, nil
	}
	s := domain.Student{ID: id, CreatedAt: time.Now().UTC()}
	m.students[id] = s
	m.profs[id] = map[string]domain.ProficiencyRecord{}
	for _, name := range concepts {
		m.profs[id][name] = domain.ProficiencyRecord{
			StudentID: id, ConceptName: name, Value: 0.5, UpdatedAt: s.CreatedAt,
		}
	}
	return s, nil
}

func (m *memStudents) Proficiencies(_ domain.Context, id string) ([]domain.ProficiencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProficiencyRecord
	for _, rec := range m.profs[id] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStudents) UpsertProficiency(_ domain.Context, rec domain.ProficiencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profs[rec.StudentID] == nil {
		m.profs[rec.StudentID] = map[string]domain.ProficiencyRecord{}
	}
	rec.UpdatedAt = time.Now().UTC()
	m.profs[rec.StudentID][rec.ConceptName] = rec
	return nil
}

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]domain.Session{}}
}

func (m *memSessions) Create(_ domain.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessions) Get(_ domain.Context, id string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSessions) UpdateActivity(_ domain.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.LastActivity = at
	m.sessions[id] = s
	return nil
}

func (m *memSessions) Complete(_ domain.Context, id string, final []float64, total, correct int, accuracy float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.Status = domain.SessionCompleted
	s.CurrentProficiency = final
	s.QuestionsAnswered = total
	s.CorrectCount = correct
	s.Accuracy = accuracy
	s.CompletedAt = &at
	s.LastActivity = at
	m.sessions[id] = s
	return nil
}

func (m *memSessions) ListByStudent(_ domain.Context, studentID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.StudentID == studentID {
			out = append(out, s)
		}
	}
	return out, nil
}

type memResponses struct {
	mu   sync.Mutex
	rows []domain.ResponseRecord
}

func (m *memResponses) Insert(_ domain.Context, r domain.ResponseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.SessionID == r.SessionID && row.QuestionID == r.QuestionID {
			return fmt.Errorf("unique violation: %w", domain.ErrDuplicateSubmission)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *memResponses) ListBySession(_ domain.Context, sessionID string) ([]domain.ResponseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ResponseRecord
	for _, row := range m.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (p *recordingPublisher) Publish(_ domain.Context, ev domain.SessionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}
