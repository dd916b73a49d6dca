package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
	"github.com/fairyhunter13/adaptive-testing/internal/service/adaptive"
)

const initialProficiency = 0.5

// SessionService is the session coordinator: it owns the state machine from
// start through submits to completion, with the hot store providing all
// cross-request coordination.
type SessionService struct {
	Hot       domain.HotStore
	Students  domain.StudentRepo
	Sessions  domain.SessionRepo
	Responses domain.ResponseRepo
	Cache     *CacheService
	Engine    *adaptive.Engine
	Events    domain.EventPublisher

	DefaultConcepts []string
	MinQuestions    int
	MaxQuestions    int
}

// NewSessionService wires the coordinator. Events may be a no-op publisher.
func NewSessionService(hot domain.HotStore, students domain.StudentRepo, sessions domain.SessionRepo,
	responses domain.ResponseRepo, cache *CacheService, engine *adaptive.Engine,
	events domain.EventPublisher, defaultConcepts []string, minQ, maxQ int) *SessionService {
	if minQ <= 0 {
		minQ = 5
	}
	if maxQ <= 0 {
		maxQ = 20
	}
	return &SessionService{
		Hot: hot, Students: students, Sessions: sessions, Responses: responses,
		Cache: cache, Engine: engine, Events: events,
		DefaultConcepts: defaultConcepts, MinQuestions: minQ, MaxQuestions: maxQ,
	}
}

// StartInput carries the start-test request.
type StartInput struct {
	StudentID    string
	PoolID       string
	ConceptNames []string
	EndCriteria  *domain.EndCriteria
}

// StartResult is the start-test response payload.
type StartResult struct {
	SessionID          string          `json:"session_id"`
	InitialProficiency []float64       `json:"initial_proficiency"`
	ConceptNames       []string        `json:"concept_names"`
	NextQuestion       domain.Question `json:"next_question"`
	Status             string          `json:"status"`
}

// Start creates a session: load pool, ensure student, snapshot proficiency,
// persist the canonical row, pick the first item and project hot state.
func (s *SessionService) Start(ctx domain.Context, in StartInput) (StartResult, error) {
	pool, err := s.Cache.PoolByID(ctx, in.PoolID)
	if err != nil {
		return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
	}
	if len(pool.Questions) == 0 {
		return StartResult{}, fmt.Errorf("op=session.Start: empty pool: %w", domain.ErrPoolUnavailable)
	}

	concepts := s.conceptNames(in.ConceptNames, pool)

	if _, err := s.Students.GetOrCreate(ctx, in.StudentID, concepts); err != nil {
		return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
	}
	theta, err := s.proficiencyVector(ctx, in.StudentID, concepts)
	if err != nil {
		return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
	}

	criteria := s.endCriteria(in.EndCriteria)

	now := time.Now().UTC()
	session := domain.Session{
		ID:                 uuid.NewString(),
		StudentID:          in.StudentID,
		PoolID:             pool.ID,
		Status:             domain.SessionActive,
		InitialProficiency: append([]float64(nil), theta...),
		CurrentProficiency: append([]float64(nil), theta...),
		ConceptNames:       concepts,
		EndCriteria:        criteria,
		StartedAt:          now,
		LastActivity:       now,
	}
	if err := s.Sessions.Create(ctx, session); err != nil {
		return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
	}

	first, ok := s.Engine.SelectNextQuestion(pool.Questions, theta, nil)
	if !ok {
		return StartResult{}, fmt.Errorf("op=session.Start: no selectable question: %w", domain.ErrPoolUnavailable)
	}

	st := domain.SessionState{
		SessionID:          session.ID,
		StudentID:          in.StudentID,
		PoolID:             pool.ID,
		Status:             string(domain.SessionActive),
		CurrentProficiency: theta,
		ConceptNames:       concepts,
		EndCriteria:        criteria,
		NextQuestionID:     first.ID,
	}
	if err := s.Hot.SaveSessionState(ctx, st); err != nil {
		return StartResult{}, fmt.Errorf("op=session.Start: %w", err)
	}

	s.publish(ctx, domain.SessionEvent{
		Type:      domain.EventSessionStarted,
		SessionID: session.ID,
		StudentID: in.StudentID,
		PoolID:    pool.ID,
	})
	observability.SessionsStartedTotal.Inc()

	return StartResult{
		SessionID:          session.ID,
		InitialProficiency: theta,
		ConceptNames:       concepts,
		NextQuestion:       first.Sanitized(),
		Status:             "started",
	}, nil
}

// SubmitResult is either a continue payload or a completion payload,
// discriminated by Status.
type SubmitResult struct {
	Status             string              `json:"status"`
	CurrentProficiency []float64           `json:"current_proficiency,omitempty"`
	NextQuestion       *domain.Question    `json:"next_question,omitempty"`
	QuestionsAnswered  int                 `json:"questions_answered"`
	FinalProficiency   []float64           `json:"final_proficiency,omitempty"`
	TotalQuestions     int                 `json:"total_questions"`
	CorrectCount       int                 `json:"correct_count"`
	Accuracy           float64             `json:"accuracy"`
	Summary            *domain.TestSummary `json:"summary,omitempty"`
}

// Submit records one response under the submission lock, updates the
// proficiency estimate durably, and either schedules the next item or
// finalizes the session.
func (s *SessionService) Submit(ctx domain.Context, sessionID, questionID string, response int) (SubmitResult, error) {
	if response != 0 && response != 1 {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w: response must be 0 or 1", domain.ErrInvalidArgument)
	}

	acquired, err := s.Hot.AcquireSubmissionLock(ctx, sessionID, questionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}
	if !acquired {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", domain.ErrDuplicateSubmission)
	}
	defer func() {
		if err := s.Hot.ReleaseSubmissionLock(ctx, sessionID, questionID); err != nil {
			slog.Warn("submission lock release failed",
				slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}()

	st, err := s.Hot.SessionState(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SubmitResult{}, s.classifyMissingState(ctx, sessionID)
		}
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}
	if st.Status != string(domain.SessionActive) {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w: status %s", domain.ErrSessionInactive, st.Status)
	}

	question, err := s.Cache.QuestionByID(ctx, questionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}
	pool, err := s.Cache.PoolByID(ctx, st.PoolID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}

	before := append([]float64(nil), st.CurrentProficiency...)
	after := s.Engine.UpdateProficiency(before, question, response)

	if err := s.persistProficiency(ctx, st.StudentID, st.ConceptNames, question, after); err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}

	now := time.Now().UTC()
	rec := domain.ResponseRecord{
		StudentID:         st.StudentID,
		SessionID:         sessionID,
		QuestionID:        questionID,
		Response:          response,
		ProficiencyBefore: before,
		ProficiencyAfter:  after,
		CreatedAt:         now,
	}
	if err := s.Responses.Insert(ctx, rec); err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}
	if err := s.Sessions.UpdateActivity(ctx, sessionID, now); err != nil {
		slog.Warn("activity touch failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	observability.SubmitResponse(response == 1)

	// Canonical history drives the stopping rule and the final counters.
	history, err := s.Responses.ListBySession(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
	}

	if s.Engine.ShouldContinue(history, after, st.EndCriteria) {
		next, ok := s.Engine.SelectNextQuestion(pool.Questions, after, history)
		if ok {
			st.CurrentProficiency = after
			st.QuestionsAnswered = len(history)
			st.CorrectCount = correctCount(history)
			st.NextQuestionID = next.ID
			if err := s.Hot.SaveSessionState(ctx, st); err != nil {
				return SubmitResult{}, fmt.Errorf("op=session.Submit: %w", err)
			}
			nq := next.Sanitized()
			return SubmitResult{
				Status:             "continue",
				CurrentProficiency: after,
				NextQuestion:       &nq,
				QuestionsAnswered:  len(history),
			}, nil
		}
		slog.Info("pool exhausted; finalizing session", slog.String("session_id", sessionID))
	}

	return s.finalize(ctx, st, after, history)
}

// classifyMissingState distinguishes an unknown session from one whose hot
// state is gone but whose canonical row says completed or expired.
func (s *SessionService) classifyMissingState(ctx domain.Context, sessionID string) error {
	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("op=session.Submit: %w", domain.ErrSessionNotFound)
		}
		return fmt.Errorf("op=session.Submit: %w", err)
	}
	return fmt.Errorf("op=session.Submit: %w: status %s", domain.ErrSessionInactive, session.Status)
}

// finalize completes the session: warm row gets the authoritative totals
// derived from the history, hot state is deleted, summary returned.
func (s *SessionService) finalize(ctx domain.Context, st domain.SessionState, theta []float64, history []domain.ResponseRecord) (SubmitResult, error) {
	total := len(history)
	correct := correctCount(history)
	accuracy := 0.0
	if total > 0 {
		accuracy = float64(correct) / float64(total)
	}

	now := time.Now().UTC()
	if err := s.Sessions.Complete(ctx, st.SessionID, theta, total, correct, accuracy, now); err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.finalize: %w", err)
	}
	if err := s.Hot.DeleteSessionState(ctx, st.SessionID); err != nil {
		slog.Warn("hot state delete failed", slog.String("session_id", st.SessionID), slog.Any("error", err))
	}

	summary := s.summary(ctx, st.SessionID, theta, history)

	s.publish(ctx, domain.SessionEvent{
		Type:              domain.EventSessionCompleted,
		SessionID:         st.SessionID,
		StudentID:         st.StudentID,
		PoolID:            st.PoolID,
		QuestionsAnswered: total,
		CorrectCount:      correct,
		Accuracy:          accuracy,
	})
	observability.SessionsCompletedTotal.Inc()

	return SubmitResult{
		Status:           "completed",
		FinalProficiency: theta,
		TotalQuestions:   total,
		CorrectCount:     correct,
		Accuracy:         accuracy,
		Summary:          summary,
	}, nil
}

// summary builds the completion summary against the canonical initial
// proficiency. A failed warm read degrades to a summary without it.
func (s *SessionService) summary(ctx domain.Context, sessionID string, final []float64, history []domain.ResponseRecord) *domain.TestSummary {
	initial := final
	if session, err := s.Sessions.Get(ctx, sessionID); err == nil && len(session.InitialProficiency) > 0 {
		initial = session.InitialProficiency
	}
	sum := s.Engine.Summary(initial, final, history)
	return &sum
}

// StatusResult is the session status projection.
type StatusResult struct {
	SessionID          string    `json:"session_id"`
	Status             string    `json:"status"`
	QuestionsAnswered  int       `json:"questions_answered"`
	CorrectCount       int       `json:"correct_count"`
	CurrentProficiency []float64 `json:"current_proficiency,omitempty"`
	NextQuestionID     string    `json:"next_question_id,omitempty"`
	Accuracy           float64   `json:"accuracy"`
}

// Status returns the hot projection when the session is live, else the warm
// row's view.
func (s *SessionService) Status(ctx domain.Context, sessionID string) (StatusResult, error) {
	st, err := s.Hot.SessionState(ctx, sessionID)
	if err == nil {
		return StatusResult{
			SessionID:          sessionID,
			Status:             st.Status,
			QuestionsAnswered:  st.QuestionsAnswered,
			CorrectCount:       st.CorrectCount,
			CurrentProficiency: st.CurrentProficiency,
			NextQuestionID:     st.NextQuestionID,
		}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return StatusResult{}, fmt.Errorf("op=session.Status: %w", err)
	}

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return StatusResult{}, fmt.Errorf("op=session.Status: %w", domain.ErrSessionNotFound)
		}
		return StatusResult{}, fmt.Errorf("op=session.Status: %w", err)
	}
	return StatusResult{
		SessionID:          sessionID,
		Status:             string(session.Status),
		QuestionsAnswered:  session.QuestionsAnswered,
		CorrectCount:       session.CorrectCount,
		CurrentProficiency: session.CurrentProficiency,
		Accuracy:           session.Accuracy,
	}, nil
}

// End finalizes a session manually. Idempotent: a second call returns the
// completion view of the warm row.
func (s *SessionService) End(ctx domain.Context, sessionID string) (SubmitResult, error) {
	st, err := s.Hot.SessionState(ctx, sessionID)
	if err == nil {
		history, herr := s.Responses.ListBySession(ctx, sessionID)
		if herr != nil {
			return SubmitResult{}, fmt.Errorf("op=session.End: %w", herr)
		}
		return s.finalize(ctx, st, st.CurrentProficiency, history)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("op=session.End: %w", err)
	}

	session, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SubmitResult{}, fmt.Errorf("op=session.End: %w", domain.ErrSessionNotFound)
		}
		return SubmitResult{}, fmt.Errorf("op=session.End: %w", err)
	}
	history, err := s.Responses.ListBySession(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=session.End: %w", err)
	}
	return SubmitResult{
		Status:           "completed",
		FinalProficiency: session.CurrentProficiency,
		TotalQuestions:   session.QuestionsAnswered,
		CorrectCount:     session.CorrectCount,
		Accuracy:         session.Accuracy,
		Summary:          s.summary(ctx, sessionID, session.CurrentProficiency, history),
	}, nil
}

// CleanupInactive removes hot session states idle beyond the threshold. The
// warm rows stay; only the projection is pruned.
func (s *SessionService) CleanupInactive(ctx domain.Context, olderThan time.Duration) (int, error) {
	n, err := s.Hot.CleanupInactiveSessions(ctx, olderThan)
	if err != nil {
		return n, fmt.Errorf("op=session.CleanupInactive: %w", err)
	}
	observability.SessionsCleanedTotal.Add(float64(n))
	return n, nil
}

func (s *SessionService) publish(ctx domain.Context, ev domain.SessionEvent) {
	if s.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	if err := s.Events.Publish(ctx, ev); err != nil {
		slog.Warn("session event publish failed",
			slog.String("type", ev.Type), slog.String("session_id", ev.SessionID), slog.Any("error", err))
	}
}

// conceptNames resolves the session's concept set: request first, then pool
// attributes, then configured defaults.
func (s *SessionService) conceptNames(requested []string, pool *domain.QuestionPool) []string {
	if len(requested) > 0 {
		return requested
	}
	if len(pool.Attributes) > 0 {
		names := make([]string, len(pool.Attributes))
		for i, a := range pool.Attributes {
			names[i] = a.Name
		}
		return names
	}
	return s.DefaultConcepts
}

// proficiencyVector snapshots theta in concept order, initializing and
// persisting missing concepts at the neutral starting value.
func (s *SessionService) proficiencyVector(ctx domain.Context, studentID string, concepts []string) ([]float64, error) {
	records, err := s.Students.Proficiencies(ctx, studentID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]float64, len(records))
	for _, rec := range records {
		byName[rec.ConceptName] = rec.Value
	}

	theta := make([]float64, len(concepts))
	for i, name := range concepts {
		if v, ok := byName[name]; ok {
			theta[i] = v
			continue
		}
		theta[i] = initialProficiency
		if err := s.Students.UpsertProficiency(ctx, domain.ProficiencyRecord{
			StudentID:   studentID,
			ConceptName: name,
			Value:       initialProficiency,
		}); err != nil {
			return nil, err
		}
	}
	return theta, nil
}

// persistProficiency upserts the per-concept records the answered item loads
// on. Confidence tracks distance from neutral, saturating at 1.
func (s *SessionService) persistProficiency(ctx domain.Context, studentID string, concepts []string, q domain.Question, theta []float64) error {
	for i, name := range concepts {
		if i >= len(theta) {
			break
		}
		if i < len(q.Concepts) && q.Concepts[i] == 0 {
			continue
		}
		rec := domain.ProficiencyRecord{
			StudentID:   studentID,
			ConceptName: name,
			Value:       theta[i],
			Confidence:  math.Min(math.Abs(theta[i])/2.0, 1.0),
		}
		if err := s.Students.UpsertProficiency(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionService) endCriteria(in *domain.EndCriteria) domain.EndCriteria {
	criteria := domain.DefaultEndCriteria()
	criteria.MinQuestions = s.MinQuestions
	criteria.MaxQuestions = s.MaxQuestions
	if in == nil {
		return criteria
	}
	if in.Type != "" {
		criteria.Type = in.Type
	}
	if in.MinQuestions > 0 {
		criteria.MinQuestions = in.MinQuestions
	}
	if in.MaxQuestions > 0 {
		criteria.MaxQuestions = in.MaxQuestions
	}
	if in.PrecisionThreshold > 0 {
		criteria.PrecisionThreshold = in.PrecisionThreshold
	}
	if in.ClassificationThreshold > 0 {
		criteria.ClassificationThreshold = in.ClassificationThreshold
	}
	return criteria
}

func correctCount(history []domain.ResponseRecord) int {
	n := 0
	for _, r := range history {
		if r.Response == 1 {
			n++
		}
	}
	return n
}
