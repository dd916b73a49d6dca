package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// StudentService serves the student-facing read models from the warm store.
type StudentService struct {
	Students domain.StudentRepo
	Sessions domain.SessionRepo
}

// NewStudentService constructs a StudentService.
func NewStudentService(students domain.StudentRepo, sessions domain.SessionRepo) *StudentService {
	return &StudentService{Students: students, Sessions: sessions}
}

// ProficiencyView maps concept names to their current estimates.
type ProficiencyView struct {
	StudentID     string             `json:"student_id"`
	Proficiencies map[string]float64 `json:"proficiencies"`
	Confidence    map[string]float64 `json:"confidence"`
	Overall       float64            `json:"overall"`
	UpdatedAt     *time.Time         `json:"updated_at,omitempty"`
}

// Proficiency returns the per-concept estimates plus their mean.
func (s *StudentService) Proficiency(ctx domain.Context, studentID string) (ProficiencyView, error) {
	records, err := s.Students.Proficiencies(ctx, studentID)
	if err != nil {
		return ProficiencyView{}, fmt.Errorf("op=student.Proficiency: %w", err)
	}
	if len(records) == 0 {
		return ProficiencyView{}, fmt.Errorf("op=student.Proficiency: %w", domain.ErrNotFound)
	}

	view := ProficiencyView{
		StudentID:     studentID,
		Proficiencies: make(map[string]float64, len(records)),
		Confidence:    make(map[string]float64, len(records)),
	}
	var sum float64
	var latest time.Time
	for _, rec := range records {
		view.Proficiencies[rec.ConceptName] = rec.Value
		view.Confidence[rec.ConceptName] = rec.Confidence
		sum += rec.Value
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
		}
	}
	view.Overall = sum / float64(len(records))
	if !latest.IsZero() {
		view.UpdatedAt = &latest
	}
	return view, nil
}

// HistoryEntry is one session row in the student's test history.
type HistoryEntry struct {
	SessionID         string     `json:"session_id"`
	PoolID            string     `json:"question_pool_id"`
	Status            string     `json:"status"`
	QuestionsAnswered int        `json:"questions_answered"`
	CorrectCount      int        `json:"correct_count"`
	Accuracy          float64    `json:"accuracy"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// History lists the student's sessions, newest first.
func (s *StudentService) History(ctx domain.Context, studentID string) ([]HistoryEntry, error) {
	sessions, err := s.Sessions.ListByStudent(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("op=student.History: %w", err)
	}
	out := make([]HistoryEntry, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, HistoryEntry{
			SessionID:         session.ID,
			PoolID:            session.PoolID,
			Status:            string(session.Status),
			QuestionsAnswered: session.QuestionsAnswered,
			CorrectCount:      session.CorrectCount,
			Accuracy:          session.Accuracy,
			StartedAt:         session.StartedAt,
			CompletedAt:       session.CompletedAt,
		})
	}
	return out, nil
}

// ProgressView aggregates the student's completed sessions.
type ProgressView struct {
	StudentID      string     `json:"student_id"`
	TestsTaken     int        `json:"tests_taken"`
	TotalQuestions int        `json:"total_questions"`
	MeanAccuracy   float64    `json:"mean_accuracy"`
	FirstActivity  *time.Time `json:"first_activity,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
}

// Progress summarizes completed sessions into coarse study metrics.
func (s *StudentService) Progress(ctx domain.Context, studentID string) (ProgressView, error) {
	sessions, err := s.Sessions.ListByStudent(ctx, studentID)
	if err != nil {
		return ProgressView{}, fmt.Errorf("op=student.Progress: %w", err)
	}

	view := ProgressView{StudentID: studentID}
	var accuracySum float64
	for _, session := range sessions {
		if session.Status != domain.SessionCompleted {
			continue
		}
		view.TestsTaken++
		view.TotalQuestions += session.QuestionsAnswered
		accuracySum += session.Accuracy
		started := session.StartedAt
		if view.FirstActivity == nil || started.Before(*view.FirstActivity) {
			t := started
			view.FirstActivity = &t
		}
		last := session.LastActivity
		if view.LastActivity == nil || last.After(*view.LastActivity) {
			t := last
			view.LastActivity = &t
		}
	}
	if view.TestsTaken > 0 {
		view.MeanAccuracy = accuracySum / float64(view.TestsTaken)
	}
	return view, nil
}
