package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// SessionRepo persists the canonical test session rows. The hot store's copy
// is only a projection of these.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

const sessionColumns = `id, student_id, pool_id, status, initial_proficiency, current_proficiency,
	concept_names, end_criteria, questions_answered, correct_count, accuracy,
	started_at, last_activity, completed_at`

// Create inserts a new active session row.
func (r *SessionRepo) Create(ctx domain.Context, s domain.Session) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()

	startedAt := s.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	lastActivity := s.LastActivity
	if lastActivity.IsZero() {
		lastActivity = startedAt
	}
	q := `INSERT INTO test_sessions
		(id, student_id, pool_id, status, initial_proficiency, current_proficiency,
		 concept_names, end_criteria, questions_answered, correct_count, accuracy,
		 started_at, last_activity)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.Pool.Exec(ctx, q,
		s.ID, s.StudentID, s.PoolID, s.Status, s.InitialProficiency, s.CurrentProficiency,
		s.ConceptNames, s.EndCriteria, s.QuestionsAnswered, s.CorrectCount, s.Accuracy,
		startedAt, lastActivity)
	if err != nil {
		return fmt.Errorf("op=sessions.create: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (r *SessionRepo) Get(ctx domain.Context, id string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM test_sessions WHERE id=$1`, id)
	s, err := scanSession(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=sessions.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=sessions.get: %w", err)
	}
	return s, nil
}

// UpdateActivity refreshes the activity timestamp after every submit.
func (r *SessionRepo) UpdateActivity(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.UpdateActivity")
	defer span.End()

	if _, err := r.Pool.Exec(ctx, `UPDATE test_sessions SET last_activity=$2 WHERE id=$1`, id, at); err != nil {
		return fmt.Errorf("op=sessions.update_activity: %w", err)
	}
	return nil
}

// Complete finalizes the row with the authoritative totals.
func (r *SessionRepo) Complete(ctx domain.Context, id string, final []float64, total, correct int, accuracy float64, at time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Complete")
	defer span.End()

	q := `UPDATE test_sessions
		SET status=$2, current_proficiency=$3, questions_answered=$4, correct_count=$5,
		    accuracy=$6, completed_at=$7, last_activity=$7
		WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, domain.SessionCompleted, final, total, correct, accuracy, at); err != nil {
		return fmt.Errorf("op=sessions.complete: %w", err)
	}
	return nil
}

// ListByStudent returns the student's sessions, newest first.
func (r *SessionRepo) ListByStudent(ctx domain.Context, studentID string) ([]domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ListByStudent")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions WHERE student_id=$1 ORDER BY started_at DESC`, studentID)
	if err != nil {
		return nil, fmt.Errorf("op=sessions.list_by_student: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("op=sessions.list_by_student: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=sessions.list_by_student: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.StudentID, &s.PoolID, &s.Status, &s.InitialProficiency, &s.CurrentProficiency,
		&s.ConceptNames, &s.EndCriteria, &s.QuestionsAnswered, &s.CorrectCount, &s.Accuracy,
		&s.StartedAt, &s.LastActivity, &s.CompletedAt)
	return s, err
}
