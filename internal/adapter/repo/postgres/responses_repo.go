package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// ResponseRepo appends the canonical response history. The unique index on
// (session_id, question_id) backs the at-most-once submission invariant even
// if a submission lock ever expires mid-flight.
type ResponseRepo struct{ Pool PgxPool }

// NewResponseRepo constructs a ResponseRepo with the given pool.
func NewResponseRepo(p PgxPool) *ResponseRepo { return &ResponseRepo{Pool: p} }

// Insert appends one response row; a second row for the same
// (session, question) pair reports domain.ErrDuplicateSubmission.
func (r *ResponseRepo) Insert(ctx domain.Context, rec domain.ResponseRecord) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.Insert")
	defer span.End()

	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO test_responses
		(session_id, student_id, question_id, response, proficiency_before, proficiency_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q,
		rec.SessionID, rec.StudentID, rec.QuestionID, rec.Response,
		rec.ProficiencyBefore, rec.ProficiencyAfter, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("op=responses.insert: %w", domain.ErrDuplicateSubmission)
		}
		return fmt.Errorf("op=responses.insert: %w", err)
	}
	return nil
}

// ListBySession returns the session's responses in submission order. This is
// the canonical history the stopping rule and summary read.
func (r *ResponseRepo) ListBySession(ctx domain.Context, sessionID string) ([]domain.ResponseRecord, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.ListBySession")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT session_id, student_id, question_id, response, proficiency_before, proficiency_after, created_at
		 FROM test_responses WHERE session_id=$1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("op=responses.list_by_session: %w", err)
	}
	defer rows.Close()

	var out []domain.ResponseRecord
	for rows.Next() {
		var rec domain.ResponseRecord
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &rec.QuestionID, &rec.Response,
			&rec.ProficiencyBefore, &rec.ProficiencyAfter, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=responses.list_by_session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=responses.list_by_session: %w", err)
	}
	return out, nil
}
