// Package postgres provides the Tier-2 warm store adapters.
//
// It owns the canonical form of students, proficiency records, sessions,
// responses and cached question pools. All SQL lives here; pgx jsonb codecs
// carry the vector-valued columns.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// StudentRepo persists students and their per-concept proficiency records.
type StudentRepo struct{ Pool PgxPool }

// NewStudentRepo constructs a StudentRepo with the given pool.
func NewStudentRepo(p PgxPool) *StudentRepo { return &StudentRepo{Pool: p} }

// GetOrCreate returns the student row, creating it together with one
// 0.5-valued proficiency record per concept when the student is new. The
// initialization is transactional and tolerant of a concurrent first sight.
func (r *StudentRepo) GetOrCreate(ctx domain.Context, studentID string, conceptNames []string) (domain.Student, error) {
	tracer := otel.Tracer("repo.students")
	ctx, span := tracer.Start(ctx, "students.GetOrCreate")
	defer span.End()

	var s domain.Student
	err := r.Pool.QueryRow(ctx, `SELECT id, created_at FROM students WHERE id=$1`, studentID).
		Scan(&s.ID, &s.CreatedAt)
	if err == nil {
		return s, nil
	}
	if err != pgx.ErrNoRows {
		return domain.Student{}, fmt.Errorf("op=students.get_or_create: %w", err)
	}

	now := time.Now().UTC()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Student{}, fmt.Errorf("op=students.get_or_create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO students (id, created_at) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`,
		studentID, now); err != nil {
		return domain.Student{}, fmt.Errorf("op=students.get_or_create: %w", err)
	}
	for _, name := range conceptNames {
		if _, err := tx.Exec(ctx,
			`INSERT INTO student_proficiencies (student_id, concept_name, proficiency_value, confidence, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$5) ON CONFLICT (student_id, concept_name) DO NOTHING`,
			studentID, name, 0.5, 0.0, now); err != nil {
			return domain.Student{}, fmt.Errorf("op=students.get_or_create: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Student{}, fmt.Errorf("op=students.get_or_create: %w", err)
	}
	return domain.Student{ID: studentID, CreatedAt: now}, nil
}

// Proficiencies returns the student's records ordered by concept name.
func (r *StudentRepo) Proficiencies(ctx domain.Context, studentID string) ([]domain.ProficiencyRecord, error) {
	tracer := otel.Tracer("repo.students")
	ctx, span := tracer.Start(ctx, "students.Proficiencies")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT student_id, concept_name, proficiency_value, confidence, updated_at
		 FROM student_proficiencies WHERE student_id=$1 ORDER BY concept_name`, studentID)
	if err != nil {
		return nil, fmt.Errorf("op=students.proficiencies: %w", err)
	}
	defer rows.Close()

	var recs []domain.ProficiencyRecord
	for rows.Next() {
		var rec domain.ProficiencyRecord
		if err := rows.Scan(&rec.StudentID, &rec.ConceptName, &rec.Value, &rec.Confidence, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=students.proficiencies: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=students.proficiencies: %w", err)
	}
	return recs, nil
}

// UpsertProficiency writes one record atomically; concurrent sessions for the
// same student cannot interleave a read-modify-write here.
func (r *StudentRepo) UpsertProficiency(ctx domain.Context, rec domain.ProficiencyRecord) error {
	tracer := otel.Tracer("repo.students")
	ctx, span := tracer.Start(ctx, "students.UpsertProficiency")
	defer span.End()

	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO student_proficiencies (student_id, concept_name, proficiency_value, confidence, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$5)
		 ON CONFLICT (student_id, concept_name)
		 DO UPDATE SET proficiency_value=EXCLUDED.proficiency_value, confidence=EXCLUDED.confidence, updated_at=EXCLUDED.updated_at`,
		rec.StudentID, rec.ConceptName, rec.Value, rec.Confidence, at)
	if err != nil {
		return fmt.Errorf("op=students.upsert_proficiency: %w", err)
	}
	return nil
}
