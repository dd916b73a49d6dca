package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// PoolRepo is the Tier-2 pool cache: durable snapshots with an expires_at
// column instead of a TTL. Expired rows self-evict on read.
type PoolRepo struct{ Pool PgxPool }

// NewPoolRepo constructs a PoolRepo with the given pool.
func NewPoolRepo(p PgxPool) *PoolRepo { return &PoolRepo{Pool: p} }

// Get reconstructs a cached pool snapshot. Expired rows are deleted and
// reported as domain.ErrNotFound so the waterfall falls through to Tier 3.
func (r *PoolRepo) Get(ctx domain.Context, poolID string) (*domain.QuestionPool, error) {
	tracer := otel.Tracer("repo.pools")
	ctx, span := tracer.Start(ctx, "pools.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "question_pools"),
	)

	p := &domain.QuestionPool{}
	err := r.Pool.QueryRow(ctx,
		`SELECT id, level, level_id, attributes, attribute_count, total_questions, source, fetched_at, expires_at
		 FROM question_pools WHERE id=$1`, poolID).
		Scan(&p.ID, &p.Level, &p.LevelID, &p.Attributes, &p.AttributeCount, &p.TotalQuestions,
			&p.Source, &p.FetchedAt, &p.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=pools.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=pools.get: %w", err)
	}

	if time.Now().UTC().After(p.ExpiresAt) {
		if err := r.Delete(ctx, poolID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("op=pools.get: expired: %w", domain.ErrNotFound)
	}

	questions, err := r.questionsByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	p.Questions = questions
	p.Source = domain.SourceSupabase
	return p, nil
}

// Save upserts the pool row and replaces its question rows in one
// transaction. The ttl becomes the row's expires_at.
func (r *PoolRepo) Save(ctx domain.Context, p *domain.QuestionPool, ttl time.Duration) error {
	tracer := otel.Tracer("repo.pools")
	ctx, span := tracer.Start(ctx, "pools.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "question_pools"),
		attribute.Int("pool.questions", len(p.Questions)),
	)

	now := time.Now().UTC()
	fetchedAt := p.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}
	expiresAt := now.Add(ttl)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=pools.save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO question_pools (id, level, level_id, attributes, attribute_count, total_questions, source, fetched_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
		   level=EXCLUDED.level, level_id=EXCLUDED.level_id, attributes=EXCLUDED.attributes,
		   attribute_count=EXCLUDED.attribute_count, total_questions=EXCLUDED.total_questions,
		   source=EXCLUDED.source, fetched_at=EXCLUDED.fetched_at, expires_at=EXCLUDED.expires_at`,
		p.ID, p.Level, p.LevelID, p.Attributes, p.AttributeCount, p.TotalQuestions,
		p.Source, fetchedAt, expiresAt); err != nil {
		return fmt.Errorf("op=pools.save: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE pool_id=$1`, p.ID); err != nil {
		return fmt.Errorf("op=pools.save: %w", err)
	}
	for i, q := range p.Questions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO questions (id, pool_id, position, content, options, correct_answer, concepts,
			   difficulty, discrimination, guessing, topic_id, chapter_id, subject_id, class_id, exam_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			q.ID, p.ID, i, q.Content, q.Options, q.CorrectAnswer, q.Concepts,
			q.Difficulty, q.Discrimination, q.Guessing, q.TopicID, q.ChapterID, q.SubjectID, q.ClassID, q.ExamID); err != nil {
			return fmt.Errorf("op=pools.save: question %s: %w", q.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=pools.save: %w", err)
	}
	return nil
}

// Delete removes the pool row; question rows go with it via cascade.
func (r *PoolRepo) Delete(ctx domain.Context, poolID string) error {
	tracer := otel.Tracer("repo.pools")
	ctx, span := tracer.Start(ctx, "pools.Delete")
	defer span.End()

	if _, err := r.Pool.Exec(ctx, `DELETE FROM question_pools WHERE id=$1`, poolID); err != nil {
		return fmt.Errorf("op=pools.delete: %w", err)
	}
	return nil
}

// QuestionByID finds one item regardless of which pool carries it.
func (r *PoolRepo) QuestionByID(ctx domain.Context, questionID string) (domain.Question, error) {
	tracer := otel.Tracer("repo.pools")
	ctx, span := tracer.Start(ctx, "pools.QuestionByID")
	defer span.End()

	row := r.Pool.QueryRow(ctx,
		`SELECT id, content, options, correct_answer, concepts, difficulty, discrimination, guessing,
		   topic_id, chapter_id, subject_id, class_id, exam_id
		 FROM questions WHERE id=$1 LIMIT 1`, questionID)
	q, err := scanQuestion(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Question{}, fmt.Errorf("op=pools.question_by_id: %w", domain.ErrNotFound)
		}
		return domain.Question{}, fmt.Errorf("op=pools.question_by_id: %w", err)
	}
	return q, nil
}

func (r *PoolRepo) questionsByPool(ctx domain.Context, poolID string) ([]domain.Question, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, content, options, correct_answer, concepts, difficulty, discrimination, guessing,
		   topic_id, chapter_id, subject_id, class_id, exam_id
		 FROM questions WHERE pool_id=$1 ORDER BY position ASC`, poolID)
	if err != nil {
		return nil, fmt.Errorf("op=pools.questions_by_pool: %w", err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("op=pools.questions_by_pool: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pools.questions_by_pool: %w", err)
	}
	return out, nil
}

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var q domain.Question
	err := row.Scan(&q.ID, &q.Content, &q.Options, &q.CorrectAnswer, &q.Concepts,
		&q.Difficulty, &q.Discrimination, &q.Guessing,
		&q.TopicID, &q.ChapterID, &q.SubjectID, &q.ClassID, &q.ExamID)
	return q, err
}
