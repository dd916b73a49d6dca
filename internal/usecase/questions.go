package usecase

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// QuestionService handles the manual upload path. Uploaded pools live in the
// "upload_" namespace, disjoint from hierarchy pool ids.
type QuestionService struct {
	Cache *CacheService
}

// NewQuestionService constructs a QuestionService over the cache manager.
func NewQuestionService(cache *CacheService) *QuestionService {
	return &QuestionService{Cache: cache}
}

// UploadQuestion is the wire shape of one uploaded item. Parameters are
// pointers so omitted fields take the documented defaults.
type UploadQuestion struct {
	ID             string    `json:"id" validate:"required"`
	Content        string    `json:"content" validate:"required"`
	Options        []string  `json:"options" validate:"required,min=2"`
	CorrectAnswer  string    `json:"correct_answer" validate:"required"`
	Concepts       []float64 `json:"concepts"`
	Difficulty     *float64  `json:"difficulty"`
	Discrimination *float64  `json:"discrimination"`
	Guessing       *float64  `json:"guessing"`
}

// Upload validates and persists a batch of questions as a new pool in both
// cache tiers, returning the generated pool id.
func (s *QuestionService) Upload(ctx domain.Context, items []UploadQuestion) (string, int, error) {
	if len(items) == 0 {
		return "", 0, fmt.Errorf("op=questions.Upload: %w: questions required", domain.ErrInvalidArgument)
	}

	poolID := "upload_" + uuid.NewString()
	pool := &domain.QuestionPool{
		ID:        poolID,
		Level:     domain.SourceUpload,
		LevelID:   poolID,
		Source:    domain.SourceUpload,
		FetchedAt: time.Now().UTC(),
	}
	for i, item := range items {
		if item.ID == "" || item.Content == "" || item.CorrectAnswer == "" || len(item.Options) < 2 {
			return "", 0, fmt.Errorf("op=questions.Upload: %w: question %d incomplete", domain.ErrInvalidArgument, i)
		}
		pool.Questions = append(pool.Questions, canonicalQuestion(item))
	}
	pool.TotalQuestions = len(pool.Questions)

	if err := s.Cache.SavePool(ctx, pool); err != nil {
		return "", 0, fmt.Errorf("op=questions.Upload: %w", err)
	}
	return poolID, pool.TotalQuestions, nil
}

// canonicalQuestion applies the transport defaults: difficulty 0.5,
// discrimination 1.0, guessing 0.25, concepts [1,0,0,0,0].
func canonicalQuestion(item UploadQuestion) domain.Question {
	q := domain.Question{
		ID:             item.ID,
		Content:        item.Content,
		Options:        item.Options,
		CorrectAnswer:  item.CorrectAnswer,
		Concepts:       item.Concepts,
		Difficulty:     0.5,
		Discrimination: 1.0,
		Guessing:       0.25,
	}
	if len(q.Concepts) == 0 {
		q.Concepts = []float64{1, 0, 0, 0, 0}
	}
	if item.Difficulty != nil {
		q.Difficulty = *item.Difficulty
	}
	if item.Discrimination != nil {
		q.Discrimination = *item.Discrimination
	}
	if item.Guessing != nil {
		q.Guessing = *item.Guessing
	}
	return q
}
