// Package questionsource implements the Tier-3 adapter: the authoritative
// remote question API. It fetches paginated pools over HTTP and transforms
// the wire format into the canonical domain form.
package questionsource

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/adaptive-testing/internal/adapter/observability"
	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// Defaults applied when the upstream omits item parameters.
const (
	defaultDifficulty     = 0.5
	defaultDiscrimination = 1.0
	defaultGuessing       = 0.25
)

var defaultConcepts = []float64{1, 0, 0, 0, 0}

// Client fetches question pools from the remote hierarchy API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
}

// New constructs a Client. The page size bounds each fetch; the timeout
// bounds every HTTP round trip.
func New(baseURL, apiKey string, timeout time.Duration, pageSize int) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// wireQuestion is the upstream item shape; q_vector becomes Concepts.
type wireQuestion struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Options        []string  `json:"options"`
	CorrectAnswer  string    `json:"correct_answer"`
	QVector        []float64 `json:"q_vector"`
	Difficulty     *float64  `json:"difficulty"`
	Discrimination *float64  `json:"discrimination"`
	Guessing       *float64  `json:"guessing"`
	TopicID        string    `json:"topic_id"`
	ChapterID      string    `json:"chapter_id"`
	SubjectID      string    `json:"subject_id"`
	ClassID        string    `json:"class_id"`
	ExamID         string    `json:"exam_id"`
}

type wirePagination struct {
	Page       int  `json:"page"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

type wirePage struct {
	Level          string             `json:"level"`
	LevelID        string             `json:"level_id"`
	AttributeCount int                `json:"attribute_count"`
	Attributes     []domain.Attribute `json:"attributes"`
	Questions      []wireQuestion     `json:"questions"`
	Pagination     wirePagination     `json:"pagination"`
}

// FetchPool retrieves the pool for (level, levelID). With fetchAllPages the
// remaining pages are concatenated after page 1; a mid-run page failure
// returns whatever was gathered with a warning rather than failing the pool.
func (c *Client) FetchPool(ctx domain.Context, level, levelID string, fetchAllPages bool) (*domain.QuestionPool, error) {
	first, err := c.fetchPage(ctx, level, levelID, 1)
	if err != nil {
		return nil, fmt.Errorf("op=questionsource.FetchPool: %w", err)
	}

	pool := &domain.QuestionPool{
		ID:             domain.PoolID(level, levelID),
		Level:          level,
		LevelID:        levelID,
		Attributes:     first.Attributes,
		AttributeCount: first.AttributeCount,
		Source:         domain.SourceExternal,
		FetchedAt:      time.Now().UTC(),
	}
	for _, wq := range first.Questions {
		pool.Questions = append(pool.Questions, transform(wq))
	}

	if fetchAllPages && first.Pagination.TotalPages > 1 {
		for page := 2; page <= first.Pagination.TotalPages; page++ {
			next, err := c.fetchPage(ctx, level, levelID, page)
			if err != nil {
				slog.Warn("partial pool fetch; returning gathered pages",
					slog.String("pool_id", pool.ID),
					slog.Int("failed_page", page),
					slog.Int("total_pages", first.Pagination.TotalPages),
					slog.Any("error", err))
				break
			}
			for _, wq := range next.Questions {
				pool.Questions = append(pool.Questions, transform(wq))
			}
		}
	}

	pool.TotalQuestions = len(pool.Questions)
	slog.Info("fetched pool from external api",
		slog.String("pool_id", pool.ID),
		slog.Int("questions", pool.TotalQuestions))
	return pool, nil
}

// fetchPage retrieves one page with retries. 4xx responses are permanent;
// everything else retries a couple of times with exponential backoff.
func (c *Client) fetchPage(ctx domain.Context, level, levelID string, page int) (*wirePage, error) {
	url := fmt.Sprintf("%s/api/hierarchy/%s/%s/questions/enhanced?page=%d&page_size=%d",
		c.baseURL, level, levelID, page, c.pageSize)

	var out *wirePage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		req.Header.Set("Accept", "application/json")

		observability.ExternalAPICalls.Inc()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrUpstreamError, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", domain.ErrUpstreamError, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var p wirePage
		if err := json.Unmarshal(body, &p); err != nil {
			return backoff.Permanent(fmt.Errorf("decode page: %w", err))
		}
		out = &p
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return out, nil
}

// transform maps a wire item to the canonical form, applying defaults for
// missing parameters.
func transform(wq wireQuestion) domain.Question {
	q := domain.Question{
		ID:             wq.ID,
		Content:        wq.Content,
		Options:        wq.Options,
		CorrectAnswer:  wq.CorrectAnswer,
		Concepts:       wq.QVector,
		Difficulty:     defaultDifficulty,
		Discrimination: defaultDiscrimination,
		Guessing:       defaultGuessing,
		TopicID:        wq.TopicID,
		ChapterID:      wq.ChapterID,
		SubjectID:      wq.SubjectID,
		ClassID:        wq.ClassID,
		ExamID:         wq.ExamID,
	}
	if len(q.Concepts) == 0 {
		q.Concepts = append([]float64(nil), defaultConcepts...)
	}
	if wq.Difficulty != nil {
		q.Difficulty = *wq.Difficulty
	}
	if wq.Discrimination != nil {
		q.Discrimination = *wq.Discrimination
	}
	if wq.Guessing != nil {
		q.Guessing = *wq.Guessing
	}
	return q
}
