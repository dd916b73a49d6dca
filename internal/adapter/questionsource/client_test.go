package questionsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

func pageHandler(t *testing.T, totalPages int, failPage int) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == failPage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		diff := 0.2
		resp := map[string]any{
			"level":           "topic",
			"level_id":        "X",
			"attribute_count": 2,
			"attributes": []map[string]any{
				{"name": "Math", "index": 0},
				{"name": "Algebra", "index": 1},
			},
			"questions": []map[string]any{
				{
					"id":             fmt.Sprintf("q%d", page),
					"content":        "2+2?",
					"options":        []string{"3", "4"},
					"correct_answer": "4",
					"q_vector":       []float64{1, 0},
					"difficulty":     diff,
				},
			},
			"pagination": map[string]any{
				"page":        page,
				"total_pages": totalPages,
				"has_more":    page < totalPages,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestFetchPool_SinglePage_TransformDefaults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		resp := map[string]any{
			"level":    "topic",
			"level_id": "X",
			"questions": []map[string]any{
				// no q_vector, no parameters: all defaults apply
				{"id": "q1", "content": "?", "options": []string{"a", "b"}, "correct_answer": "a"},
			},
			"pagination": map[string]any{"page": 1, "total_pages": 1, "has_more": false},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	c := New(ts.URL, "sekrit", 0, 0)
	pool, err := c.FetchPool(context.Background(), "topic", "X", true)
	require.NoError(t, err)

	assert.Equal(t, "topic_X", pool.ID)
	assert.Equal(t, domain.SourceExternal, pool.Source)
	require.Len(t, pool.Questions, 1)
	q := pool.Questions[0]
	assert.Equal(t, []float64{1, 0, 0, 0, 0}, q.Concepts)
	assert.InDelta(t, 0.5, q.Difficulty, 1e-9)
	assert.InDelta(t, 1.0, q.Discrimination, 1e-9)
	assert.InDelta(t, 0.25, q.Guessing, 1e-9)
	assert.Equal(t, 1, pool.TotalQuestions)
}

func TestFetchPool_MergesAllPages(t *testing.T) {
	ts := httptest.NewServer(pageHandler(t, 3, 0))
	defer ts.Close()

	c := New(ts.URL, "", 0, 10)
	pool, err := c.FetchPool(context.Background(), "topic", "X", true)
	require.NoError(t, err)

	require.Len(t, pool.Questions, 3)
	assert.Equal(t, "q1", pool.Questions[0].ID)
	assert.Equal(t, "q3", pool.Questions[2].ID)
	assert.Equal(t, 3, pool.TotalQuestions)
}

func TestFetchPool_SkipsPagingWhenDisabled(t *testing.T) {
	ts := httptest.NewServer(pageHandler(t, 3, 0))
	defer ts.Close()

	c := New(ts.URL, "", 0, 10)
	pool, err := c.FetchPool(context.Background(), "topic", "X", false)
	require.NoError(t, err)
	assert.Len(t, pool.Questions, 1)
}

func TestFetchPool_PartialFailureKeepsGatheredPages(t *testing.T) {
	ts := httptest.NewServer(pageHandler(t, 3, 3))
	defer ts.Close()

	c := New(ts.URL, "", 0, 10)
	pool, err := c.FetchPool(context.Background(), "topic", "X", true)
	require.NoError(t, err)
	assert.Len(t, pool.Questions, 2, "pages before the failure survive")
}

func TestFetchPool_4xxIsPermanent(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(ts.URL, "", 0, 10)
	_, err := c.FetchPool(context.Background(), "topic", "gone", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamError)
	assert.Equal(t, int64(1), calls.Load(), "4xx must not be retried")
}
