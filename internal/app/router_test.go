package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	httpserver "github.com/fairyhunter13/adaptive-testing/internal/adapter/httpserver"
	"github.com/fairyhunter13/adaptive-testing/internal/config"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func TestBuildRouter_HealthAndHeaders(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 100}
	srv := &httpserver.Server{Cfg: cfg}
	h := BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type pingOK struct{}

func (pingOK) Ping(context.Context) error { return nil }

type redisPing struct{ err error }

func (p redisPing) Err() error { return p.err }

type redisOK struct{ err error }

func (r redisOK) Ping(context.Context) RedisPingResult { return redisPing{err: r.err} }

func TestBuildReadinessChecks(t *testing.T) {
	ctx := context.Background()

	dbCheck, redisCheck := BuildReadinessChecks(pingOK{}, redisOK{})
	assert.NoError(t, dbCheck(ctx))
	assert.NoError(t, redisCheck(ctx))

	dbCheck, redisCheck = BuildReadinessChecks(nil, nil)
	assert.Error(t, dbCheck(ctx))
	assert.Error(t, redisCheck(ctx))

	_, redisCheck = BuildReadinessChecks(pingOK{}, redisOK{err: errors.New("down")})
	assert.Error(t, redisCheck(ctx))
}
