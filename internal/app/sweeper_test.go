package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls atomic.Int32
	swept chan struct{}
}

func (c *countingCleaner) CleanupInactive(context.Context, time.Duration) (int, error) {
	c.calls.Add(1)
	select {
	case c.swept <- struct{}{}:
	default:
	}
	return 2, nil
}

func TestSweeper_RunsImmediatelyAndStops(t *testing.T) {
	cleaner := &countingCleaner{swept: make(chan struct{}, 1)}
	sw := NewSessionSweeper(cleaner, time.Hour, time.Minute)
	require.NotNil(t, sw)

	sw.Start(context.Background())
	select {
	case <-cleaner.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep never ran")
	}
	sw.Stop()
	assert.GreaterOrEqual(t, cleaner.calls.Load(), int32(1))
}

func TestSweeper_StartIdempotent(t *testing.T) {
	cleaner := &countingCleaner{swept: make(chan struct{}, 1)}
	sw := NewSessionSweeper(cleaner, time.Hour, time.Minute)

	sw.Start(context.Background())
	sw.Start(context.Background()) // second call is a no-op
	<-cleaner.swept
	sw.Stop()
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestSweeper_StopIdempotent(t *testing.T) {
	cleaner := &countingCleaner{swept: make(chan struct{}, 1)}
	sw := NewSessionSweeper(cleaner, time.Hour, time.Minute)

	sw.Start(context.Background())
	<-cleaner.swept
	sw.Stop()
	sw.Stop() // second call must not panic on the stop channel
}

func TestSweeper_NilCleaner(t *testing.T) {
	sw := NewSessionSweeper(nil, time.Minute, time.Minute)
	assert.Nil(t, sw)
	sw.Start(context.Background()) // nil receiver safe
	sw.Stop()
}

func TestSweeper_ContextCancelStopsLoop(t *testing.T) {
	cleaner := &countingCleaner{swept: make(chan struct{}, 1)}
	sw := NewSessionSweeper(cleaner, time.Hour, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	sw.Start(ctx)
	<-cleaner.swept
	cancel()
	select {
	case <-sw.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not exit on context cancel")
	}
}
