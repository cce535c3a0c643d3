package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsAndWaits(t *testing.T) {
	d := NewDispatcher()

	var ran int64
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Go(context.Background(), func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&ran, 1)
		}))
	}
	d.Wait()

	assert.Equal(t, int64(5), atomic.LoadInt64(&ran))
	m := d.Metrics()
	assert.Equal(t, int64(0), m.Active)
	assert.Equal(t, int64(5), m.Completed)
}

func TestDispatcher_DetachesCallerCancellation(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	require.NoError(t, d.Go(ctx, func(runCtx context.Context) {
		time.Sleep(20 * time.Millisecond)
		errCh <- runCtx.Err()
	}))
	cancel()
	d.Wait()

	assert.NoError(t, <-errCh)
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Go(context.Background(), func(context.Context) { panic("boom") }))
	d.Wait()

	assert.Equal(t, int64(1), d.Metrics().Panics)
}

func TestDispatcher_ShutdownRejectsNewWork(t *testing.T) {
	d := NewDispatcher()

	release := make(chan struct{})
	require.NoError(t, d.Go(context.Background(), func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, d.Go(context.Background(), func(context.Context) {}), ErrDispatcherShutdown)

	close(release)
	assert.NoError(t, d.Shutdown(context.Background()))
}
