package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumePool_RunsTask(t *testing.T) {
	pool := NewResumePool(2, PoolHooks{})
	defer pool.Close()

	var ran atomic.Int64
	started, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, started)
	pool.Wait()

	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(1), pool.Stats().Completed)
	assert.Equal(t, 2, pool.Size())
	assert.False(t, pool.Busy("r1"))
}

func TestResumePool_OneTaskPerRun(t *testing.T) {
	pool := NewResumePool(4, PoolHooks{})
	defer pool.Close()

	block := make(chan struct{})
	started, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.True(t, started)
	assert.True(t, pool.Busy("r1"))

	again, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		t.Error("second task for the same run must not start")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, again)
	assert.Equal(t, int64(1), pool.Stats().Skipped)

	other, err := pool.Go(context.Background(), "r2", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, other, "other runs are unaffected")

	close(block)
	pool.Wait()

	started, err = pool.Go(context.Background(), "r1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, started, "run is free again once its task returned")
	pool.Wait()
}

func TestResumePool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewResumePool(size, PoolHooks{})
	defer pool.Close()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		_, err := pool.Go(context.Background(), fmt.Sprintf("r%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Positive(t, peak)
}

func TestResumePool_BlocksWhileFull(t *testing.T) {
	pool := NewResumePool(1, PoolHooks{})
	defer pool.Close()

	running := make(chan struct{})
	block := make(chan struct{})
	_, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		close(running)
		<-block
		return nil
	})
	require.NoError(t, err)
	<-running

	submitted := make(chan struct{})
	go func() {
		_, _ = pool.Go(context.Background(), "r2", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("second task should wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("second task never got a slot")
	}
	pool.Wait()
}

func TestResumePool_CancelWhileWaiting(t *testing.T) {
	pool := NewResumePool(1, PoolHooks{})
	defer pool.Close()

	block := make(chan struct{})
	_, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Go(ctx, "r2", func(ctx context.Context) error { return nil })
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Go did not return after cancellation")
	}
	assert.False(t, pool.Busy("r2"), "abandoned run is released")

	close(block)
	pool.Wait()
}

func TestResumePool_PanicIsContained(t *testing.T) {
	var (
		mu       sync.Mutex
		panicked []string
	)
	pool := NewResumePool(2, PoolHooks{Panic: func(runID string, _ any) {
		mu.Lock()
		panicked = append(panicked, runID)
		mu.Unlock()
	}})
	defer pool.Close()

	_, err := pool.Go(context.Background(), "r1", func(ctx context.Context) error {
		panic("resume blew up")
	})
	require.NoError(t, err)
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Failed)
	mu.Lock()
	assert.Equal(t, []string{"r1"}, panicked)
	mu.Unlock()
	assert.False(t, pool.Busy("r1"))
}

func TestResumePool_CloseDrains(t *testing.T) {
	pool := NewResumePool(2, PoolHooks{})

	var completed atomic.Int64
	for i := 0; i < 5; i++ {
		_, err := pool.Go(context.Background(), fmt.Sprintf("r%d", i), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Close()
	pool.Close()

	assert.Equal(t, int64(5), completed.Load())
	_, err := pool.Go(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestResumePool_StatsAndActiveHook(t *testing.T) {
	var peak atomic.Int64
	pool := NewResumePool(4, PoolHooks{Active: func(active int64) {
		for {
			p := peak.Load()
			if active <= p || peak.CompareAndSwap(p, active) {
				return
			}
		}
	}})
	defer pool.Close()

	boom := errors.New("intentional")
	for i := 0; i < 3; i++ {
		_, err := pool.Go(context.Background(), fmt.Sprintf("ok%d", i), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := pool.Go(context.Background(), fmt.Sprintf("bad%d", i), func(ctx context.Context) error { return boom })
		require.NoError(t, err)
	}
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Zero(t, stats.Active)
	assert.Positive(t, peak.Load())
}
