package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConstructsOnceUnderConcurrency(t *testing.T) {
	const callers = 64
	var (
		wg   sync.WaitGroup
		seen = make([]*Runtime, callers)
		ran  atomic.Int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rt, err := Init(Config{Workers: 1 + i%8})
			if !assert.NoError(t, err) {
				return
			}
			seen[i] = rt
			assert.NoError(t, rt.Do(context.Background(), "count", func(context.Context) error {
				ran.Add(1)
				return nil
			}))
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, seen[0], seen[i])
	}
	assert.Equal(t, int64(1), Constructed())
	assert.Equal(t, int64(callers), ran.Load())

	rt, err := Shared()
	require.NoError(t, err)
	assert.Same(t, seen[0], rt)
	assert.Equal(t, int64(1), Constructed())
}

func TestPanicIsIsolatedToItsTask(t *testing.T) {
	rt, err := Shared()
	require.NoError(t, err)
	ctx := context.Background()

	bad, err := rt.Submit(ctx, "explode", func(context.Context) error {
		panic("backend exploded")
	})
	require.NoError(t, err)
	good, err := rt.Submit(ctx, "fine", func(context.Context) error { return nil })
	require.NoError(t, err)

	err = bad.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskPanic)
	assert.Contains(t, err.Error(), "backend exploded")
	assert.NoError(t, good.Wait(ctx))

	// The runtime keeps serving after the panic.
	assert.NoError(t, rt.Do(ctx, "after", func(context.Context) error { return nil }))
	assert.GreaterOrEqual(t, rt.Stats().Panics, int64(1))
}

func TestSubmitReturnsTaskError(t *testing.T) {
	rt, err := Shared()
	require.NoError(t, err)
	want := errors.New("upstream 503")

	h, err := rt.Submit(context.Background(), "fail", func(context.Context) error { return want })
	require.NoError(t, err)
	<-h.Done()
	assert.ErrorIs(t, h.Err(), want)
	assert.Equal(t, "fail", h.Name())
}

func TestSubmitSkipsCancelledContext(t *testing.T) {
	rt, err := Shared()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called atomic.Bool
	h, err := rt.Submit(ctx, "late", func(context.Context) error {
		called.Store(true)
		return nil
	})
	require.NoError(t, err)
	<-h.Done()
	assert.ErrorIs(t, h.Err(), context.Canceled)
	assert.False(t, called.Load())
}

func TestWaitHonoursContextWithoutAbortingTask(t *testing.T) {
	rt, err := Shared()
	require.NoError(t, err)
	release := make(chan struct{})

	h, err := rt.Submit(context.Background(), "slow", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
	assert.Nil(t, h.Err(), "task still running")

	close(release)
	assert.NoError(t, h.Wait(context.Background()))
}

func TestWorkersBoundConcurrency(t *testing.T) {
	rt, err := newRuntime(Config{Workers: 2})
	require.NoError(t, err)
	defer func() { _ = rt.Shutdown(time.Second) }()

	var (
		cur, peak atomic.Int64
		handles   []*Handle
	)
	for i := 0; i < 10; i++ {
		h, err := rt.Submit(context.Background(), "busy", func(context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 2, rt.Stats().Workers)
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	rt, err := newRuntime(Config{Workers: 1})
	require.NoError(t, err)

	var finished atomic.Bool
	_, err = rt.Submit(context.Background(), "drain", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(time.Second))
	assert.True(t, finished.Load(), "in-flight task allowed to drain")

	_, err = rt.Submit(context.Background(), "rejected", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, rt.Shutdown(time.Second))
}

func TestNewRuntimeInitFailure(t *testing.T) {
	_, err := newRuntime(Config{IdleExpiry: -time.Second})
	assert.ErrorIs(t, err, ErrRuntimeInit)
}
