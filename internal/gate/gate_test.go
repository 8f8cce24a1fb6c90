package gate

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

func TestGate_SpacesDispatches(t *testing.T) {
	g := New("test", WithMinDelay(100*time.Millisecond))

	var mu sync.Mutex
	var starts []time.Time

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return i * 10, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 10, 20}, results, "each submitter receives its own result")
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 100*time.Millisecond)
	}
}

func TestGate_FakeClockSpacing(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept []time.Duration

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleep := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		slept = append(slept, d)
		now = now.Add(d)
	}

	g := New("test", WithMinDelay(time.Second), WithClock(clock, sleep))

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), g, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestGate_NoWaitWhenSpacingAlreadyElapsed(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var slept []time.Duration

	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleep := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		slept = append(slept, d)
	}

	g := New("test", WithMinDelay(time.Second), WithClock(clock, sleep))

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		mu.Lock()
		now = now.Add(3 * time.Second)
		mu.Unlock()
		return 1, nil
	})
	require.NoError(t, err)

	_, err = Do(context.Background(), g, func(ctx context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, slept)
}

func TestGate_FIFOOrder(t *testing.T) {
	g := New("test", WithMinDelay(0))

	release := make(chan struct{})
	var order []int
	var mu sync.Mutex

	// Block the gate so the following submissions queue up behind it.
	first := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
			close(first)
			<-release
			return 0, nil
		})
	}()
	<-first

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return i, nil
			})
		}(i)
		require.Eventually(t, func() bool { return g.Stats().Depth == i }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestGate_FailureIsolatedFromSiblings(t *testing.T) {
	g := New("test", WithMinDelay(0))
	boom := errors.New("boom")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	vals := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vals[i], errs[i] = Do(context.Background(), g, func(ctx context.Context) (string, error) {
				if i == 1 {
					return "", boom
				}
				return fmt.Sprintf("ok-%d", i), nil
			})
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
	assert.Equal(t, "ok-0", vals[0])
	assert.Equal(t, "ok-2", vals[2])
}

func TestGate_PanicIsolated(t *testing.T) {
	g := New("test", WithMinDelay(0))

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanic)

	v, err := Do(context.Background(), g, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestGate_OneInFlight(t *testing.T) {
	g := New("test", WithMinDelay(0))

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return 0, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	require.Eventually(t, func() bool { return g.Stats().State == StateIdle }, time.Second, time.Millisecond)
}

func TestGate_CancelledBeforeDispatchSkipsOp(t *testing.T) {
	g := New("test", WithMinDelay(0))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Do(context.Background(), g, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, g, func(ctx context.Context) (int, error) {
			ran.Store(true)
			return 1, nil
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().Depth == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	// A later submission proves the drain loop moved past the cancelled entry.
	v, err := Do(context.Background(), g, func(ctx context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.False(t, ran.Load())
}

func TestGate_ReturnsToIdle(t *testing.T) {
	g := New("test", WithMinDelay(0))
	assert.Equal(t, StateIdle, g.Stats().State)

	_, err := Do(context.Background(), g, func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := g.Stats()
		return s.State == StateIdle && s.Depth == 0 && !s.Running
	}, time.Second, time.Millisecond)
}
