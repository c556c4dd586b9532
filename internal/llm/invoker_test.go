package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = 5 * time.Second
	tick    = 2 * time.Millisecond
)

type dispatchLog struct {
	mu    sync.Mutex
	times []time.Time
}

func (d *dispatchLog) record(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.times = append(d.times, t)
}

func (d *dispatchLog) snapshot() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func newTestInvoker(t *testing.T, policy RetryPolicy, minInterval time.Duration) (*Invoker, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	inv := NewInvoker("test",
		WithInvokerClock(clk),
		WithMinInterval(minInterval),
		WithCallTimeout(0),
		WithRetryPolicy(policy),
	)
	t.Cleanup(inv.Close)
	return inv, clk
}

// driveUntil advances the fake clock in small steps until cond holds.
func driveUntil(t *testing.T, clk *testclock.FakeClock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		// only move time while something waits on it, so a dispatched call
		// observes the instant it was released at
		if clk.HasWaiters() {
			clk.Step(step)
		}
		return cond()
	}, waitFor, tick)
}

func TestInvoker_ConcurrentCallsRespectMinInterval(t *testing.T) {
	const (
		callers  = 6
		interval = 12 * time.Second
	)
	inv, clk := newTestInvoker(t, RetryPolicy{MaxAttempts: 1}, interval)

	var log dispatchLog
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- inv.Invoke(context.Background(), "grade", func(ctx context.Context) error {
				log.record(clk.Now())
				return nil
			})
		}()
	}

	driveUntil(t, clk, time.Second, func() bool { return len(log.snapshot()) == callers })
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	times := log.snapshot()
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval, "dispatch %d", i)
	}
}

func TestInvoker_RateLimitDelaysEveryCaller(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, RateLimitDelay: 30 * time.Second}
	inv, clk := newTestInvoker(t, policy, 0)
	start := clk.Now()

	var log dispatchLog
	var first int32
	errA := make(chan error, 1)
	go func() {
		errA <- inv.Invoke(context.Background(), "a", func(ctx context.Context) error {
			log.record(clk.Now())
			if atomic.CompareAndSwapInt32(&first, 0, 1) {
				return &ModelError{Kind: RateLimited, StatusCode: 429, RetryAfter: 45 * time.Second}
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, waitFor, tick)

	errB := make(chan error, 1)
	go func() {
		errB <- inv.Invoke(context.Background(), "b", func(ctx context.Context) error {
			log.record(clk.Now())
			return nil
		})
	}()

	driveUntil(t, clk, time.Second, func() bool { return len(log.snapshot()) == 3 })
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)

	for _, at := range log.snapshot()[1:] {
		assert.GreaterOrEqual(t, at.Sub(start), 45*time.Second)
	}
}

func TestInvoker_TransientRetriesThenExhausts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}
	inv, clk := newTestInvoker(t, policy, 0)

	var calls int32
	boom := &ModelError{Kind: Transient, StatusCode: 503, Err: errors.New("overloaded")}
	done := make(chan error, 1)
	go func() {
		done <- inv.Invoke(context.Background(), "solution", func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return boom
		})
	}()

	var err error
	driveUntil(t, clk, time.Second, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInvoker_TerminalErrorIsNotRetried(t *testing.T) {
	inv, _ := newTestInvoker(t, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, 0)

	var calls int32
	bad := NewTerminal("test", errors.New("invalid api key"))
	err := inv.Invoke(context.Background(), "rubric", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return bad
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, bad)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInvoker_CallTimeoutIsTransient(t *testing.T) {
	clk := testclock.NewFakeClock(time.Now())
	inv := NewInvoker("slow",
		WithInvokerClock(clk),
		WithMinInterval(0),
		WithCallTimeout(300*time.Second),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}),
	)
	defer inv.Close()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- inv.Invoke(context.Background(), "evaluation", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	clk.Step(300 * time.Second)

	err := <-done
	assert.ErrorIs(t, err, ErrCallTimeout)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var me *ModelError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, Transient, me.Kind)
}

func TestInvoker_CancelledCallerIsSkipped(t *testing.T) {
	inv, clk := newTestInvoker(t, RetryPolicy{MaxAttempts: 1}, 12*time.Second)

	require.NoError(t, inv.Invoke(context.Background(), "warmup", func(ctx context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	var ran int32
	done := make(chan error, 1)
	go func() {
		done <- inv.Invoke(ctx, "abandoned", func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}()
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	clk.Step(time.Minute)
	assert.Never(t, func() bool { return atomic.LoadInt32(&ran) > 0 }, 30*time.Millisecond, tick)
}

func TestInvokeWithPolicy_ReturnsValue(t *testing.T) {
	inv, _ := newTestInvoker(t, RetryPolicy{MaxAttempts: 1}, 0)
	got, err := InvokeWithPolicy(context.Background(), inv, "n", func(ctx context.Context) (int, error) {
		return 42, nil
	}, inv.Policy())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestInvoker_CloseRejectsNewCalls(t *testing.T) {
	inv := NewInvoker("closed", WithMinInterval(0))
	inv.Close()
	err := inv.Invoke(context.Background(), "late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrInvokerClosed)
}

func TestInvoker_CloseCancelsInFlightCall(t *testing.T) {
	inv := NewInvoker("inflight", WithMinInterval(0), WithCallTimeout(time.Hour))

	started := make(chan struct{})
	var sawCancel atomic.Bool
	result := make(chan error, 1)
	go func() {
		result <- inv.Invoke(context.Background(), "slow", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return ctx.Err()
		})
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		inv.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on the call in flight")
	}

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrInvokerClosed)
	case <-time.After(waitFor):
		t.Fatal("caller never returned")
	}
	require.Eventually(t, sawCancel.Load, waitFor, tick)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 15 * time.Second, MaxDelay: time.Minute, RateLimitDelay: 30 * time.Second}

	assert.Equal(t, 15*time.Second, p.Delay(1, Transient, 0))
	assert.Equal(t, 30*time.Second, p.Delay(2, Transient, 0))
	assert.Equal(t, time.Minute, p.Delay(3, Transient, 0))
	assert.Equal(t, time.Minute, p.Delay(10, Transient, 0))

	assert.Equal(t, 30*time.Second, p.Delay(1, RateLimited, 0))
	assert.Equal(t, 30*time.Second, p.Delay(1, RateLimited, 11*time.Second))
	assert.Equal(t, 90*time.Second, p.Delay(1, RateLimited, 90*time.Second))
}
