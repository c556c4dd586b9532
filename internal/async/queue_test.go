package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q, err := NewQueue(nil, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q, clk
}

func waitStatus(t *testing.T, q *Queue, id uuid.UUID, want constants.JobStatus) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.GetJobStatus(id)
		return err == nil && job.Status == want
	}, waitFor, tick)
	return job
}

func TestCreateJob_RejectsNestedPayload(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.CreateJob(context.Background(), "grading", Payload{"ids": []string{"a"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = q.CreateJob(context.Background(), " ", Payload{"id": "a"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestCreateJob_FlattensUUIDs(t *testing.T) {
	q, _ := newTestQueue(t)
	id := uuid.New()

	job, err := q.CreateJob(context.Background(), "grading", Payload{"submission_id": id, "generation": int64(3)})
	require.NoError(t, err)

	assert.Equal(t, id.String(), job.Payload["submission_id"])
	got, err := job.Payload.UUID("submission_id")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	gen, ok := job.Payload.Int64("generation")
	assert.True(t, ok)
	assert.Equal(t, int64(3), gen)
	assert.Equal(t, constants.JobWaiting, job.Status)
}

func TestQueue_BuffersUntilProcessorRegistered(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.CreateJob(context.Background(), "rubric", Payload{"n": 1})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		j, _ := q.GetJobStatus(job.ID)
		return j.Status != constants.JobWaiting
	}, 50*time.Millisecond, tick)
	assert.Equal(t, 1, q.Stats()["rubric"].Waiting)

	require.NoError(t, q.RegisterProcessor("rubric", func(ctx context.Context, job Job) error { return nil }))
	done := waitStatus(t, q, job.ID, constants.JobCompleted)
	assert.Equal(t, 1, done.Attempts)
}

func TestQueue_SingleWorkerIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t, WithConcurrency("essay", 1))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := q.CreateJob(context.Background(), "essay", Payload{"n": i})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	var mu sync.Mutex
	var seen []int64
	require.NoError(t, q.RegisterProcessor("essay", func(ctx context.Context, job Job) error {
		n, _ := job.Payload.Int64("n")
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	}))

	waitStatus(t, q, ids[len(ids)-1], constants.JobCompleted)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, seen)
}

func TestQueue_RespectsConcurrency(t *testing.T) {
	q, _ := newTestQueue(t, WithConcurrency("submission", 3))

	var running, peak int32
	release := make(chan struct{})
	require.NoError(t, q.RegisterProcessor("submission", func(ctx context.Context, job Job) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}))

	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		job, err := q.CreateJob(context.Background(), "submission", Payload{"n": i})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 3 }, waitFor, tick)
	assert.Never(t, func() bool { return atomic.LoadInt32(&running) > 3 }, 50*time.Millisecond, tick)
	close(release)

	for _, id := range ids {
		waitStatus(t, q, id, constants.JobCompleted)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestQueue_RetryBudgetIsExact(t *testing.T) {
	q, clk := newTestQueue(t, WithMaxAttempts(3), WithBaseDelay(time.Second))

	var calls int32
	require.NoError(t, q.RegisterProcessor("evaluation", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider unavailable")
	}))
	job, err := q.CreateJob(context.Background(), "evaluation", Payload{"submission_id": "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Step(time.Minute)
		j, err := q.GetJobStatus(job.ID)
		return err == nil && j.Status == constants.JobFailed
	}, waitFor, tick)

	final, err := q.GetJobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, "provider unavailable", final.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueue_BackoffDoubles(t *testing.T) {
	q, clk := newTestQueue(t, WithMaxAttempts(3), WithBaseDelay(10*time.Second))

	var calls int32
	require.NoError(t, q.RegisterProcessor("assignment", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}))
	_, err := q.CreateJob(context.Background(), "assignment", nil)
	require.NoError(t, err)

	expectCalls := func(n int32) {
		require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == n }, waitFor, tick)
	}

	expectCalls(1)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	clk.Step(9 * time.Second)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 1 }, 50*time.Millisecond, tick)
	clk.Step(time.Second)
	expectCalls(2)

	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	clk.Step(19 * time.Second)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 2 }, 50*time.Millisecond, tick)
	clk.Step(time.Second)
	expectCalls(3)
}

func TestQueue_RetrySettingsArePerLane(t *testing.T) {
	q, clk := newTestQueue(t,
		WithMaxAttempts(3), WithBaseDelay(10*time.Second),
		WithQueueRetry("evaluation", 5, 2*time.Second),
		WithQueueRetry("rubric", 0, -1),
	)

	var evalCalls, docCalls int32
	require.NoError(t, q.RegisterProcessor("evaluation", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&evalCalls, 1) == 1 {
			return errors.New("rate limited")
		}
		return nil
	}))
	require.NoError(t, q.RegisterProcessor("assignment", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&docCalls, 1)
		return errors.New("boom")
	}))

	eval, err := q.CreateJob(context.Background(), "evaluation", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, eval.MaxAttempts)
	rubric, err := q.CreateJob(context.Background(), "rubric", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rubric.MaxAttempts)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&evalCalls) == 1 }, waitFor, tick)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	clk.Step(time.Second)
	assert.Never(t, func() bool { return atomic.LoadInt32(&evalCalls) > 1 }, 50*time.Millisecond, tick)
	clk.Step(time.Second)
	waitStatus(t, q, eval.ID, constants.JobCompleted)

	doc, err := q.CreateJob(context.Background(), "assignment", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.MaxAttempts)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&docCalls) == 1 }, waitFor, tick)
	require.Eventually(t, clk.HasWaiters, waitFor, tick)
	clk.Step(9 * time.Second)
	assert.Never(t, func() bool { return atomic.LoadInt32(&docCalls) > 1 }, 50*time.Millisecond, tick)
	clk.Step(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&docCalls) == 2 }, waitFor, tick)
}

func TestOptionsFromConfig(t *testing.T) {
	q, _ := newTestQueue(t, OptionsFromConfig(common.QueueConfig{
		Concurrency: map[string]int{"submission": 4},
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		Retry:       map[string]common.QueueRetry{"evaluation": {MaxAttempts: 6, BaseDelay: 5 * time.Second}},
	})...)

	eval, err := q.CreateJob(context.Background(), "evaluation", nil)
	require.NoError(t, err)
	sub, err := q.CreateJob(context.Background(), "submission", nil)
	require.NoError(t, err)

	assert.Equal(t, 6, eval.MaxAttempts)
	assert.Equal(t, 2, sub.MaxAttempts)
	assert.Equal(t, 4, q.Stats()["submission"].Workers)
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxAttempts(5))

	var calls int32
	require.NoError(t, q.RegisterProcessor("solution", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("unsupported file type"))
	}))
	job, err := q.CreateJob(context.Background(), "solution", nil)
	require.NoError(t, err)

	final := waitStatus(t, q, job.ID, constants.JobFailed)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueue_PanicIsRetried(t *testing.T) {
	q, clk := newTestQueue(t, WithMaxAttempts(2), WithBaseDelay(time.Second))

	var calls int32
	require.NoError(t, q.RegisterProcessor("rubric", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("nil rubric")
		}
		return nil
	}))
	job, err := q.CreateJob(context.Background(), "rubric", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Step(time.Second)
		j, _ := q.GetJobStatus(job.ID)
		return j.Status == constants.JobCompleted
	}, waitFor, tick)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQueue_CancelWaitingJob(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.CreateJob(context.Background(), "submission", nil)
	require.NoError(t, err)

	cancelled, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobCancelled, cancelled.Status)

	var calls int32
	require.NoError(t, q.RegisterProcessor("submission", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 0 }, 50*time.Millisecond, tick)

	got, err := q.GetJobStatus(job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobCancelled, got.Status)
}

func TestQueue_CancelRunningJobIsNotRetried(t *testing.T) {
	q, clk := newTestQueue(t, WithMaxAttempts(3), WithBaseDelay(time.Second))

	started := make(chan struct{})
	var calls int32
	var sawCancel atomic.Bool
	require.NoError(t, q.RegisterProcessor("evaluation", func(ctx context.Context, job Job) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-ctx.Done()
		sawCancel.Store(Cancelled(ctx))
		return ctx.Err()
	}))
	job, err := q.CreateJob(context.Background(), "evaluation", nil)
	require.NoError(t, err)

	<-started
	_, err = q.Cancel(job.ID)
	require.NoError(t, err)

	waitStatus(t, q, job.ID, constants.JobCancelled)
	assert.True(t, sawCancel.Load(), "handler context carries the cancellation cause")
	clk.Step(time.Hour)
	assert.Never(t, func() bool { return atomic.LoadInt32(&calls) > 1 }, 50*time.Millisecond, tick)
}

func TestCancelled_IgnoresPlainCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Cancelled(ctx))

	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(ErrJobCancelled)
	timed, stop := context.WithTimeout(ctx, time.Hour)
	defer stop()
	assert.True(t, Cancelled(timed))
}

func TestQueue_UnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.GetJobStatus(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownJob)
	_, err = q.Cancel(uuid.New())
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestQueue_SecondProcessorRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	h := func(ctx context.Context, job Job) error { return nil }
	require.NoError(t, q.RegisterProcessor("rubric", h))
	assert.ErrorIs(t, q.RegisterProcessor("rubric", h), ErrHandlerRegistered)
}

func TestQueue_ShutdownRejectsNewJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.Shutdown(context.Background()))

	_, err := q.CreateJob(context.Background(), "rubric", nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_ShutdownAbortsAfterDeadline(t *testing.T) {
	q, _ := newTestQueue(t)

	started := make(chan struct{})
	require.NoError(t, q.RegisterProcessor("evaluation", func(ctx context.Context, job Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err := q.CreateJob(context.Background(), "evaluation", nil)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoff(5*time.Second, 1))
	assert.Equal(t, 10*time.Second, backoff(5*time.Second, 2))
	assert.Equal(t, 20*time.Second, backoff(5*time.Second, 3))
	assert.Equal(t, 5*time.Second, backoff(5*time.Second, 0))
}
