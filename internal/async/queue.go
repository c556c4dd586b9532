// Package async runs named in-memory job queues, each with its own worker
// pool, FIFO ordering and retry budget.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/metrics"
)

const (
	defaultHistorySize = 4096
	maxBackoffShift    = 16
)

// LaneStats is a point-in-time view of one named queue.
type LaneStats struct {
	Waiting    int  `json:"waiting"`
	Active     int  `json:"active"`
	Workers    int  `json:"workers"`
	HasHandler bool `json:"has_handler"`
}

type record struct {
	job       Job
	cancel    context.CancelCauseFunc
	ctx       context.Context
	cancelled bool
}

type lane struct {
	name        string
	workers     int
	maxAttempts int
	baseDelay   time.Duration
	handler     HandlerFunc
	waiting     []*record
	active      int
	signal      chan struct{}
}

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

func (l *lane) notify() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Queue owns every named lane. Jobs are memory-resident; a restart loses them.
type Queue struct {
	logger *slog.Logger
	clock  clock.Clock

	defaultWorkers int
	workers        map[string]int
	retries        map[string]retryPolicy
	maxAttempts    int
	baseDelay      time.Duration
	timeout        time.Duration
	historySize    int

	mu      sync.Mutex
	lanes   map[string]*lane
	live    map[uuid.UUID]*record
	history *lru.Cache
	closed  bool

	ctx     context.Context
	stop    context.CancelFunc
	done    chan struct{}
	running sync.WaitGroup
	timers  sync.WaitGroup
}

type Option func(*Queue)

// WithConcurrency sets the worker count of one named queue.
func WithConcurrency(queue string, n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers[queue] = n
		}
	}
}

// WithDefaultConcurrency sets the worker count for queues without an override.
func WithDefaultConcurrency(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.defaultWorkers = n
		}
	}
}

// WithMaxAttempts bounds how many times a job is attempted before it fails.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the first retry delay; later retries double it.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.baseDelay = d
		}
	}
}

// WithQueueRetry overrides the attempt budget and first retry delay of one
// named queue. maxAttempts <= 0 or baseDelay < 0 keeps the queue-wide value.
func WithQueueRetry(queue string, maxAttempts int, baseDelay time.Duration) Option {
	return func(q *Queue) {
		r, ok := q.retries[queue]
		if !ok {
			r = retryPolicy{baseDelay: -1}
		}
		if maxAttempts > 0 {
			r.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			r.baseDelay = baseDelay
		}
		q.retries[queue] = r
	}
}

// OptionsFromConfig turns the queue section of the service config into options.
func OptionsFromConfig(cfg common.QueueConfig) []Option {
	opts := []Option{WithMaxAttempts(cfg.MaxAttempts), WithBaseDelay(cfg.BaseDelay)}
	for name, n := range cfg.Concurrency {
		opts = append(opts, WithConcurrency(name, n))
	}
	for name, r := range cfg.Retry {
		opts = append(opts, WithQueueRetry(name, r.MaxAttempts, r.BaseDelay))
	}
	return opts
}

// WithJobTimeout bounds a single handler attempt. Zero disables the bound.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.timeout = d
		}
	}
}

// WithHistorySize bounds how many finished jobs stay queryable.
func WithHistorySize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.historySize = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func NewQueue(logger *slog.Logger, opts ...Option) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	q := &Queue{
		logger:         logger,
		clock:          clock.RealClock{},
		defaultWorkers: constants.DefaultQueueConcurrency,
		workers:        make(map[string]int),
		retries:        make(map[string]retryPolicy),
		maxAttempts:    constants.DefaultJobMaxAttempts,
		baseDelay:      constants.DefaultJobBaseDelay,
		historySize:    defaultHistorySize,
		lanes:          make(map[string]*lane),
		live:           make(map[uuid.UUID]*record),
		ctx:            ctx,
		stop:           stop,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	history, err := lru.New(q.historySize)
	if err != nil {
		stop()
		return nil, fmt.Errorf("job history: %w", err)
	}
	q.history = history
	return q, nil
}

func (q *Queue) laneLocked(name string) *lane {
	l, ok := q.lanes[name]
	if !ok {
		n := q.defaultWorkers
		if w, ok := q.workers[name]; ok {
			n = w
		}
		l = &lane{name: name, workers: n, maxAttempts: q.maxAttempts, baseDelay: q.baseDelay, signal: make(chan struct{}, 1)}
		if r, ok := q.retries[name]; ok {
			if r.maxAttempts > 0 {
				l.maxAttempts = r.maxAttempts
			}
			if r.baseDelay >= 0 {
				l.baseDelay = r.baseDelay
			}
		}
		q.lanes[name] = l
	}
	return l
}

// CreateJob appends a job to the tail of the named queue. Jobs wait there until
// a processor is registered.
func (q *Queue) CreateJob(ctx context.Context, queue string, payload Payload) (Job, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return Job{}, common.NewAppError("INVALID_QUEUE", "queue name is required", common.ErrInvalidInput)
	}
	body, err := payload.normalize()
	if err != nil {
		return Job{}, common.NewAppError("INVALID_PAYLOAD", err.Error(), common.ErrInvalidInput)
	}

	now := q.clock.Now()
	rec := &record{job: Job{
		ID:          uuid.New(),
		Queue:       queue,
		Payload:     body,
		Status:      constants.JobWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Job{}, ErrQueueClosed
	}
	l := q.laneLocked(queue)
	rec.job.MaxAttempts = l.maxAttempts
	l.waiting = append(l.waiting, rec)
	q.live[rec.job.ID] = rec
	depth := len(l.waiting)
	snapshot := rec.job
	q.mu.Unlock()

	l.notify()
	metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	common.LoggerFrom(ctx, q.logger).Debug("queue.job.created", "queue", queue, "job_id", snapshot.ID, "depth", depth)
	return snapshot, nil
}

// RegisterProcessor attaches the single handler of a queue and starts its workers.
func (q *Queue) RegisterProcessor(queue string, h HandlerFunc) error {
	if h == nil {
		return common.NewAppError("INVALID_HANDLER", "handler is required", common.ErrInvalidInput)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	l := q.laneLocked(queue)
	if l.handler != nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, queue)
	}
	l.handler = h
	n := l.workers
	q.running.Add(n)
	q.mu.Unlock()

	for i := 0; i < n; i++ {
		go q.work(l, i+1)
	}
	l.notify()
	q.logger.Info("queue processor registered", "queue", queue, "workers", n)
	return nil
}

// GetJobStatus returns the latest snapshot of a live or recently finished job.
func (q *Queue) GetJobStatus(id uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.live[id]; ok {
		return rec.job, nil
	}
	if v, ok := q.history.Get(id); ok {
		return v.(Job), nil
	}
	return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
}

// Cancel removes a waiting job or aborts a running one. A cancelled job is never retried.
func (q *Queue) Cancel(id uuid.UUID) (Job, error) {
	q.mu.Lock()
	rec, ok := q.live[id]
	if !ok {
		defer q.mu.Unlock()
		if v, ok := q.history.Get(id); ok {
			return v.(Job), nil
		}
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	rec.cancelled = true
	if rec.job.Status == constants.JobActive {
		cancel := rec.cancel
		snapshot := rec.job
		q.mu.Unlock()
		if cancel != nil {
			cancel(ErrJobCancelled)
		}
		q.logger.Info("queue.job.cancel_requested", "queue", snapshot.Queue, "job_id", id)
		return snapshot, nil
	}
	l := q.lanes[rec.job.Queue]
	for i, w := range l.waiting {
		if w == rec {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)
			break
		}
	}
	depth := len(l.waiting)
	q.finishLocked(rec, constants.JobCancelled, nil)
	snapshot := rec.job
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(snapshot.Queue).Set(float64(depth))
	metrics.JobsTotal.WithLabelValues(snapshot.Queue, metrics.OutcomeCancelled).Inc()
	q.logger.Info("queue.job.cancelled", "queue", snapshot.Queue, "job_id", id)
	return snapshot, nil
}

// Stats reports waiting and active counts per queue.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		out[name] = LaneStats{
			Waiting:    len(l.waiting),
			Active:     l.active,
			Workers:    l.workers,
			HasHandler: l.handler != nil,
		}
	}
	return out
}

// Shutdown stops accepting jobs, waits for running handlers until ctx ends and
// then aborts whatever is still running. Waiting jobs are dropped.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		q.running.Wait()
		q.timers.Wait()
	}()

	select {
	case <-drained:
		q.stop()
		q.logger.Info("queue drained, shutdown complete")
		return nil
	case <-ctx.Done():
		q.stop()
		<-drained
		q.logger.Warn("shutdown interrupted by context, running jobs aborted")
		return ctx.Err()
	}
}

func (q *Queue) work(l *lane, workerID int) {
	defer q.running.Done()
	q.logger.Debug("worker started", "queue", l.name, "worker_id", workerID)
	for {
		rec := q.next(l)
		if rec == nil {
			q.logger.Debug("worker stopped", "queue", l.name, "worker_id", workerID)
			return
		}
		q.run(l, rec, workerID)
	}
}

// next blocks until the lane has a job or the queue is closing.
func (q *Queue) next(l *lane) *record {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		if len(l.waiting) > 0 {
			rec := l.waiting[0]
			l.waiting[0] = nil
			l.waiting = l.waiting[1:]
			l.active++
			rec.job.Status = constants.JobActive
			rec.job.Attempts++
			rec.job.UpdatedAt = q.clock.Now()
			rec.ctx, rec.cancel = context.WithCancelCause(q.ctx)
			depth := len(l.waiting)
			q.mu.Unlock()

			if depth > 0 {
				l.notify()
			}
			metrics.QueueDepth.WithLabelValues(l.name).Set(float64(depth))
			return rec
		}
		q.mu.Unlock()

		select {
		case <-l.signal:
		case <-q.done:
			return nil
		}
	}
}

func (q *Queue) run(l *lane, rec *record, workerID int) {
	q.mu.Lock()
	job := rec.job
	ctx := rec.ctx
	cancel := rec.cancel
	q.mu.Unlock()

	if q.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, q.timeout)
		defer cancelTimeout()
	}
	ctx = common.WithJobID(ctx, job.ID.String())
	logger := q.logger.With("queue", l.name, "job_id", job.ID, "attempt", job.Attempts, "worker_id", workerID)

	start := q.clock.Now()
	err := invoke(ctx, l.handler, job)
	metrics.JobDuration.WithLabelValues(l.name).Observe(q.clock.Since(start).Seconds())
	cancel(nil)

	q.settle(l, rec, err, logger)
}

func invoke(ctx context.Context, h HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) settle(l *lane, rec *record, err error, logger *slog.Logger) {
	q.mu.Lock()
	l.active--
	rec.cancel = nil
	rec.ctx = nil

	switch {
	case rec.cancelled:
		q.finishLocked(rec, constants.JobCancelled, err)
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(l.name, metrics.OutcomeCancelled).Inc()
		logger.Info("queue.job.cancelled")
	case err == nil:
		q.finishLocked(rec, constants.JobCompleted, nil)
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(l.name, metrics.OutcomeCompleted).Inc()
		logger.Debug("queue.job.completed")
	case IsPermanent(err) || rec.job.Attempts >= rec.job.MaxAttempts:
		q.finishLocked(rec, constants.JobFailed, err)
		attempts := rec.job.Attempts
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(l.name, metrics.OutcomeFailed).Inc()
		logger.Error("queue.job.failed", "attempts", attempts, "permanent", IsPermanent(err), "error", err)
	default:
		rec.job.Status = constants.JobWaiting
		rec.job.LastError = err.Error()
		rec.job.UpdatedAt = q.clock.Now()
		delay := backoff(l.baseDelay, rec.job.Attempts)
		q.timers.Add(1)
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(l.name, metrics.OutcomeRetried).Inc()
		logger.Warn("queue.job.retry", "delay", delay, "error", err)
		go q.requeueAfter(l, rec, delay)
	}
}

func (q *Queue) requeueAfter(l *lane, rec *record, delay time.Duration) {
	defer q.timers.Done()
	select {
	case <-q.clock.After(delay):
	case <-q.done:
		return
	}

	q.mu.Lock()
	if q.closed || rec.job.Finished() {
		q.mu.Unlock()
		return
	}
	l.waiting = append(l.waiting, rec)
	depth := len(l.waiting)
	q.mu.Unlock()

	l.notify()
	metrics.QueueDepth.WithLabelValues(l.name).Set(float64(depth))
}

func (q *Queue) finishLocked(rec *record, status constants.JobStatus, err error) {
	rec.job.Status = status
	rec.job.UpdatedAt = q.clock.Now()
	if err != nil && !errors.Is(err, context.Canceled) {
		rec.job.LastError = err.Error()
	}
	delete(q.live, rec.job.ID)
	q.history.Add(rec.job.ID, rec.job)
}

// backoff returns base * 2^(attempt-1).
func backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << uint(shift)
}
