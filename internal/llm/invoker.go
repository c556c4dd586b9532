package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/metrics"
)

type call struct {
	ctx      context.Context
	label    string
	fn       func(ctx context.Context) error
	policy   RetryPolicy
	done     chan error
	enqueued time.Time
}

// Invoker serializes every call to one provider account through a single
// dispatcher so consecutive dispatches are at least minInterval apart.
type Invoker struct {
	name        string
	logger      *slog.Logger
	clock       clock.Clock
	minInterval time.Duration
	callTimeout time.Duration
	policy      RetryPolicy

	mu            sync.Mutex
	pending       []*call
	lastDispatch  time.Time
	cooldownUntil time.Time
	closed        bool

	signal chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
}

type InvokerOption func(*Invoker)

func WithMinInterval(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d >= 0 {
			i.minInterval = d
		}
	}
}

// WithCallTimeout bounds a single dispatched call. Zero disables the bound.
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d >= 0 {
			i.callTimeout = d
		}
	}
}

func WithRetryPolicy(p RetryPolicy) InvokerOption {
	return func(i *Invoker) { i.policy = p }
}

func WithInvokerClock(c clock.Clock) InvokerOption {
	return func(i *Invoker) {
		if c != nil {
			i.clock = c
		}
	}
}

func WithInvokerLogger(l *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewInvoker starts the dispatcher. Construct one per provider account and
// share it between every caller of that account.
func NewInvoker(name string, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		name:        name,
		logger:      slog.Default(),
		clock:       clock.RealClock{},
		minInterval: constants.DefaultMinRequestInterval,
		callTimeout: constants.DefaultModelCallTimeout,
		policy:      DefaultRetryPolicy(),
		signal:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(i)
	}
	i.logger = i.logger.With("invoker", name)
	i.wg.Add(1)
	go i.dispatch()
	return i
}

func (i *Invoker) Name() string { return i.name }

// Invoke runs fn through the dispatcher using the invoker's retry policy.
func (i *Invoker) Invoke(ctx context.Context, label string, fn func(ctx context.Context) error) error {
	_, err := InvokeWithPolicy(ctx, i, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, i.policy)
	return err
}

// Policy returns the invoker's default retry policy.
func (i *Invoker) Policy() RetryPolicy { return i.policy }

// Close stops the dispatcher. Calls still waiting fail with ErrInvokerClosed and
// the call in flight has its context cancelled.
func (i *Invoker) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.stop)
	rest := i.pending
	i.pending = nil
	i.mu.Unlock()

	for _, c := range rest {
		c.done <- ErrInvokerClosed
	}
	i.wg.Wait()
}

// InvokeWithPolicy submits thunk to inv and retries it per policy. A rate-limit
// error pushes back the next dispatch of every caller sharing inv before any
// other call is attempted. Transient errors back off this caller only and
// terminal errors return immediately.
func InvokeWithPolicy[T any](ctx context.Context, inv *Invoker, label string, thunk func(ctx context.Context) (T, error), policy RetryPolicy) (T, error) {
	var zero T
	logger := common.LoggerFrom(ctx, inv.logger).With("label", label)
	attempts := policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var out T
		err := inv.submit(ctx, label, policy, func(ctx context.Context) error {
			v, err := thunk(ctx)
			out = v
			return err
		})
		if err == nil {
			metrics.ModelCalls.WithLabelValues(inv.name, "ok").Inc()
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, ErrInvokerClosed) {
			return zero, err
		}
		lastErr = err
		kind := policy.classify(err)
		metrics.ModelCalls.WithLabelValues(inv.name, kind.String()).Inc()

		if kind == Terminal {
			logger.Error("invoker.rejected", "attempt", attempt, "error", err)
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt, kind, SuggestedDelay(err))
		logger.Warn("invoker.retry", "attempt", attempt, "kind", kind.String(), "delay", delay, "error", err)
		if kind == RateLimited {
			// the dispatcher already pushed back every caller
			continue
		}
		select {
		case <-inv.clock.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	logger.Error("invoker.retries_exhausted", "attempts", attempts, "error", lastErr)
	return zero, fmt.Errorf("%s: %w after %d attempts: %w", label, ErrRetriesExhausted, attempts, lastErr)
}

func (i *Invoker) submit(ctx context.Context, label string, policy RetryPolicy, fn func(ctx context.Context) error) error {
	c := &call{ctx: ctx, label: label, fn: fn, policy: policy, done: make(chan error, 1), enqueued: i.clock.Now()}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrInvokerClosed
	}
	i.pending = append(i.pending, c)
	depth := len(i.pending)
	i.mu.Unlock()
	i.notify()
	i.logger.Debug("invoker.enqueued", "label", label, "depth", depth)

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		// the dispatcher skips calls whose context is already done
		return ctx.Err()
	}
}

// coolDown delays the next dispatch for every caller by at least d.
func (i *Invoker) coolDown(d time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if until := i.clock.Now().Add(d); until.After(i.cooldownUntil) {
		i.cooldownUntil = until
	}
}

func (i *Invoker) notify() {
	select {
	case i.signal <- struct{}{}:
	default:
	}
}

func (i *Invoker) next() *call {
	for {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return nil
		}
		if len(i.pending) > 0 {
			c := i.pending[0]
			i.pending[0] = nil
			i.pending = i.pending[1:]
			i.mu.Unlock()
			return c
		}
		i.mu.Unlock()

		select {
		case <-i.signal:
		case <-i.stop:
			return nil
		}
	}
}

func (i *Invoker) dispatch() {
	defer i.wg.Done()
	for {
		c := i.next()
		if c == nil {
			return
		}
		if err := c.ctx.Err(); err != nil {
			c.done <- err
			continue
		}
		if err := i.waitTurn(c.ctx); err != nil {
			c.done <- err
			if errors.Is(err, ErrInvokerClosed) {
				return
			}
			continue
		}
		metrics.DispatchWait.WithLabelValues(i.name).Observe(i.clock.Since(c.enqueued).Seconds())
		err := i.run(c)
		if err != nil && c.policy.classify(err) == RateLimited {
			d := c.policy.Delay(1, RateLimited, SuggestedDelay(err))
			i.coolDown(d)
			i.logger.Warn("invoker.cooldown", "label", c.label, "delay", d)
		}
		c.done <- err
	}
}

// waitTurn blocks until minInterval has passed since the last dispatch and any
// cooldown has expired, then claims the dispatch slot.
func (i *Invoker) waitTurn(ctx context.Context) error {
	for {
		i.mu.Lock()
		readyAt := i.lastDispatch.Add(i.minInterval)
		if i.cooldownUntil.After(readyAt) {
			readyAt = i.cooldownUntil
		}
		now := i.clock.Now()
		if !readyAt.After(now) {
			i.lastDispatch = now
			i.mu.Unlock()
			return nil
		}
		wait := readyAt.Sub(now)
		i.mu.Unlock()

		i.logger.Debug("invoker.throttle", "wait", wait)
		select {
		case <-i.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stop:
			return ErrInvokerClosed
		}
	}
}

func (i *Invoker) run(c *call) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	start := i.clock.Now()
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("model call panic: %v", r)
			}
		}()
		result <- c.fn(ctx)
	}()

	var timeout <-chan time.Time
	if i.callTimeout > 0 {
		timeout = i.clock.After(i.callTimeout)
	}

	var err error
	select {
	case err = <-result:
	case <-timeout:
		cancel()
		err = &ModelError{Kind: Transient, Provider: i.name, Err: fmt.Errorf("%w after %s", ErrCallTimeout, i.callTimeout)}
	case <-i.stop:
		cancel()
		err = ErrInvokerClosed
	}
	i.logger.Debug("invoker.dispatch", "label", c.label, "elapsed_ms", i.clock.Since(start).Milliseconds(), "ok", err == nil)
	return err
}
