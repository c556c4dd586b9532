package async

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

var (
	ErrQueueClosed       = errors.New("queue is shut down")
	ErrUnknownJob        = errors.New("unknown job")
	ErrHandlerRegistered = errors.New("queue already has a processor")
	ErrInvalidPayload    = errors.New("payload must be a flat map of scalar values")
	// ErrJobCancelled is the context cause seen by a handler whose job was cancelled.
	ErrJobCancelled = errors.New("job cancelled")
)

// Cancelled reports whether ctx ended because its job was cancelled, as opposed
// to a timeout or a queue shutdown.
func Cancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrJobCancelled)
}

// Payload is the flat key/value body of a job.
type Payload map[string]any

// String returns the string stored at key, or "".
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// UUID parses the value stored at key.
func (p Payload) UUID(key string) (uuid.UUID, error) {
	s := p.String(key)
	if s == "" {
		return uuid.Nil, fmt.Errorf("payload %q missing", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload %q: %w", key, err)
	}
	return id, nil
}

// Int64 returns the integer stored at key. Strings are parsed.
func (p Payload) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// normalize copies p, rejecting nested values and flattening UUIDs to strings.
func (p Payload) normalize() (Payload, error) {
	out := make(Payload, len(p))
	for k, v := range p {
		switch val := v.(type) {
		case nil, string, bool,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[k] = val
		case uuid.UUID:
			out[k] = val.String()
		case fmt.Stringer:
			out[k] = val.String()
		default:
			return nil, fmt.Errorf("%w: key %q has type %T", ErrInvalidPayload, k, v)
		}
	}
	return out, nil
}

// Job is a snapshot of a unit of work.
type Job struct {
	ID          uuid.UUID
	Queue       string
	Payload     Payload
	Status      constants.JobStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Finished reports whether the job reached a final status.
func (j Job) Finished() bool {
	switch j.Status {
	case constants.JobCompleted, constants.JobFailed, constants.JobCancelled:
		return true
	}
	return false
}

// HandlerFunc processes one attempt of a job. A nil return completes it, an
// error schedules a retry unless the budget is spent or the error is permanent.
type HandlerFunc func(ctx context.Context, job Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
