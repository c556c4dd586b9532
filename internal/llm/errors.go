package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind drives the retry decision for a failed call.
type ErrorKind int

const (
	// Transient covers timeouts, 5xx, network failures and unparseable bodies.
	Transient ErrorKind = iota
	// RateLimited means the provider asked us to slow down.
	RateLimited
	// Terminal failures are never retried.
	Terminal
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

var (
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrCallTimeout       = errors.New("model call timed out")
	ErrInvokerClosed     = errors.New("invoker closed")
	ErrUnsupportedModel  = errors.New("no provider configured for model")
)

// ModelError is a classified provider failure.
type ModelError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the delay the provider suggested, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ModelError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ModelError) Unwrap() error { return e.Err }

// NewTerminal wraps err as a non-retryable failure.
func NewTerminal(provider string, err error) *ModelError {
	return &ModelError{Kind: Terminal, Provider: provider, Err: err}
}

// NewMalformed flags a response body that could not be turned into the expected shape.
func NewMalformed(provider string, err error) *ModelError {
	return &ModelError{Kind: Transient, Provider: provider, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
}

// ClassifyStatus maps an HTTP status code onto an ErrorKind.
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return Transient
	default:
		return Terminal
	}
}

// Classify is the default error classifier.
func Classify(err error) ErrorKind {
	var me *ModelError
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformedResponse) {
		return Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	return Terminal
}

// SuggestedDelay returns the provider-advertised retry delay carried by err.
func SuggestedDelay(err error) time.Duration {
	var me *ModelError
	if errors.As(err, &me) {
		return me.RetryAfter
	}
	return 0
}

// ParseRetryDelay accepts "11s", "1.5s", "30" (seconds) or an HTTP date.
func ParseRetryDelay(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
