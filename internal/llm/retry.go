package llm

import (
	"time"

	"github.com/joseph-ayodele/assignment-grader/constants"
	"github.com/joseph-ayodele/assignment-grader/internal/common"
)

// RetryPolicy is the retry behaviour of InvokeWithPolicy expressed as data.
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is the first transient backoff; it doubles per attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// RateLimitDelay is the minimum cooldown after a rate-limit error.
	RateLimitDelay time.Duration
	// Classify decides how an error is retried. Nil means Classify.
	Classify func(error) ErrorKind
}

// DefaultRetryPolicy mirrors the provider limits observed in production: three
// attempts, 15s doubling backoff and at least 30s after a 429.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    constants.DefaultModelMaxAttempts,
		BaseDelay:      constants.DefaultModelBaseDelay,
		MaxDelay:       constants.DefaultModelMaxDelay,
		RateLimitDelay: constants.DefaultRateLimitDelay,
	}
}

// PolicyFromConfig builds a policy from the LLM section of the config.
func PolicyFromConfig(cfg common.LLMConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	if cfg.RateLimitDelay > 0 {
		p.RateLimitDelay = cfg.RateLimitDelay
	}
	return p
}

func (p RetryPolicy) classify(err error) ErrorKind {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return Classify(err)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the attempt following a failed attempt number.
func (p RetryPolicy) Delay(attempt int, kind ErrorKind, suggested time.Duration) time.Duration {
	if kind == RateLimited {
		return max(p.BaseDelay, p.RateLimitDelay, suggested)
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
