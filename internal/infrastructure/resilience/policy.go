package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the retry budget applied at a single call site.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction of each backoff that is randomized, in [0, 1].
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	out := p
	def := DefaultRetryPolicy()

	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = def.MaxBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.Jitter > 1 {
		out.Jitter = 1
	}
	return out
}

// BaseBackoff is the un-jittered wait after the given failed attempt (1-based).
func (p RetryPolicy) BaseBackoff(attempt int) time.Duration {
	p = p.normalize()
	if attempt < 1 {
		attempt = 1
	}
	wait := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if wait > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(wait)
}

// Backoff is BaseBackoff with the jitter fraction drawn uniformly below it.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalize()
	base := p.BaseBackoff(attempt)
	if p.Jitter == 0 || base <= 0 {
		return base
	}
	spread := time.Duration(float64(base) * p.Jitter)
	if spread <= 0 {
		return base
	}
	return base - spread + rand.N(spread+1)
}

type Config struct {
	Retry RetryPolicy

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryPolicy(),

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	out.Retry = out.Retry.normalize()

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}
