package recovery

import (
	"math/rand/v2"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
)

// RetryPolicy bounds the retry pipeline.
type RetryPolicy struct {
	// MaxAttempts is the number of transient retries after the first attempt.
	MaxAttempts int
	// MaxRecoverable is the number of brief revisions for recoverable errors.
	MaxRecoverable int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	// Jitter adds up to Jitter×delay on top of each delay, in [0, 1].
	Jitter float64

	rand func() float64
}

// PolicyFromConfig builds a RetryPolicy from core configuration.
func PolicyFromConfig(cfg *config.CoreConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		MaxRecoverable: cfg.MaxRecoverableRetries,
		BaseDelay:      cfg.RetryBaseDelay(),
		MaxDelay:       cfg.RetryMaxDelay(),
		Jitter:         cfg.RetryJitter,
	}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p RetryPolicy) WithRand(fn func() float64) RetryPolicy {
	p.rand = fn
	return p
}

// Delay returns the backoff before retry number attempt (0-based):
// BaseDelay×2^attempt plus jitter, capped at MaxDelay. Jitter is never
// negative and at most doubles the base step, so delays never shrink.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		d += time.Duration(float64(d) * jitter * r())
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
