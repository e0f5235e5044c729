// Package backoff is the single shared jittered-backoff helper, so every
// bounded poll/retry loop in this daemon grows its delay the same way
// instead of each owning a slightly different fixed- or hand-rolled
// interval. It wraps cenkalti/backoff/v4's exponential backoff.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a bounded exponential backoff sequence.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // 0-1, mapped to backoff.RandomizationFactor
}

// DefaultPolicy is used for any zero field left unset by a caller-supplied
// Policy: a short initial delay, capped growth, light jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2.0, Jitter: 0.2}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
	return p
}

// Sequence is a stateful, bounded exponential-backoff generator: callers
// call Next() once per retry/poll iteration. Unlike a bare
// backoff.ExponentialBackOff, Next never signals backoff.Stop — elapsed-time
// bounding is the caller's own deadline, not this helper's job.
type Sequence struct {
	bo *backoff.ExponentialBackOff
}

// NewSequence builds a Sequence from p, clamping unset fields to
// DefaultPolicy's.
func NewSequence(p Policy) *Sequence {
	p = p.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.MaxInterval = p.Max
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Sequence{bo: bo}
}

// Next returns the next delay in the sequence.
func (s *Sequence) Next() time.Duration {
	d := s.bo.NextBackOff()
	if d == backoff.Stop {
		return s.bo.MaxInterval
	}
	return d
}

// Reset restarts the sequence at its initial interval.
func (s *Sequence) Reset() {
	s.bo.Reset()
}
