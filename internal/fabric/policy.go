package fabric

import (
	"math"
	"time"
)

// RetryPolicy is the consumer-side exponential backoff.
type RetryPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     time.Second,
		Multiplier:  2.0,
		Max:         10 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay returns the wait before the attempt that follows failed attempt n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.Initial) * math.Pow(mult, float64(n-1)))
	if p.Max > 0 && (delay > p.Max || delay < 0) {
		delay = p.Max
	}
	return delay
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}
