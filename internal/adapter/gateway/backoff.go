package gateway

import "time"

// RetryPolicy computes reconnect delays. Transport failures back off
// exponentially; repeated auth rejections switch to a slower linear ramp so a
// misconfigured credential does not hammer the gateway at the floor delay.
type RetryPolicy struct {
	Floor             time.Duration // first exponential delay
	Ceiling           time.Duration // cap for both ramps
	AuthFailThreshold int           // auth failures before the linear ramp kicks in
	AuthFailStep      time.Duration // per-failure increment on the linear ramp
}

// DefaultRetryPolicy mirrors the configured defaults: 2s doubling capped at
// 30s, linear 10s steps after 3 consecutive auth failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Floor:             2 * time.Second,
		Ceiling:           30 * time.Second,
		AuthFailThreshold: 3,
		AuthFailStep:      10 * time.Second,
	}
}

// NextDelay returns the delay before reconnect attempt number attempt
// (1-based, counted since the last successful handshake). authFailures is the
// count of consecutive auth rejections; at or past the threshold it overrides
// the exponential ramp.
func (p RetryPolicy) NextDelay(attempt, authFailures int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if p.AuthFailThreshold > 0 && authFailures >= p.AuthFailThreshold {
		d := time.Duration(authFailures) * p.AuthFailStep
		if d > p.Ceiling {
			d = p.Ceiling
		}
		return d
	}

	d := p.Floor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}
