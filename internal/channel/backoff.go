package channel

import "time"

// backoff tracks the reconnection budget and the exponential delay.
// It is owned by the channel goroutine.
type backoff struct {
	cfg      ReconnectConfig
	attempts int
	current  time.Duration
}

func newBackoff(cfg ReconnectConfig) *backoff {
	return &backoff{cfg: cfg, current: cfg.InitialDelay}
}

func (b *backoff) exhausted() bool {
	return b.attempts >= b.cfg.MaxAttempts
}

// next consumes one attempt and returns the delay to wait before it.
func (b *backoff) next() time.Duration {
	b.attempts++
	return b.delay()
}

// delay is the wait that next would return, capped at MaxDelay.
func (b *backoff) delay() time.Duration {
	return min(b.current, b.cfg.MaxDelay)
}

// advance grows the delay after a scheduled retry has fired.
func (b *backoff) advance() {
	b.current = min(time.Duration(float64(b.current)*b.cfg.BackoffFactor), b.cfg.MaxDelay)
}

func (b *backoff) reset() {
	b.attempts = 0
	b.current = b.cfg.InitialDelay
}
