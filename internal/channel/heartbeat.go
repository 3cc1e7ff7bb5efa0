package channel

import "time"

// heartbeat tracks liveness of the current connection.
type heartbeat struct {
	interval   time.Duration
	staleAfter time.Duration
	lastPongAt time.Time
	missed     int
}

func newHeartbeat(interval time.Duration, staleIntervals int) heartbeat {
	return heartbeat{
		interval:   interval,
		staleAfter: time.Duration(staleIntervals) * interval,
	}
}

// reset treats now as the last sign of life.
func (h *heartbeat) reset(now time.Time) {
	h.lastPongAt = now
	h.missed = 0
}

func (h *heartbeat) pong(now time.Time) {
	h.reset(now)
}

// stale reports whether no pong arrived within the stale window.
func (h *heartbeat) stale(now time.Time) bool {
	return now.Sub(h.lastPongAt) > h.staleAfter
}

func (h *heartbeat) enabled() bool {
	return h.interval > 0
}
