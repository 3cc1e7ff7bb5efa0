package channel

import (
	"time"

	"github.com/parkerjbeard/LogicArena-sub000/internal/buffer"
)

type queued struct {
	env      Envelope
	queuedAt time.Time
}

// outbox holds envelopes sent while the channel is not connected.
// It drops the oldest entry once limit is reached; limit <= 0 keeps everything.
type outbox struct {
	buf     *buffer.Growable[queued]
	ttl     time.Duration
	expired int64
}

func newOutbox(limit int, ttl time.Duration, onDrop func(Envelope)) *outbox {
	var evict func(queued)
	if onDrop != nil {
		evict = func(q queued) { onDrop(q.env) }
	}
	initial := 16
	if limit > 0 && limit < initial {
		initial = limit
	}
	return &outbox{
		buf: buffer.NewBounded[queued](initial, limit, evict),
		ttl: ttl,
	}
}

func (o *outbox) push(env Envelope, now time.Time) {
	o.buf.Send(queued{env: env, queuedAt: now})
}

// pop returns the next envelope that has not outlived the TTL.
func (o *outbox) pop(now time.Time) (queued, bool) {
	for {
		q, ok := o.buf.TryReceive()
		if !ok {
			return queued{}, false
		}
		if o.ttl > 0 && now.Sub(q.queuedAt) > o.ttl {
			o.expired++
			continue
		}
		return q, true
	}
}

// requeue returns an entry that failed to write to the head.
func (o *outbox) requeue(q queued) {
	o.buf.PushFront(q)
}

func (o *outbox) clear() int {
	return o.buf.Reset()
}

func (o *outbox) len() int {
	return o.buf.Len()
}

// dropped counts entries lost to the limit or the TTL.
func (o *outbox) dropped() int64 {
	return o.buf.Stats().Evicted + o.expired
}
