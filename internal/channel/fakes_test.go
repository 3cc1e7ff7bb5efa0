package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the durations of timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fakeDialer hands out in-memory connections.
type fakeDialer struct {
	mu      sync.Mutex
	urls    []string
	conns   []*fakeConn
	failAll bool
	gate    chan struct{} // When set, Dial blocks until it is closed
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	gate := d.gate
	fail := d.failAll
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.failAll = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeConn is an in-memory Conn. The test plays the server side.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	written    [][]byte
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// deliver simulates a frame from the server.
func (c *fakeConn) deliver(frame string) {
	c.inbound <- []byte(frame)
}

func (c *fakeConn) envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.written))
	for _, data := range c.written {
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) types() []string {
	var out []string
	for _, env := range c.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) count(typ string) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staticToken(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) { return token, nil })
}

func testConfig() Config {
	return Config{
		Kind:    "test",
		BaseURL: "ws://arena.test",
		BuildURL: func(base string, id Identity) (string, error) {
			return fmt.Sprintf("%s/ws/test/%d", base, id.ChannelID), nil
		},
		Identity: Identity{ChannelID: 7, SubjectID: 42},
		Reconnect: ReconnectConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			MaxDelay:      4 * time.Second,
			BackoffFactor: 2,
		},
		HeartbeatInterval: 10 * time.Second,
	}
}

type harness struct {
	ch     *Channel
	dialer *fakeDialer
	clock  *fakeClock
}

func newHarness(t *testing.T, cfg Config, dialer *fakeDialer, opts ...Option) *harness {
	t.Helper()
	if dialer == nil {
		dialer = &fakeDialer{}
	}
	clock := newFakeClock()
	base := []Option{
		WithDialer(dialer),
		WithClock(clock),
		WithTokenSource(staticToken("tok")),
		WithLogger(discardLogger()),
	}
	ch, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return &harness{ch: ch, dialer: dialer, clock: clock}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ch.State() == want },
		time.Second, time.Millisecond, "state never became %s (now %s)", want, h.ch.State())
}

func (h *harness) waitDials(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.dialer.dials() == n },
		time.Second, time.Millisecond, "expected %d dials, got %d", n, h.dialer.dials())
}

// waitPending waits until a timer of duration d is scheduled.
func (h *harness) waitPending(t *testing.T, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range h.clock.Pending() {
			if p == d {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "no %v timer pending (have %v)", d, h.clock.Pending())
	h.ch.barrier()
}

// connected waits for the first connection and returns its server side.
func (h *harness) connected(t *testing.T) *fakeConn {
	t.Helper()
	h.waitState(t, StateConnected)
	conn := h.dialer.last()
	require.NotNil(t, conn)
	return conn
}
