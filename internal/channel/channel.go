package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parkerjbeard/LogicArena-sub000/internal/buffer"
)

// Channel is a resilient, message-oriented connection to one server endpoint.
//
// All state lives in a single goroutine that processes events from an
// unbounded mailbox. Handlers and state observers run in order on a separate
// notifier goroutine, so they may call back into the Channel freely.
type Channel struct {
	cfg      Config
	instance uuid.UUID
	logger   *slog.Logger
	dialer   Dialer
	clock    Clock
	tokens   TokenSource

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox *buffer.Growable[event]
	notes   *buffer.Growable[func()]
	stopped chan struct{} // Channel goroutine has exited
	done    chan struct{} // Notifier has drained too
	closed  atomic.Bool

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
	observers  []StateObserver

	// Published view, written only by the channel goroutine.
	mu      sync.RWMutex
	view    Stats
	lastErr error
	log     []Envelope

	// Owned by the channel goroutine.
	state       State
	conn        Conn
	gen         uint64
	dialing     bool
	dialCancel  context.CancelFunc
	intentional bool
	policy      *backoff
	hb          heartbeat
	queue       *outbox
	retryTimer  Timer
	retryToken  uint64
	hbTimer     Timer
	hbToken     uint64
	connectedAt time.Time
	err         error
	dials       int64
	sent        int64
	received    int64
	badFrames   int64
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithClock replaces the system clock.
func WithClock(clock Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Channel) { c.tokens = ts }
}

// WithHandler registers a handler before the first connection attempt.
func WithHandler(typ string, h Handler) Option {
	return func(c *Channel) { c.handlers[typ] = append(c.handlers[typ], h) }
}

// WithInstance sets the instance id reported in logs and Stats. A random id
// is used otherwise.
func WithInstance(id uuid.UUID) Option {
	return func(c *Channel) { c.instance = id }
}

// WithStateObserver registers an observer before the first connection attempt.
func WithStateObserver(o StateObserver) Option {
	return func(c *Channel) { c.observers = append(c.observers, o) }
}

// New creates a channel and starts connecting immediately.
// Cancelling ctx closes the channel.
func New(ctx context.Context, cfg Config, opts ...Option) (*Channel, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Channel{
		cfg:      cfg,
		instance: uuid.New(),
		logger:   slog.Default(),
		clock:    SystemClock(),
		handlers: make(map[string][]Handler),
		mailbox:  buffer.New[event](64),
		notes:    buffer.New[func()](64),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		policy:   newBackoff(cfg.Reconnect),
		hb:       newHeartbeat(cfg.HeartbeatInterval, cfg.StaleIntervals),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		d := NewWebSocketDialer()
		d.HandshakeTimeout = cfg.HandshakeTimeout
		c.dialer = d
	}
	if c.tokens == nil {
		c.tokens = TokenFunc(func(context.Context) (string, error) { return "", nil })
	}

	c.logger = c.logger.With(
		"channel", cfg.Kind,
		"channel_id", cfg.Identity.ChannelID,
		"subject_id", cfg.Identity.SubjectID,
		"instance", c.instance.String(),
	)
	c.queue = newOutbox(cfg.QueueLimit, cfg.QueueTTL, func(env Envelope) {
		c.logger.Warn("outbound queue full, dropping oldest", "type", env.Type)
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.publish()

	notifierDone := make(chan struct{})
	go c.notify(notifierDone)
	go c.run(notifierDone)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.Connect()
	return c, nil
}

// Connect starts a connection attempt unless one is already open or in
// flight. From StateFailed it makes a single manual attempt without restoring
// the retry budget.
func (c *Channel) Connect() {
	c.post(event{kind: evConnect})
}

// Disconnect closes the connection on purpose. No retry is scheduled, pending
// timers are cancelled and the outbound queue is cleared. It returns once the
// channel is in StateDisconnected.
func (c *Channel) Disconnect() {
	c.call(evDisconnect)
}

// Reset disconnects, zeroes the reconnection budget and connects again.
func (c *Channel) Reset() {
	c.call(evReset)
}

// Send transmits env now if connected, otherwise queues it. Queuing from
// StateDisconnected or StateFailed also starts a connection attempt.
func (c *Channel) Send(env Envelope) error {
	if env.Type == "" {
		return ErrEmptyType
	}
	if c.closed.Load() {
		return ErrClosed
	}
	c.post(event{kind: evSend, env: env})
	return nil
}

// SendData builds an envelope from typ and data and sends it.
func (c *Channel) SendData(typ string, data any) error {
	env, err := NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Handle registers h for inbound envelopes of type typ.
func (c *Channel) Handle(typ string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

// OnStateChange registers an observer for lifecycle transitions.
func (c *Channel) OnStateChange(o StateObserver) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.observers = append(c.observers, o)
}

// Close disconnects and stops the channel. It is safe to call from a handler.
// Notifications already queued are still delivered after Close returns; Done
// reports when they have been.
func (c *Channel) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.post(event{kind: evStop})
	}
	<-c.stopped
	return nil
}

// Done is closed once the channel has stopped and every queued notification
// has been delivered.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.State
}

// LastError returns the most recent error, or nil.
func (c *Channel) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Messages returns a copy of the inbound application messages, in arrival order.
func (c *Channel) Messages() []Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Envelope, len(c.log))
	copy(out, c.log)
	return out
}

// QueueDepth returns the number of envelopes waiting for a connection.
func (c *Channel) QueueDepth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.QueueDepth
}

// Stats returns a diagnostic snapshot.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Identity returns the identity the channel is bound to.
func (c *Channel) Identity() Identity {
	return c.cfg.Identity
}

// Kind returns the configured channel kind.
func (c *Channel) Kind() string {
	return c.cfg.Kind
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evReset
	evSend
	evOpened
	evDialFailed
	evFrame
	evClosed
	evHeartbeat
	evRetry
	evBarrier
	evStop
)

type event struct {
	kind eventKind
	gen  uint64 // Connection generation or timer token
	conn Conn
	data []byte
	env  Envelope
	err  error
	done chan struct{}
}

func (c *Channel) post(ev event) bool {
	if c.mailbox.Send(ev) {
		return true
	}
	if ev.conn != nil {
		ev.conn.Close()
	}
	if ev.done != nil {
		close(ev.done)
	}
	return false
}

// call posts an event and waits until the channel goroutine has handled it.
func (c *Channel) call(kind eventKind) {
	done := make(chan struct{})
	c.post(event{kind: kind, done: done})
	<-done
}

// barrier waits until every previously posted event has been handled.
func (c *Channel) barrier() {
	c.call(evBarrier)
}

func (c *Channel) run(notifierDone chan struct{}) {
	defer func() {
		close(c.stopped)
		c.notes.Close()
		<-notifierDone
		close(c.done)
	}()

	for {
		ev, ok := c.mailbox.Receive()
		if !ok {
			return
		}
		if ev.kind == evStop {
			c.stop()
			return
		}
		c.handle(ev)
		c.publish()
		if ev.done != nil {
			close(ev.done)
		}
	}
}

func (c *Channel) handle(ev event) {
	switch ev.kind {
	case evConnect:
		c.connect()
	case evDisconnect:
		c.disconnect()
	case evReset:
		c.disconnect()
		c.connect()
	case evSend:
		c.send(ev.env)
	case evOpened:
		c.opened(ev.gen, ev.conn)
	case evDialFailed:
		c.dialFailed(ev.gen, ev.err)
	case evFrame:
		c.frame(ev.gen, ev.data)
	case evClosed:
		c.connClosed(ev.gen, ev.err)
	case evHeartbeat:
		c.heartbeatTick(ev.gen)
	case evRetry:
		c.retry(ev.gen)
	case evBarrier:
	}
}

func (c *Channel) stop() {
	c.disconnect()
	c.cancel()
	c.mailbox.Close()
	c.publish()
	c.logger.Debug("channel stopped")

	// Release anything still waiting on the mailbox.
	for {
		ev, ok := c.mailbox.TryReceive()
		if !ok {
			return
		}
		if ev.conn != nil {
			ev.conn.Close()
		}
		if ev.done != nil {
			close(ev.done)
		}
	}
}

func (c *Channel) connect() {
	if c.state == StateConnected || c.dialing {
		return
	}
	c.cancelRetry()

	if !c.cfg.Identity.Valid() {
		c.configError(ErrMissingIdentity)
		return
	}

	tctx, cancel := context.WithTimeout(c.ctx, c.cfg.TokenTimeout)
	token, err := c.tokens.Token(tctx)
	cancel()
	if err != nil {
		c.configError(fmt.Errorf("%w: %v", ErrMissingCredentials, err))
		return
	}
	if token == "" {
		c.configError(ErrMissingCredentials)
		return
	}

	target, err := c.cfg.BuildURL(c.cfg.BaseURL, c.cfg.Identity)
	if err != nil {
		c.configError(fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		return
	}
	target, err = withToken(target, token)
	if err != nil {
		c.configError(fmt.Errorf("%w: %v", ErrInvalidConfig, err))
		return
	}

	c.intentional = false
	c.err = nil
	if c.policy.attempts > 0 {
		c.setState(StateReconnecting, nil)
	} else {
		c.setState(StateConnecting, nil)
	}

	c.gen++
	gen := c.gen
	dctx, dcancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	c.dialCancel = dcancel
	c.dialing = true
	c.dials++

	c.logger.Debug("dialing", "url", redact(target), "attempt", c.policy.attempts)

	go func() {
		conn, err := c.dialer.Dial(dctx, target)
		if err != nil {
			c.post(event{kind: evDialFailed, gen: gen, err: err})
			return
		}
		c.post(event{kind: evOpened, gen: gen, conn: conn})
	}()
}

// configError records an error no retry can fix and leaves the channel
// disconnected.
func (c *Channel) configError(err error) {
	c.err = err
	c.logger.Error("cannot connect", "error", err)
	c.setState(StateDisconnected, err)
}

func (c *Channel) opened(gen uint64, conn Conn) {
	if gen != c.gen || !c.dialing {
		conn.Close()
		return
	}
	c.dialing = false
	c.dialCancel()

	now := c.clock.Now()
	c.conn = conn
	c.connectedAt = now
	c.policy.reset()
	c.hb.reset(now)
	go c.readLoop(gen, conn)

	// Queued envelopes go out before anyone sees the connection.
	if err := c.flush(); err != nil {
		return
	}

	c.setState(StateConnected, nil)
	c.logger.Info("connected")
	c.scheduleHeartbeat()
}

func (c *Channel) dialFailed(gen uint64, err error) {
	if gen != c.gen || !c.dialing {
		return
	}
	c.dialing = false
	c.dialCancel()
	c.recordError(err)
	c.logger.Warn("connection attempt failed", "error", err, "attempt", c.policy.attempts)
	c.setState(StateDisconnected, err)
	c.scheduleReconnect()
}

func (c *Channel) connClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	if c.intentional {
		c.intentional = false
		return
	}
	if c.conn == nil {
		return
	}
	c.dropConn(err)
}

// dropConn runs the closure path for an unintentional loss of the current
// connection.
func (c *Channel) dropConn(err error) {
	c.conn.Close()
	c.conn = nil
	c.stopHeartbeat()
	if err != nil {
		c.recordError(err)
	}
	if errors.Is(err, ErrFrameTooLarge) {
		// The transport cannot skip an oversized frame, so the connection is
		// lost with it. Count it with the other undecodable frames.
		c.badFrames++
		c.logger.Warn("connection lost to oversized frame", "error", err)
	} else {
		c.logger.Warn("connection lost", "error", err)
	}
	c.setState(StateDisconnected, err)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	if c.policy.exhausted() {
		c.err = fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.policy.attempts, c.err)
		c.logger.Error("giving up", "attempts", c.policy.attempts, "error", c.err)
		c.setState(StateFailed, c.err)
		return
	}

	delay := c.policy.next()
	c.setState(StateReconnecting, nil)
	c.cancelRetry()
	c.retryToken++
	token := c.retryToken
	c.retryTimer = c.clock.AfterFunc(delay, func() {
		c.post(event{kind: evRetry, gen: token})
	})
	c.logger.Info("reconnecting", "attempt", c.policy.attempts, "delay", delay)
}

func (c *Channel) retry(token uint64) {
	if token != c.retryToken || c.retryTimer == nil {
		return
	}
	c.retryTimer = nil
	c.connect()
	c.policy.advance()
}

func (c *Channel) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retryToken++
}

func (c *Channel) disconnect() {
	c.intentional = true
	c.cancelRetry()
	c.stopHeartbeat()
	if c.dialing {
		c.dialCancel()
		c.dialing = false
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.policy.reset()
	c.hb.reset(time.Time{})
	if n := c.queue.clear(); n > 0 {
		c.logger.Debug("discarded queued envelopes", "count", n)
	}
	c.setState(StateDisconnected, nil)
}

func (c *Channel) send(env Envelope) {
	if c.state == StateConnected && c.conn != nil {
		if err := c.write(env); err != nil {
			c.queue.push(env, c.clock.Now())
			c.dropConn(err)
		}
		return
	}

	c.queue.push(env, c.clock.Now())
	if c.state == StateDisconnected || c.state == StateFailed {
		c.connect()
	}
}

// flush writes queued envelopes in order until the queue is empty or a write
// fails. A failed entry is put back at the head.
func (c *Channel) flush() error {
	for c.conn != nil {
		q, ok := c.queue.pop(c.clock.Now())
		if !ok {
			return nil
		}
		if err := c.write(q.env); err != nil {
			c.queue.requeue(q)
			c.dropConn(err)
			return err
		}
	}
	return nil
}

func (c *Channel) write(env Envelope) error {
	env.Timestamp = c.clock.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	c.sent++
	return nil
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		c.post(event{kind: evFrame, gen: gen, data: data})
	}
}

func (c *Channel) frame(gen uint64, data []byte) {
	if gen != c.gen || c.conn == nil {
		return
	}
	c.received++

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.badFrames++
		if err == nil {
			err = ErrEmptyType
		}
		c.recordError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}
	env.Raw = data

	switch env.Type {
	case c.cfg.PongType:
		c.hb.pong(c.clock.Now())
		return
	case c.cfg.PingType:
		// Server-initiated probe.
		if err := c.write(Envelope{Type: c.cfg.PongType}); err != nil {
			c.dropConn(err)
		}
		return
	}

	c.appendLog(env)
	c.dispatch(env)
}

func (c *Channel) scheduleHeartbeat() {
	if !c.hb.enabled() {
		return
	}
	c.stopHeartbeat()
	c.hbToken++
	token := c.hbToken
	c.hbTimer = c.clock.AfterFunc(c.hb.interval, func() {
		c.post(event{kind: evHeartbeat, gen: token})
	})
}

func (c *Channel) stopHeartbeat() {
	if c.hbTimer != nil {
		c.hbTimer.Stop()
		c.hbTimer = nil
	}
	c.hbToken++
}

func (c *Channel) heartbeatTick(token uint64) {
	if token != c.hbToken || c.hbTimer == nil {
		return
	}
	c.hbTimer = nil
	if c.state != StateConnected || c.conn == nil {
		return
	}

	now := c.clock.Now()
	if c.hb.stale(now) {
		c.logger.Warn("no pong received, connection stale",
			"last_pong", c.hb.lastPongAt,
			"missed", c.hb.missed,
		)
		c.dropConn(ErrStaleConnection)
		return
	}

	if err := c.write(Envelope{Type: c.cfg.PingType}); err != nil {
		c.dropConn(err)
		return
	}
	c.hb.missed++
	c.scheduleHeartbeat()
}

func (c *Channel) recordError(err error) {
	c.err = err
}

func (c *Channel) setState(to State, cause error) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.logger.Debug("state change", "from", from, "to", to)

	change := StateChange{
		From:    from,
		To:      to,
		Err:     cause,
		Attempt: c.policy.attempts,
		At:      c.clock.Now(),
	}
	c.handlersMu.RLock()
	observers := append([]StateObserver(nil), c.observers...)
	c.handlersMu.RUnlock()
	for _, o := range observers {
		c.notes.Send(func() { o(change) })
	}
}

func (c *Channel) appendLog(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, env)
	if limit := c.cfg.MessageLogLimit; limit > 0 && len(c.log) > limit {
		c.log = append(c.log[:0:0], c.log[len(c.log)-limit:]...)
	}
}

func (c *Channel) dispatch(env Envelope) {
	c.handlersMu.RLock()
	hs := append([]Handler(nil), c.handlers[env.Type]...)
	c.handlersMu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug("no handler for message", "type", env.Type)
		return
	}
	for _, h := range hs {
		c.notes.Send(func() { h(env) })
	}
}

// notify runs handler and observer callbacks in order.
func (c *Channel) notify(done chan struct{}) {
	defer close(done)
	for {
		fn, ok := c.notes.Receive()
		if !ok {
			return
		}
		c.safeCall(fn)
	}
}

func (c *Channel) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// publish copies the goroutine-owned state into the view read by observers.
func (c *Channel) publish() {
	s := Stats{
		Instance:     c.instance.String(),
		Kind:         c.cfg.Kind,
		State:        c.state,
		Attempts:     c.policy.attempts,
		MissedPongs:  c.hb.missed,
		LastPongAt:   c.hb.lastPongAt,
		QueueDepth:   c.queue.len(),
		QueueDropped: c.queue.dropped(),
		Dials:        c.dials,
		Sent:         c.sent,
		Received:     c.received,
		DecodeErrors: c.badFrames,
	}
	if c.retryTimer != nil {
		s.NextDelay = c.policy.delay().String()
	}
	if c.conn != nil {
		s.ConnectedAt = c.connectedAt
	}
	if c.err != nil {
		s.LastError = c.err.Error()
	}

	c.mu.Lock()
	c.view = s
	c.lastErr = c.err
	c.mu.Unlock()
}

// withToken attaches the bearer token as the token query parameter.
func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact strips the query string so tokens never reach the logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
