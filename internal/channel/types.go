package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrMissingIdentity    = errors.New("channel id and subject id are required")
	ErrMissingCredentials = errors.New("no bearer token available")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrFrameTooLarge      = errors.New("inbound frame exceeds read limit")
	ErrStaleConnection    = errors.New("connection stale (no pong)")
	ErrEmptyType          = errors.New("envelope type is required")
	ErrClosed             = errors.New("channel closed")
	ErrInvalidConfig      = errors.New("invalid channel config")
)

// IsConfigError reports whether err is a configuration error that retrying
// cannot fix.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrMissingIdentity) || errors.Is(err, ErrMissingCredentials)
}

// State is the lifecycle state of a channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so it reads well in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reserved control frame types.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Identity is the immutable (channel, subject) pair a channel is bound to.
type Identity struct {
	ChannelID int64
	SubjectID int64
}

// Valid reports whether both ids are set.
func (id Identity) Valid() bool {
	return id.ChannelID != 0 && id.SubjectID != 0
}

// Envelope is the unit exchanged over the transport.
//
// Inbound envelopes also carry the whole frame in Raw, so top-level fields
// other than type, timestamp and data reach handlers untouched.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"` // Epoch milliseconds, stamped at transmit time
	Data      json.RawMessage `json:"data,omitempty"`
	Raw       json.RawMessage `json:"-"` // Inbound frame as received; never written
}

// NewEnvelope builds an envelope with data encoded as JSON.
func NewEnvelope(typ string, data any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrEmptyType
	}
	env := Envelope{Type: typ}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

// Time returns the sender timestamp, or the zero time if none was set.
func (e Envelope) Time() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp)
}

// Decode unmarshals the envelope payload into T. Frames without a data
// field are decoded from the raw frame, which covers servers that send flat
// payloads such as {"type":"proof_result","user_id":9,"valid":true}.
func Decode[T any](env Envelope) (T, error) {
	var v T
	payload := env.Data
	if len(payload) == 0 {
		payload = env.Raw
	}
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// Handler receives inbound application envelopes of one type.
type Handler func(Envelope)

// StateChange describes one lifecycle transition.
type StateChange struct {
	From    State
	To      State
	Err     error // Set when the transition was caused by a failure
	Attempt int   // Reconnection attempt count at the time of the change
	At      time.Time
}

// StateObserver is notified of every transition, in order.
type StateObserver func(StateChange)

// TokenSource supplies the bearer token attached to each connection attempt.
// An empty token with a nil error means no credential is available.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// URLFunc builds the connection URL (without credentials) for an identity.
type URLFunc func(base string, id Identity) (string, error)

// ReconnectConfig configures the reconnection policy.
type ReconnectConfig struct {
	MaxAttempts   int           // Retries allowed after a drop before the channel fails
	InitialDelay  time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Upper bound on any retry delay
	BackoffFactor float64       // Multiplier applied after each failed retry (>= 1)
}

// DefaultReconnectConfig returns sensible defaults.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 1.5,
	}
}

// Config configures a Channel.
type Config struct {
	Kind     string  // Channel kind used in logs ("duel", "notifications")
	BaseURL  string  // WebSocket base address (e.g., ws://localhost:8000)
	BuildURL URLFunc // Builds the per-identity URL from BaseURL
	Identity Identity

	Reconnect         ReconnectConfig
	HeartbeatInterval time.Duration // Ping period while connected; NoHeartbeat disables pings
	StaleIntervals    int           // Intervals without pong before force-close
	HandshakeTimeout  time.Duration // Upper bound on a single dial
	TokenTimeout      time.Duration // Upper bound on a token lookup

	QueueLimit      int           // Max queued envelopes, oldest dropped beyond it; Unbounded keeps all
	QueueTTL        time.Duration // Queued envelopes older than this are dropped at flush (0 = keep)
	MessageLogLimit int           // Max retained inbound messages (0 = unbounded)

	PingType string // Outbound liveness probe type
	PongType string // Inbound liveness reply type
}

// Sentinels for Config fields whose zero value selects the default.
const (
	NoHeartbeat time.Duration = -1 // HeartbeatInterval: never ping
	Unbounded   int           = -1 // QueueLimit: never drop queued envelopes
)

// DefaultConfig returns defaults for everything except kind, URLs and identity.
func DefaultConfig() Config {
	return Config{
		Reconnect:         DefaultReconnectConfig(),
		HeartbeatInterval: 30 * time.Second,
		StaleIntervals:    3,
		HandshakeTimeout:  10 * time.Second,
		TokenTimeout:      5 * time.Second,
		QueueLimit:        1000,
		PingType:          TypePing,
		PongType:          TypePong,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.InitialDelay == 0 {
		c.Reconnect.InitialDelay = d.Reconnect.InitialDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	if c.Reconnect.BackoffFactor == 0 {
		c.Reconnect.BackoffFactor = d.Reconnect.BackoffFactor
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.QueueLimit == 0 {
		c.QueueLimit = d.QueueLimit
	}
	if c.StaleIntervals == 0 {
		c.StaleIntervals = d.StaleIntervals
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.TokenTimeout == 0 {
		c.TokenTimeout = d.TokenTimeout
	}
	if c.PingType == "" {
		c.PingType = d.PingType
	}
	if c.PongType == "" {
		c.PongType = d.PongType
	}
	if c.Kind == "" {
		c.Kind = "channel"
	}
}

func (c *Config) validate() error {
	if c.BuildURL == nil {
		return fmt.Errorf("%w: url builder is required", ErrInvalidConfig)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidConfig)
	}
	if c.Reconnect.InitialDelay < 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: max delay (%v) must be >= initial delay (%v)",
			ErrInvalidConfig, c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}
	if c.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("%w: backoff factor must be >= 1, got %v", ErrInvalidConfig, c.Reconnect.BackoffFactor)
	}
	if c.StaleIntervals < 1 {
		return fmt.Errorf("%w: stale intervals must be >= 1", ErrInvalidConfig)
	}
	if c.HeartbeatInterval < 0 && c.HeartbeatInterval != NoHeartbeat {
		return fmt.Errorf("%w: heartbeat interval must be > 0 or NoHeartbeat", ErrInvalidConfig)
	}
	if c.QueueLimit < 0 && c.QueueLimit != Unbounded {
		return fmt.Errorf("%w: queue limit must be > 0 or Unbounded", ErrInvalidConfig)
	}
	if c.MessageLogLimit < 0 {
		return fmt.Errorf("%w: message log limit must be >= 0", ErrInvalidConfig)
	}
	if c.PingType == c.PongType {
		return fmt.Errorf("%w: ping and pong types must differ", ErrInvalidConfig)
	}
	return nil
}

// Stats is a point-in-time snapshot of a channel for diagnostics.
type Stats struct {
	Instance     string    `json:"instance"`
	Kind         string    `json:"kind"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	NextDelay    string    `json:"next_delay"`
	MissedPongs  int       `json:"missed_pongs"`
	LastPongAt   time.Time `json:"last_pong_at"`
	ConnectedAt  time.Time `json:"connected_at"`
	QueueDepth   int       `json:"queue_depth"`
	QueueDropped int64     `json:"queue_dropped"`
	Dials        int64     `json:"dials"`
	Sent         int64     `json:"sent"`
	Received     int64     `json:"received"`
	DecodeErrors int64     `json:"decode_errors"`
	LastError    string    `json:"last_error,omitempty"`
}
