package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultWSURL             = "ws://localhost:8000"
	DefaultTokenTTL          = 15 * time.Minute
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultDuelMaxAttempts   = 5
	DefaultDuelInitialDelay  = 1 * time.Second
	DefaultNotifyMaxAttempts = 10
	DefaultNotifyInitDelay   = 3 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffFactor     = 1.5
	DefaultHeartbeat         = 30 * time.Second
	DefaultQueueLimit        = 1000
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultConnectTimeout    = 5 * time.Second
	DefaultBatchSize         = 100
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 1000
	DefaultHealthPort        = 8080
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *Config) applyDefaults() {
	if c.Server.WSURL == "" {
		c.Server.WSURL = DefaultWSURL
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(DefaultTokenTTL)
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = Duration(DefaultWriteTimeout)
	}
	if c.Transport.ReadLimit == 0 {
		c.Transport.ReadLimit = DefaultReadLimit
	}

	// Channel defaults
	applyChannelDefaults(&c.Channels.Duel, DefaultDuelMaxAttempts, DefaultDuelInitialDelay)
	applyChannelDefaults(&c.Channels.Notifications, DefaultNotifyMaxAttempts, DefaultNotifyInitDelay)

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = Duration(DefaultFlushInterval)
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyChannelDefaults(ch *ChannelConfig, maxAttempts int, initialDelay time.Duration) {
	if ch.MaxAttempts == 0 {
		ch.MaxAttempts = maxAttempts
	}
	if ch.InitialDelay == 0 {
		ch.InitialDelay = Duration(initialDelay)
	}
	if ch.MaxDelay == 0 {
		ch.MaxDelay = Duration(DefaultMaxDelay)
	}
	if ch.BackoffFactor == 0 {
		ch.BackoffFactor = DefaultBackoffFactor
	}
	if ch.HeartbeatInterval == 0 {
		ch.HeartbeatInterval = Duration(DefaultHeartbeat)
	}
	if ch.QueueLimit == 0 {
		ch.QueueLimit = DefaultQueueLimit
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
	if db.ConnectTimeout == 0 {
		db.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
}
