package config

import (
	"fmt"
	"time"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// ServerConfig locates the arena server.
type ServerConfig struct {
	WSURL string `yaml:"ws_url" toml:"ws_url" env:"ARENA_WS_URL"`
}

// AuthConfig selects where bearer tokens come from. The first configured
// source that yields a token wins: token, token_file, token_env, then a
// locally minted JWT when private_key_path is set.
type AuthConfig struct {
	Token          string   `yaml:"token" toml:"token" env:"ARENA_TOKEN"`
	TokenFile      string   `yaml:"token_file" toml:"token_file" env:"ARENA_TOKEN_FILE"`
	TokenEnv       string   `yaml:"token_env" toml:"token_env"`
	PrivateKeyPath string   `yaml:"private_key_path" toml:"private_key_path" env:"ARENA_PRIVATE_KEY_PATH"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	KeyID          string   `yaml:"key_id" toml:"key_id"`
	TokenTTL       Duration `yaml:"token_ttl" toml:"token_ttl"`
}

// TransportConfig holds WebSocket dial settings.
type TransportConfig struct {
	HandshakeTimeout Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout" toml:"write_timeout"`
	ReadLimit        int64    `yaml:"read_limit" toml:"read_limit"`
	UserAgent        string   `yaml:"user_agent" toml:"user_agent"`
}

// ChannelsConfig holds per-kind channel settings.
type ChannelsConfig struct {
	Duel          ChannelConfig `yaml:"duel" toml:"duel"`
	Notifications ChannelConfig `yaml:"notifications" toml:"notifications"`
}

// ChannelConfig tunes one channel kind. Zero values take the defaults; a
// negative heartbeat_interval (e.g. "-1s") turns pings off and a negative
// queue_limit keeps every queued message.
type ChannelConfig struct {
	MaxAttempts       int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay" toml:"max_delay"`
	BackoffFactor     float64  `yaml:"backoff_factor" toml:"backoff_factor"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	QueueLimit        int      `yaml:"queue_limit" toml:"queue_limit"`
	QueueTTL          Duration `yaml:"queue_ttl" toml:"queue_ttl"`
	MessageLogLimit   int      `yaml:"message_log_limit" toml:"message_log_limit"`
}

// ApplyTo copies these settings onto a channel config.
func (c ChannelConfig) ApplyTo(cfg *channel.Config) {
	cfg.Reconnect = channel.ReconnectConfig{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  c.InitialDelay.Std(),
		MaxDelay:      c.MaxDelay.Std(),
		BackoffFactor: c.BackoffFactor,
	}
	cfg.HeartbeatInterval = c.HeartbeatInterval.Std()
	if c.HeartbeatInterval < 0 {
		cfg.HeartbeatInterval = channel.NoHeartbeat
	}
	cfg.QueueLimit = c.QueueLimit
	if c.QueueLimit < 0 {
		cfg.QueueLimit = channel.Unbounded
	}
	cfg.QueueTTL = c.QueueTTL.Std()
	cfg.MessageLogLimit = c.MessageLogLimit
}

// JournalConfig controls the PostgreSQL state-transition journal.
type JournalConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled" env:"ARENA_JOURNAL_ENABLED"`
	Database      DBConfig `yaml:"database" toml:"database"`
	BatchSize     int      `yaml:"batch_size" toml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval"`
	BufferSize    int      `yaml:"buffer_size" toml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" toml:"host" env:"ARENA_DB_HOST"`
	Port     int    `yaml:"port" toml:"port" env:"ARENA_DB_PORT"`
	Name     string `yaml:"name" toml:"name" env:"ARENA_DB_NAME"`
	User     string `yaml:"user" toml:"user" env:"ARENA_DB_USER"`
	Password string `yaml:"password" toml:"password" env:"ARENA_DB_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode" toml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns"`
	MinConns int    `yaml:"min_conns" toml:"min_conns"`

	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

// HealthConfig controls the local health/debug HTTP server.
type HealthConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port" env:"ARENA_HEALTH_PORT"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" env:"ARENA_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"ARENA_LOG_FORMAT"` // "text" or "json"
}

// Duration is a time.Duration written as a Go duration string ("30s", "1m30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}
