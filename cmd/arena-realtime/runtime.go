package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/parkerjbeard/LogicArena-sub000/internal/auth"
	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/config"
	"github.com/parkerjbeard/LogicArena-sub000/internal/duel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/notify"
	"github.com/parkerjbeard/LogicArena-sub000/internal/version"
)

// app holds what every command needs after config is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadApp(path string, out io.Writer) (*app, error) {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log, out)
	slog.SetDefault(logger)
	return &app{cfg: cfg, logger: logger}, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// tokenSource builds the credential chain: inline token, token file, named
// env var, then a locally minted JWT.
func (a *app) tokenSource(userID int64) (channel.TokenSource, error) {
	ac := a.cfg.Auth
	var chain auth.Chain
	if ac.Token != "" {
		chain = append(chain, auth.Static(ac.Token))
	}
	if ac.TokenFile != "" {
		chain = append(chain, auth.File(ac.TokenFile))
	}
	if ac.TokenEnv != "" {
		chain = append(chain, auth.Env(ac.TokenEnv))
	}
	if ac.PrivateKeyPath != "" {
		m, err := auth.LoadMinter(ac.PrivateKeyPath, auth.MinterConfig{
			UserID:   userID,
			Issuer:   ac.Issuer,
			Audience: ac.Audience,
			KeyID:    ac.KeyID,
			TTL:      ac.TokenTTL.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("token minter: %w", err)
		}
		chain = append(chain, m)
	}
	return chain, nil
}

func (a *app) dialer() *channel.WebSocketDialer {
	d := channel.NewWebSocketDialer()
	t := a.cfg.Transport
	d.HandshakeTimeout = t.HandshakeTimeout.Std()
	d.WriteTimeout = t.WriteTimeout.Std()
	d.ReadLimit = t.ReadLimit
	d.UserAgent = t.UserAgent
	if d.UserAgent == "" {
		d.UserAgent = version.UserAgent()
	}
	return d
}

func (a *app) duelConfig(duelID, userID int64) channel.Config {
	cfg := duel.Config(a.cfg.Server.WSURL, duelID, userID)
	a.cfg.Channels.Duel.ApplyTo(&cfg)
	cfg.HandshakeTimeout = a.cfg.Transport.HandshakeTimeout.Std()
	return cfg
}

func (a *app) notifyConfig(userID int64) channel.Config {
	cfg := notify.Config(a.cfg.Server.WSURL, userID)
	a.cfg.Channels.Notifications.ApplyTo(&cfg)
	cfg.HandshakeTimeout = a.cfg.Transport.HandshakeTimeout.Std()
	return cfg
}

// channelOptions are shared by every channel a command opens.
func (a *app) channelOptions(userID int64) ([]channel.Option, error) {
	tokens, err := a.tokenSource(userID)
	if err != nil {
		return nil, err
	}
	return []channel.Option{
		channel.WithLogger(a.logger),
		channel.WithDialer(a.dialer()),
		channel.WithTokenSource(tokens),
	}, nil
}

// logMessage logs an inbound envelope with its payload, or the whole frame
// when the server sent its fields flat.
func logMessage(logger *slog.Logger) channel.Handler {
	return func(env channel.Envelope) {
		payload := env.Data
		if len(payload) == 0 {
			payload = env.Raw
		}
		logger.Info("message",
			"type", env.Type,
			"sent_at", env.Time(),
			"data", string(payload),
		)
	}
}

// logTransition reports each state change of a watched channel.
func logTransition(logger *slog.Logger, kind string) channel.StateObserver {
	return func(sc channel.StateChange) {
		args := []any{"channel", kind, "from", sc.From, "to", sc.To, "attempt", sc.Attempt}
		if sc.Err != nil {
			args = append(args, "error", sc.Err)
		}
		logger.Info("state", args...)
	}
}
