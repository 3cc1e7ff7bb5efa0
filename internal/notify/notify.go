package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

// Kind is the channel kind used in URLs and logs.
const Kind = "notifications"

const (
	TypeNotification = "notification"
	TypeMarkRead     = "mark_read"
)

// DefaultReconnect is the notification retry policy: ten attempts starting at
// three seconds.
func DefaultReconnect() channel.ReconnectConfig {
	return channel.ReconnectConfig{
		MaxAttempts:   10,
		InitialDelay:  3 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 1.5,
	}
}

// BuildURL returns <base>/ws/notifications/<userID>.
func BuildURL(base string, id channel.Identity) (string, error) {
	if base == "" {
		return "", fmt.Errorf("notify: empty base url")
	}
	return fmt.Sprintf("%s/ws/notifications/%d", strings.TrimRight(base, "/"), id.SubjectID), nil
}

// Config returns a channel config for one user. The notification channel is
// keyed by the user alone, so the user id fills both identity fields.
func Config(baseURL string, userID int64) channel.Config {
	cfg := channel.DefaultConfig()
	cfg.Kind = Kind
	cfg.BaseURL = baseURL
	cfg.BuildURL = BuildURL
	cfg.Identity = channel.Identity{ChannelID: userID, SubjectID: userID}
	cfg.Reconnect = DefaultReconnect()
	return cfg
}

// Notification is the payload of a notification frame.
type Notification struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Alerter surfaces notifications to the user.
type Alerter interface {
	Alert(ctx context.Context, n Notification) error
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, n Notification) error

func (f AlerterFunc) Alert(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogAlerter writes each notification to a logger.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, n Notification) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"id", n.ID,
		"type", n.Type,
		"title", n.Title,
		"message", n.Message,
	)
	return nil
}

// Client is a notification channel.
type Client struct {
	*channel.Channel
}

// New opens a notification channel. If alerter is non-nil it receives every
// notification frame.
func New(ctx context.Context, cfg channel.Config, alerter Alerter, logger *slog.Logger, opts ...channel.Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := []channel.Option{channel.WithLogger(logger)}
	if alerter != nil {
		base = append(base, channel.WithHandler(TypeNotification, alertHandler(ctx, alerter, logger)))
	}
	opts = append(base, opts...)
	ch, err := channel.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("notification channel: %w", err)
	}
	return &Client{Channel: ch}, nil
}

func alertHandler(ctx context.Context, alerter Alerter, logger *slog.Logger) channel.Handler {
	return func(env channel.Envelope) {
		n, err := channel.Decode[Notification](env)
		if err != nil {
			logger.Warn("dropping undecodable notification", "error", err)
			return
		}
		if err := alerter.Alert(ctx, n); err != nil {
			logger.Warn("alert failed", "id", n.ID, "error", err)
		}
	}
}

type markRead struct {
	NotificationIDs []int64 `json:"notification_ids"`
}

// MarkRead tells the server the given notifications were seen.
// With no ids the server marks everything read.
func (c *Client) MarkRead(ids ...int64) error {
	if ids == nil {
		ids = []int64{}
	}
	return c.SendData(TypeMarkRead, markRead{NotificationIDs: ids})
}
