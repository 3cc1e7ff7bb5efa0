package duel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

// Kind is the channel kind used in URLs and logs.
const Kind = "duel"

// Outbound message types.
const (
	TypeSubmitProof = "submit_proof"
	TypeTimeUpdate  = "time_update"
	TypeChatMessage = "chat_message"
	TypeSurrender   = "surrender"
)

// Inbound message types sent by the server.
const (
	TypePlayerJoined   = "player_joined"
	TypeProofResult    = "proof_result"
	TypeOpponentUpdate = "opponent_update"
	TypeDuelComplete   = "duel_complete"
)

// InboundTypes lists every server-sent type, including chat and clock
// updates relayed from the opponent.
var InboundTypes = []string{
	TypePlayerJoined,
	TypeProofResult,
	TypeOpponentUpdate,
	TypeDuelComplete,
	TypeChatMessage,
	TypeTimeUpdate,
}

// DefaultReconnect is the duel retry policy: five attempts starting at one second.
func DefaultReconnect() channel.ReconnectConfig {
	return channel.ReconnectConfig{
		MaxAttempts:   5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 1.5,
	}
}

// BuildURL returns <base>/ws/duel/<duelID>.
func BuildURL(base string, id channel.Identity) (string, error) {
	if base == "" {
		return "", fmt.Errorf("duel: empty base url")
	}
	return fmt.Sprintf("%s/ws/duel/%d", strings.TrimRight(base, "/"), id.ChannelID), nil
}

// Config returns a channel config for one duel. The caller may adjust it
// before passing it to New.
func Config(baseURL string, duelID, userID int64) channel.Config {
	cfg := channel.DefaultConfig()
	cfg.Kind = Kind
	cfg.BaseURL = baseURL
	cfg.BuildURL = BuildURL
	cfg.Identity = channel.Identity{ChannelID: duelID, SubjectID: userID}
	cfg.Reconnect = DefaultReconnect()
	return cfg
}

// Client is a duel channel with typed send helpers.
type Client struct {
	*channel.Channel
}

// New opens a duel channel.
func New(ctx context.Context, cfg channel.Config, opts ...channel.Option) (*Client, error) {
	ch, err := channel.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("duel channel: %w", err)
	}
	return &Client{Channel: ch}, nil
}

// SubmitProof payload.
type SubmitProof struct {
	Proof string `json:"proof"`
}

// TimeUpdate payload.
type TimeUpdate struct {
	TimeLeft int `json:"time_left"` // Seconds
}

// ChatMessage payload.
type ChatMessage struct {
	Message string `json:"message"`
	UserID  int64  `json:"user_id,omitempty"`
}

// DuelComplete payload.
type DuelComplete struct {
	WinnerID     int64 `json:"winner_id"`
	RatingChange int   `json:"rating_change"`
}

// ProofResult payload.
type ProofResult struct {
	UserID  int64  `json:"user_id"`
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

func (c *Client) SubmitProof(proof string) error {
	return c.SendData(TypeSubmitProof, SubmitProof{Proof: proof})
}

// UpdateTime reports the local clock; sub-second remainders are truncated.
func (c *Client) UpdateTime(left time.Duration) error {
	return c.SendData(TypeTimeUpdate, TimeUpdate{TimeLeft: int(left / time.Second)})
}

func (c *Client) SendChat(message string) error {
	return c.SendData(TypeChatMessage, ChatMessage{Message: message, UserID: c.Identity().SubjectID})
}

func (c *Client) Surrender() error {
	return c.SendData(TypeSurrender, nil)
}

// OnComplete returns an option that calls fn with the end-of-duel result.
// Payloads that fail to decode are skipped.
func OnComplete(fn func(DuelComplete)) channel.Option {
	return channel.WithHandler(TypeDuelComplete, func(env channel.Envelope) {
		res, err := channel.Decode[DuelComplete](env)
		if err != nil {
			return
		}
		fn(res)
	})
}
