package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/duel"
)

var sendFlags struct {
	userID  int64
	duelID  int64
	typ     string
	data    string
	timeout time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message on a duel channel",
	Example: `  arena-realtime send --user 42 --duel 7 --type chat_message --data '{"message":"gg"}'
  arena-realtime send --user 42 --duel 7 --type surrender`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendFlags.userID == 0 || sendFlags.duelID == 0 {
			return errors.New("--user and --duel are required")
		}
		env, err := buildEnvelope(sendFlags.typ, sendFlags.data)
		if err != nil {
			return err
		}
		a, err := loadApp(configPath, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), sendFlags.timeout)
		defer cancel()
		return a.send(ctx, sendFlags.userID, sendFlags.duelID, env)
	},
}

func init() {
	sendCmd.Flags().Int64Var(&sendFlags.userID, "user", 0, "user id")
	sendCmd.Flags().Int64Var(&sendFlags.duelID, "duel", 0, "duel id")
	sendCmd.Flags().StringVar(&sendFlags.typ, "type", duel.TypeChatMessage, "message type")
	sendCmd.Flags().StringVar(&sendFlags.data, "data", "", "JSON payload")
	sendCmd.Flags().DurationVar(&sendFlags.timeout, "timeout", 15*time.Second, "give up if not delivered within this time")
	rootCmd.AddCommand(sendCmd)
}

// buildEnvelope validates the payload as JSON; an empty payload sends no data.
func buildEnvelope(typ, data string) (channel.Envelope, error) {
	if typ == "" {
		return channel.Envelope{}, channel.ErrEmptyType
	}
	env := channel.Envelope{Type: typ}
	if data == "" {
		return env, nil
	}
	if !json.Valid([]byte(data)) {
		return channel.Envelope{}, fmt.Errorf("--data is not valid JSON: %s", data)
	}
	env.Data = json.RawMessage(data)
	return env, nil
}

func (a *app) send(ctx context.Context, userID, duelID int64, env channel.Envelope) error {
	opts, err := a.channelOptions(userID)
	if err != nil {
		return err
	}
	dc, err := duel.New(ctx, a.duelConfig(duelID, userID), opts...)
	if err != nil {
		return err
	}
	defer dc.Close()

	if err := dc.Send(env); err != nil {
		return err
	}
	if err := waitDelivered(ctx, dc.Channel, 50*time.Millisecond); err != nil {
		return err
	}
	a.logger.Info("sent", "type", env.Type, "duel_id", duelID)
	dc.Disconnect()
	return nil
}

// waitDelivered polls until the channel has written at least one frame with
// nothing left queued. It fails early once the channel gives up.
func waitDelivered(ctx context.Context, ch *channel.Channel, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s := ch.Stats()
		if s.Sent > 0 && s.QueueDepth == 0 {
			return nil
		}
		if s.State == channel.StateFailed || (s.State == channel.StateDisconnected && channel.IsConfigError(ch.LastError())) {
			return fmt.Errorf("not delivered: %w", ch.LastError())
		}
		select {
		case <-ctx.Done():
			if err := ch.LastError(); err != nil {
				return fmt.Errorf("not delivered: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("not delivered: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
