package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/database"
	"github.com/parkerjbeard/LogicArena-sub000/internal/duel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/journal"
	"github.com/parkerjbeard/LogicArena-sub000/internal/notify"
)

var watchFlags struct {
	userID        int64
	duelID        int64
	notifications bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and log everything the server sends",
	Long: "Open the notification channel for --user and, with --duel, the duel channel.\n" +
		"Runs until interrupted. Transitions are journaled when journal.enabled is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchFlags.userID == 0 {
			return errors.New("--user is required")
		}
		if watchFlags.duelID == 0 && !watchFlags.notifications {
			return errors.New("nothing to watch: pass --duel or leave notifications on")
		}
		a, err := loadApp(configPath, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return a.watch(cmd.Context(), watchFlags.userID, watchFlags.duelID, watchFlags.notifications)
	},
}

func init() {
	watchCmd.Flags().Int64Var(&watchFlags.userID, "user", 0, "user id")
	watchCmd.Flags().Int64Var(&watchFlags.duelID, "duel", 0, "duel id (0 to skip the duel channel)")
	watchCmd.Flags().BoolVar(&watchFlags.notifications, "notifications", true, "open the notification channel")
	rootCmd.AddCommand(watchCmd)
}

func (a *app) watch(ctx context.Context, userID, duelID int64, notifications bool) error {
	logger := a.logger
	opts, err := a.channelOptions(userID)
	if err != nil {
		return err
	}

	var src healthSources
	var writer *journal.Writer
	if a.cfg.Journal.Enabled {
		jc := a.cfg.Journal
		logger.Info("connecting to journal database",
			"host", jc.Database.Host,
			"port", jc.Database.Port,
			"database", jc.Database.Name,
		)
		pool, err := database.Connect(ctx, jc.Database)
		if err != nil {
			return fmt.Errorf("journal database: %w", err)
		}
		defer pool.Close()
		if err := journal.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		writer = journal.NewWriter(journal.Config{
			BatchSize:     jc.BatchSize,
			FlushInterval: jc.FlushInterval.Std(),
			BufferSize:    jc.BufferSize,
		}, pool, logger)
		if err := writer.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			writer.Stop(stopCtx)
		}()
		src.db = pool
		src.journal = writer
	}

	// journaled adds the transition logger and, when the journal is on, ties
	// the channel's transitions to it under a known instance id.
	journaled := func(cfg channel.Config, extra ...channel.Option) []channel.Option {
		out := append(append([]channel.Option(nil), opts...), extra...)
		out = append(out, channel.WithStateObserver(logTransition(logger, cfg.Kind)))
		if writer == nil {
			return out
		}
		id := uuid.New()
		return append(out,
			channel.WithInstance(id),
			channel.WithStateObserver(writer.Observer(id.String(), cfg.Kind, cfg.Identity)),
		)
	}

	var channels []*channel.Channel

	if notifications {
		cfg := a.notifyConfig(userID)
		nc, err := notify.New(ctx, cfg, notify.LogAlerter{Logger: logger}, logger, journaled(cfg)...)
		if err != nil {
			return err
		}
		channels = append(channels, nc.Channel)
	}

	if duelID != 0 {
		cfg := a.duelConfig(duelID, userID)
		extra := []channel.Option{
			duel.OnComplete(func(res duel.DuelComplete) {
				logger.Info("duel complete", "winner_id", res.WinnerID, "rating_change", res.RatingChange)
			}),
		}
		for _, typ := range duel.InboundTypes {
			extra = append(extra, channel.WithHandler(typ, logMessage(logger)))
		}
		dc, err := duel.New(ctx, cfg, journaled(cfg, extra...)...)
		if err != nil {
			for _, ch := range channels {
				ch.Close()
			}
			return err
		}
		channels = append(channels, dc.Channel)
	}

	for _, ch := range channels {
		src.channels = append(src.channels, ch)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Health.Enabled {
		srv := newHealthServer(a.cfg.Health.Port, src, logger)
		g.Go(func() error {
			logger.Info("starting health server", "port", a.cfg.Health.Port)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, ch := range channels {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				ch.Close()
			case <-ch.Done():
			}
			<-ch.Done()
			return nil
		})
	}

	logger.Info("watching", "user_id", userID, "duel_id", duelID, "channels", len(channels))
	err = g.Wait()
	logger.Info("stopped")
	return err
}
