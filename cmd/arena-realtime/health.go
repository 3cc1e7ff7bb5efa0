package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
	"github.com/parkerjbeard/LogicArena-sub000/internal/journal"
)

// statser is satisfied by *channel.Channel and the typed clients embedding it.
type statser interface {
	Stats() channel.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthSources are the components reported by the health server. db and
// journal are nil when the journal is disabled.
type healthSources struct {
	channels []statser
	db       pinger
	journal  *journal.Writer
}

func newHealthServer(port int, src healthSources, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           createHealthHandler(src, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(src healthSources, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		for _, ch := range src.channels {
			s := ch.Stats()
			health.Components[s.Kind] = map[string]any{
				"state":    s.State,
				"attempts": s.Attempts,
				"queued":   s.QueueDepth,
			}
			switch s.State {
			case channel.StateConnected:
			case channel.StateFailed:
				health.Status = "unhealthy"
			default:
				if health.Status == "healthy" {
					health.Status = "degraded"
				}
			}
		}

		if src.db != nil {
			if err := src.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}
		if src.journal != nil {
			health.Components["journal"] = src.journal.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	mux.HandleFunc("/debug/channels", func(w http.ResponseWriter, r *http.Request) {
		stats := make([]channel.Stats, 0, len(src.channels))
		for _, ch := range src.channels {
			stats = append(stats, ch.Stats())
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":    len(stats),
			"channels": stats,
		})
	})

	return mux
}
