package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkerjbeard/LogicArena-sub000/internal/channel"
)

func TestBuildURL(t *testing.T) {
	u, err := BuildURL("ws://localhost:8000", channel.Identity{ChannelID: 34, SubjectID: 34})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/notifications/34", u)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config("ws://arena", 34)
	assert.Equal(t, channel.Identity{ChannelID: 34, SubjectID: 34}, cfg.Identity)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Reconnect.InitialDelay)
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	a := LogAlerter{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	err := a.Alert(context.Background(), Notification{ID: 3, Type: "duel_invite", Title: "Challenge"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "title=Challenge")
	assert.Contains(t, buf.String(), "type=duel_invite")
}

func TestClient_AlertsAndMarkRead(t *testing.T) {
	marks := make(chan json.RawMessage, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/notifications/34" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification","data":{"id":1,"title":"broken"`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"notification","data":{"id":7,"type":"duel_invite","title":"Challenge","message":"alice wants a duel"}}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env channel.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == TypeMarkRead {
				marks <- env.Data
			}
		}
	}))
	defer server.Close()

	alerts := make(chan Notification, 2)
	alerter := AlerterFunc(func(_ context.Context, n Notification) error {
		alerts <- n
		return errors.New("no display")
	})

	cfg := Config("ws"+strings.TrimPrefix(server.URL, "http"), 34)
	c, err := New(context.Background(), cfg, alerter,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		channel.WithTokenSource(channel.TokenFunc(func(context.Context) (string, error) { return "tok", nil })),
	)
	require.NoError(t, err)
	defer c.Close()

	select {
	case n := <-alerts:
		assert.Equal(t, int64(7), n.ID)
		assert.Equal(t, "alice wants a duel", n.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert")
	}

	require.NoError(t, c.MarkRead(7, 8))
	select {
	case data := <-marks:
		assert.JSONEq(t, `{"notification_ids":[7,8]}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("mark_read not received")
	}

	require.NoError(t, c.MarkRead())
	select {
	case data := <-marks:
		assert.JSONEq(t, `{"notification_ids":[]}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("mark_read not received")
	}

	assert.Equal(t, int64(1), c.Stats().DecodeErrors)
}
