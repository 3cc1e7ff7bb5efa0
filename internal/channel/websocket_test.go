package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockArena serves /ws/test/{id} and requires token=secret.
func mockArena(t *testing.T, handler func(n int, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var conns atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(int(conns.Add(1)), conn)
	}))
	t.Cleanup(server.Close)
	return server, &conns
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// echoLoop answers pings and echoes chat messages until the client leaves.
func echoLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case TypePing:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		case "chat_message":
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func liveConfig(server *httptest.Server) Config {
	cfg := testConfig()
	cfg.BaseURL = wsURL(server)
	cfg.Reconnect = ReconnectConfig{
		MaxAttempts:   2,
		InitialDelay:  10 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BackoffFactor: 1.5,
	}
	return cfg
}

func newLiveChannel(t *testing.T, cfg Config, token string, opts ...Option) *Channel {
	t.Helper()
	base := []Option{
		WithTokenSource(staticToken(token)),
		WithLogger(discardLogger()),
	}
	ch, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestWebSocket_RoundTrip(t *testing.T) {
	server, _ := mockArena(t, func(_ int, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"player_joined","data":{"user_id":9}}`))
		echoLoop(conn)
	})

	joined := make(chan Envelope, 1)
	echoed := make(chan Envelope, 1)
	ch := newLiveChannel(t, liveConfig(server), "secret",
		WithHandler("player_joined", func(env Envelope) { joined <- env }),
		WithHandler("chat_message", func(env Envelope) { echoed <- env }),
	)

	select {
	case env := <-joined:
		assert.JSONEq(t, `{"user_id":9}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no player_joined frame")
	}
	assert.Equal(t, StateConnected, ch.State())

	require.NoError(t, ch.SendData("chat_message", chatMessage{Text: "good luck"}))
	select {
	case env := <-echoed:
		msg, err := Decode[chatMessage](env)
		require.NoError(t, err)
		assert.Equal(t, "good luck", msg.Text)
		assert.NotZero(t, env.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestWebSocket_RejectedTokenExhaustsRetries(t *testing.T) {
	server, conns := mockArena(t, func(_ int, conn *websocket.Conn) { echoLoop(conn) })

	ch := newLiveChannel(t, liveConfig(server), "wrong")
	require.Eventually(t, func() bool { return ch.State() == StateFailed },
		2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, ch.LastError(), ErrReconnectExhausted)
	assert.Contains(t, ch.LastError().Error(), "401")
	assert.Equal(t, int64(3), ch.Stats().Dials)
	assert.Zero(t, conns.Load())
}

func TestWebSocket_ReconnectsAfterServerDrop(t *testing.T) {
	server, conns := mockArena(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
			return
		}
		echoLoop(conn)
	})

	ch := newLiveChannel(t, liveConfig(server), "secret")
	require.Eventually(t, func() bool {
		return conns.Load() == 2 && ch.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ch.Stats().Attempts)
}

func TestWebSocket_HeartbeatKeepsConnection(t *testing.T) {
	server, conns := mockArena(t, func(_ int, conn *websocket.Conn) { echoLoop(conn) })

	cfg := liveConfig(server)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	ch := newLiveChannel(t, cfg, "secret")

	require.Eventually(t, func() bool { return ch.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, int32(1), conns.Load(), "pongs keep the first connection alive")
	assert.Greater(t, ch.Stats().Sent, int64(3))
}

func ExampleNew() {
	cfg := DefaultConfig()
	cfg.Kind = "duel"
	cfg.BaseURL = "ws://localhost:8000"
	cfg.Identity = Identity{ChannelID: 12, SubjectID: 34}
	cfg.BuildURL = func(base string, id Identity) (string, error) {
		return fmt.Sprintf("%s/ws/duel/%d", base, id.ChannelID), nil
	}

	ch, err := New(context.Background(), cfg, WithTokenSource(staticToken("")))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer ch.Close()
	ch.barrier()

	fmt.Println(ch.State(), IsConfigError(ch.LastError()))
	// Output: disconnected true
}

func TestWebSocket_OversizedFrameReconnects(t *testing.T) {
	big := fmt.Sprintf(`{"type":"opponent_update","data":%q}`, strings.Repeat("x", 256))
	server, conns := mockArena(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.WriteMessage(websocket.TextMessage, []byte(big))
		}
		echoLoop(conn)
	})

	dialer := NewWebSocketDialer()
	dialer.ReadLimit = 64
	causes := make(chan error, 8)
	ch := newLiveChannel(t, liveConfig(server), "secret",
		WithDialer(dialer),
		WithStateObserver(func(sc StateChange) {
			if sc.Err == nil {
				return
			}
			select {
			case causes <- sc.Err:
			default:
			}
		}),
	)

	select {
	case err := <-causes:
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized frame did not end the connection")
	}

	require.Eventually(t, func() bool { return conns.Load() == 2 && ch.State() == StateConnected },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), ch.Stats().DecodeErrors)
	assert.Empty(t, ch.Messages(), "the oversized frame is never delivered")
}
