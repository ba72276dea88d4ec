package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	SessionID string `json:"session_id"`
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubDeliversToConnectedUser(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Connected("alice") }, time.Second, 10*time.Millisecond)

	err := hub.NotifyUser(context.Background(), "alice", "match_found", testPayload{SessionID: "s1"})
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, "match_found", msg.Type)
	var got testPayload
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "s1", got.SessionID)
}

func TestHubReportsMissingUser(t *testing.T) {
	hub, _ := startHub(t)
	err := hub.NotifyUser(context.Background(), "nobody", "match_found", testPayload{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHubAnswersPing(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Connected("alice") }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestHubReplacesConnection(t *testing.T) {
	hub, srv := startHub(t)
	first := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Connected("alice") }, time.Second, 10*time.Millisecond)

	second := dial(t, srv, "alice")

	// The first connection is closed by the hub.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return hub.NotifyUser(context.Background(), "alice", "session_updated", testPayload{SessionID: "s2"}) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "session_updated", readMessage(t, second).Type)
}

func TestHandleEventRoutesToHub(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return hub.Connected("bob") }, time.Second, 10*time.Millisecond)

	handleEvent(context.Background(), hub, `not json`)
	handleEvent(context.Background(), hub, `{"user_id":"someone-else","type":"match_found","data":{}}`)
	handleEvent(context.Background(), hub, `{"user_id":"bob","type":"session_started","data":{"session_id":"s9"}}`)

	msg := readMessage(t, conn)
	assert.Equal(t, "session_started", msg.Type)
	assert.JSONEq(t, `{"session_id":"s9"}`, string(msg.Data))
}

func TestRedisNotifierRoundTrip(t *testing.T) {
	url := os.Getenv("MATCHMAKING_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MATCHMAKING_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	hub, srv := startHub(t)
	conn := dial(t, srv, "carol")
	require.Eventually(t, func() bool { return hub.Connected("carol") }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, StartEventSubscriber(ctx, rdb, hub))

	require.NoError(t, NewRedisNotifier(rdb).NotifyUser(ctx, "carol", "match_found", testPayload{SessionID: "r1"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "match_found", msg.Type)
	assert.JSONEq(t, `{"session_id":"r1"}`, string(msg.Data))
}
