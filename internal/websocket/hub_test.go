package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Tier string `json:"tier"`
}

func startHub(t *testing.T, state func() any, origins ...string) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(state, origins...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return Message{}
}

func TestNewClientReceivesWelcomeAndState(t *testing.T) {
	_, srv := startHub(t, func() any { return snapshot{Tier: "trial_active"} })
	conn := dial(t, srv, nil)

	welcome := readMessage(t, conn)
	assert.Equal(t, TypeWelcome, welcome.Type)

	state := readMessage(t, conn)
	assert.Equal(t, TypeEntitlement, state.Type)
	data, ok := state.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "trial_active", data["tier"])
}

func TestBroadcastReachesClients(t *testing.T) {
	hub, srv := startHub(t, nil)
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	readUntil(t, a, TypeWelcome)
	readUntil(t, b, TypeWelcome)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastEntitlement(snapshot{Tier: "pro"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readUntil(t, conn, TypeEntitlement)
		assert.Equal(t, "pro", msg.Data.(map[string]any)["tier"])
	}
}

func TestRequestEntitlementAndPing(t *testing.T) {
	_, srv := startHub(t, func() any { return snapshot{Tier: "free"} })
	conn := dial(t, srv, nil)
	readUntil(t, conn, TypeEntitlement)

	require.NoError(t, conn.WriteJSON(Message{Type: TypePing}))
	assert.Equal(t, TypePong, readUntil(t, conn, TypePong).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeRequestEntitlement}))
	msg := readUntil(t, conn, TypeEntitlement)
	assert.Equal(t, "free", msg.Data.(map[string]any)["tier"])
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dial(t, srv, nil)
	readUntil(t, conn, TypeWelcome)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	allowed := map[string]struct{}{"https://app.example.com": {}}
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "127.0.0.1:7480", true},
		{"same host", "http://127.0.0.1:7480", "127.0.0.1:7480", true},
		{"allowed list", "https://APP.example.com/", "127.0.0.1:7480", true},
		{"foreign", "https://evil.example.net", "127.0.0.1:7480", false},
		{"garbage", "%zz", "127.0.0.1:7480", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r, allowed))
		})
	}
}

func TestForeignOriginRejected(t *testing.T) {
	_, srv := startHub(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.net"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
