package alerts

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/signal"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHubBroadcastsToClients(t *testing.T) {
	hub := NewWSHub("ws", nil, metrics.NewRegistry(), zerolog.Nop())
	t.Cleanup(func() { hub.Close() })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, time.Millisecond, "client not registered")

	ag := longAt("BTC-USD", 0.8, 50_000)
	require.NoError(t, hub.Deliver(context.Background(), ag))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var rec Record
	require.NoError(t, json.Unmarshal(payload, &rec))
	assert.Equal(t, "BTC-USD", rec.Asset)
	assert.Equal(t, signal.Long, rec.Direction)
	assert.Equal(t, CategorySignal, rec.Category)
}

func TestWSHubDeliverWithoutClients(t *testing.T) {
	hub := NewWSHub("ws", nil, metrics.NewRegistry(), zerolog.Nop())
	t.Cleanup(func() { hub.Close() })

	require.NoError(t, hub.Deliver(context.Background(), longAt("BTC-USD", 0.8, 50_000)))
	assert.Zero(t, hub.ClientCount())
}

func TestWSHubDropsDisconnectedClient(t *testing.T) {
	hub := NewWSHub("ws", nil, metrics.NewRegistry(), zerolog.Nop())
	t.Cleanup(func() { hub.Close() })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, time.Millisecond, "client not dropped after disconnect")
}

func TestWSHubCloseDisconnectsClients(t *testing.T) {
	hub := NewWSHub("ws", nil, metrics.NewRegistry(), zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Zero(t, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "server should have closed the connection")
}

func TestWSHubFilter(t *testing.T) {
	hub := NewWSHub("ws", nil, metrics.NewRegistry(), zerolog.Nop())
	t.Cleanup(func() { hub.Close() })

	neutral := longAt("BTC-USD", 0.9, 50_000)
	neutral.Direction = signal.Neutral
	assert.False(t, hub.Filter(neutral))
	assert.True(t, hub.Filter(longAt("BTC-USD", 0.9, 50_000)))
	assert.Equal(t, "websocket", hub.Kind())
}
