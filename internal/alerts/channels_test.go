package alerts

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogChannelDeliver(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel("ops", nil, zerolog.New(&buf))

	require.NoError(t, ch.Deliver(context.Background(), longAt("BTC-USD", 0.8, 50_000)))

	out := buf.String()
	assert.Contains(t, out, `"asset":"BTC-USD"`)
	assert.Contains(t, out, `"direction":"LONG"`)
	assert.Contains(t, out, `"cycle_id":"cycle-1"`)
	assert.Equal(t, "log", ch.Kind())
	assert.Equal(t, "ops", ch.ID())
}

func TestNewRedisChannelValidates(t *testing.T) {
	_, err := NewRedisChannel("r", RedisChannelConfig{Topic: "driftline.alerts"}, nil, zerolog.Nop())
	require.Error(t, err, "addr required")

	_, err = NewRedisChannel("r", RedisChannelConfig{Addr: "localhost:6379"}, nil, zerolog.Nop())
	require.Error(t, err, "topic required")

	// Nothing listens on port 1; the connect-time ping must fail.
	_, err = NewRedisChannel("r", RedisChannelConfig{
		Addr:  "127.0.0.1:1",
		Topic: "driftline.alerts",
	}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection failed")
}
