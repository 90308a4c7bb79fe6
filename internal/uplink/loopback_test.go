package uplink

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackDeliver(t *testing.T) {
	l := NewLoopback()
	var seen []string
	l.OnDeliver(func(m domain.BufferedMessage) { seen = append(seen, m.ID) })

	msg := domain.BufferedMessage{ID: "m1", Topic: "devices/edge-1/data", Payload: json.RawMessage(`{}`)}
	require.NoError(t, l.Deliver(context.Background(), msg))

	assert.True(t, l.Connected())
	assert.Equal(t, []string{"m1"}, seen)
	require.Len(t, l.Delivered(), 1)
	assert.Equal(t, "devices/edge-1/data", l.Delivered()[0].Topic)
}

func TestLoopbackDisconnected(t *testing.T) {
	l := NewLoopback()
	l.SetConnected(false)

	err := l.Deliver(context.Background(), domain.BufferedMessage{ID: "m1"})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, l.Delivered())

	l.SetConnected(true)
	assert.NoError(t, l.Deliver(context.Background(), domain.BufferedMessage{ID: "m2"}))
}

func TestLoopbackCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLoopback().Deliver(ctx, domain.BufferedMessage{}), context.Canceled)
}
