package uplink

import (
	"context"
	"errors"
	"sync"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
)

var ErrDisconnected = errors.New("uplink disconnected")

// Loopback is an in-process uplink used by the simulator and tests. It keeps
// delivered messages and can be switched offline.
type Loopback struct {
	mu        sync.Mutex
	connected bool
	delivered []domain.BufferedMessage
	onDeliver func(domain.BufferedMessage)
}

func NewLoopback() *Loopback {
	return &Loopback{connected: true}
}

// OnDeliver registers a callback invoked for every delivered message.
func (l *Loopback) OnDeliver(fn func(domain.BufferedMessage)) {
	l.mu.Lock()
	l.onDeliver = fn
	l.mu.Unlock()
}

func (l *Loopback) Deliver(ctx context.Context, msg domain.BufferedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrDisconnected
	}
	l.delivered = append(l.delivered, msg)
	fn := l.onDeliver
	l.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
	return nil
}

func (l *Loopback) SetConnected(connected bool) {
	l.mu.Lock()
	l.connected = connected
	l.mu.Unlock()
}

func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Delivered returns a copy of everything delivered so far.
func (l *Loopback) Delivered() []domain.BufferedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.BufferedMessage(nil), l.delivered...)
}
