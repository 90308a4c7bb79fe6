// Package buffer implements the store-and-forward queue each device uses for
// outbound messages.
//
// Messages land in a bounded memory ring, spill into an overflow ring, and
// finally go straight to the persistent store. A sync cycle moves ring
// contents to the store and drains the oldest unsent messages upstream while
// the uplink is connected. Delivery failures count toward a retry cap; capped
// messages stay on disk until ClearFailed removes them.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	Capacity        int
	BatchSize       int
	MaxRetries      int
	SyncInterval    time.Duration
	GCInterval      time.Duration
	Retention       time.Duration
	DeliveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:        1000,
		BatchSize:       10,
		MaxRetries:      3,
		SyncInterval:    10 * time.Second,
		GCInterval:      time.Hour,
		Retention:       7 * 24 * time.Hour,
		DeliveryTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = def.GCInterval
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = def.DeliveryTimeout
	}
	return c
}

// Deliverer sends one message upstream.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.BufferedMessage) error
}

// Connectivity is implemented by deliverers that know whether the uplink is
// currently reachable. Draining is skipped while it reports false.
type Connectivity interface {
	Connected() bool
}

type Status struct {
	MemorySize       int     `json:"memory_buffer_size"`
	MemoryCapacity   int     `json:"memory_buffer_capacity"`
	OverflowSize     int     `json:"overflow_buffer_size"`
	OverflowCapacity int     `json:"overflow_buffer_capacity"`
	PersistentTotal  int     `json:"persistent_total"`
	PersistentUnsent int     `json:"persistent_unsent"`
	PendingMessages  int     `json:"pending_messages"`
	FailedMessages   int     `json:"failed_messages"`
	Dropped          int     `json:"dropped_messages"`
	Connected        bool    `json:"is_connected"`
	Utilization      float64 `json:"buffer_utilization"`
}

type DrainResult struct {
	Attempted int
	Delivered int
	Failed    int
	Exhausted int
}

type Buffer struct {
	deviceID  string
	cfg       Config
	store     Store
	deliverer Deliverer
	log       zerolog.Logger

	mu       sync.Mutex
	memory   *ring
	overflow *ring
	dropped  int

	// drainMu keeps sync cycles from overlapping.
	drainMu sync.Mutex

	now func() time.Time
}

func New(deviceID string, cfg Config, store Store, deliverer Deliverer, logger zerolog.Logger) *Buffer {
	cfg = cfg.withDefaults()
	return &Buffer{
		deviceID:  deviceID,
		cfg:       cfg,
		store:     store,
		deliverer: deliverer,
		log:       logger.With().Str("component", "buffer").Str("device_id", deviceID).Logger(),
		memory:    newRing(cfg.Capacity),
		overflow:  newRing(cfg.Capacity),
		now:       time.Now,
	}
}

func (b *Buffer) Config() Config { return b.cfg }

// Enqueue accepts a message for eventual delivery. Payloads that are not
// valid JSON are stored as a JSON string. It always returns true: when every
// tier is full or failing the oldest in-memory message is evicted instead.
func (b *Buffer) Enqueue(topic string, payload []byte, qos byte) bool {
	raw := json.RawMessage(append([]byte(nil), payload...))
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(payload))
		raw = quoted
	}
	msg := domain.BufferedMessage{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    raw,
		QoS:        qos,
		EnqueuedAt: b.now(),
	}

	b.mu.Lock()
	if b.memory.push(msg) {
		b.mu.Unlock()
		metrics.BufferEnqueued.WithLabelValues(b.deviceID, "memory").Inc()
		return true
	}
	if b.overflow.push(msg) {
		b.mu.Unlock()
		metrics.BufferEnqueued.WithLabelValues(b.deviceID, "overflow").Inc()
		return true
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DeliveryTimeout)
	defer cancel()
	err := b.store.Insert(ctx, msg)
	if err == nil {
		metrics.BufferEnqueued.WithLabelValues(b.deviceID, "persistent").Inc()
		return true
	}

	b.mu.Lock()
	evicted, _ := b.memory.pop()
	b.memory.push(msg)
	b.dropped++
	b.mu.Unlock()

	metrics.BufferDropped.WithLabelValues(b.deviceID).Inc()
	metrics.BufferEnqueued.WithLabelValues(b.deviceID, "memory").Inc()
	b.log.Error().Err(err).
		Str("evicted_id", evicted.ID).
		Str("topic", evicted.Topic).
		Msg("persistent store rejected message, evicted oldest buffered message")
	return true
}

// EnqueueJSON marshals v and enqueues it. It returns false only when v cannot
// be encoded.
func (b *Buffer) EnqueueJSON(topic string, v any, qos byte) bool {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Str("topic", topic).Msg("failed to encode message")
		return false
	}
	return b.Enqueue(topic, data, qos)
}

// Flush moves every ring message into the persistent store, memory ring
// first. Messages stay in their ring if the store rejects them.
func (b *Buffer) Flush(ctx context.Context) (int, error) {
	moved := 0
	for _, r := range []*ring{b.memory, b.overflow} {
		for {
			b.mu.Lock()
			msg, ok := r.peek()
			b.mu.Unlock()
			if !ok {
				break
			}
			if err := b.store.Insert(ctx, msg); err != nil {
				return moved, fmt.Errorf("persist message %s: %w", msg.ID, err)
			}
			b.mu.Lock()
			if head, ok := r.peek(); ok && head.ID == msg.ID {
				r.pop()
			}
			b.mu.Unlock()
			moved++
		}
	}
	return moved, nil
}

// Drain delivers up to BatchSize of the oldest pending messages. Nothing is
// attempted while the uplink reports disconnected.
func (b *Buffer) Drain(ctx context.Context) (DrainResult, error) {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	var res DrainResult
	if !b.Connected() {
		return res, nil
	}

	batch, err := b.store.Pending(ctx, b.cfg.BatchSize, b.cfg.MaxRetries)
	if err != nil {
		return res, fmt.Errorf("load pending messages: %w", err)
	}

	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
		derr := b.deliverer.Deliver(dctx, msg)
		cancel()

		if derr == nil {
			if err := b.store.MarkSent(ctx, msg.ID, b.now()); err != nil {
				return res, fmt.Errorf("mark message %s sent: %w", msg.ID, err)
			}
			res.Delivered++
			metrics.BufferDelivered.WithLabelValues(b.deviceID).Inc()
			continue
		}

		res.Failed++
		metrics.BufferDeliveryFailures.WithLabelValues(b.deviceID).Inc()
		n, err := b.store.IncrementRetry(ctx, msg.ID)
		if err != nil {
			return res, fmt.Errorf("record retry for %s: %w", msg.ID, err)
		}
		if n >= b.cfg.MaxRetries {
			res.Exhausted++
			metrics.BufferExhausted.WithLabelValues(b.deviceID).Inc()
			b.log.Error().Err(derr).Str("message_id", msg.ID).Str("topic", msg.Topic).
				Int("retries", n).Msg("message failed permanently")
		} else {
			b.log.Warn().Err(derr).Str("message_id", msg.ID).Int("retries", n).Msg("delivery failed")
		}
	}
	return res, nil
}

// Sync runs one flush and drain cycle.
func (b *Buffer) Sync(ctx context.Context) (DrainResult, error) {
	if _, err := b.Flush(ctx); err != nil {
		b.log.Warn().Err(err).Msg("flush to persistent store failed")
	}
	res, err := b.Drain(ctx)
	if c, cerr := b.store.Counts(ctx, b.cfg.MaxRetries); cerr == nil {
		metrics.BufferPending.WithLabelValues(b.deviceID).Set(float64(c.Pending))
	}
	return res, err
}

// Collect deletes delivered messages older than the retention window.
func (b *Buffer) Collect(ctx context.Context) (int, error) {
	n, err := b.store.DeleteSentBefore(ctx, b.now().Add(-b.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("collect sent messages: %w", err)
	}
	if n > 0 {
		b.log.Info().Int("deleted", n).Msg("collected delivered messages")
	}
	return n, nil
}

// Run drives sync and collection until ctx is done, then flushes the rings
// one last time.
func (b *Buffer) Run(ctx context.Context) error {
	syncTicker := time.NewTicker(b.cfg.SyncInterval)
	defer syncTicker.Stop()
	gcTicker := time.NewTicker(b.cfg.GCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return b.Close()
		case <-syncTicker.C:
			res, err := b.Sync(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error().Err(err).Msg("sync cycle failed")
			} else if res.Attempted > 0 {
				b.log.Debug().Int("delivered", res.Delivered).Int("failed", res.Failed).Msg("sync cycle")
			}
		case <-gcTicker.C:
			if _, err := b.Collect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error().Err(err).Msg("collection failed")
			}
		}
	}
}

// Close persists whatever is still held in memory.
func (b *Buffer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := b.Flush(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		b.log.Info().Int("flushed", n).Msg("persisted buffered messages on shutdown")
	}
	return nil
}

func (b *Buffer) Connected() bool {
	if b.deliverer == nil {
		return false
	}
	if c, ok := b.deliverer.(Connectivity); ok {
		return c.Connected()
	}
	return true
}

func (b *Buffer) Status(ctx context.Context) (Status, error) {
	b.mu.Lock()
	st := Status{
		MemorySize:       b.memory.len(),
		MemoryCapacity:   b.memory.capacity(),
		OverflowSize:     b.overflow.len(),
		OverflowCapacity: b.overflow.capacity(),
		Dropped:          b.dropped,
	}
	b.mu.Unlock()

	st.Connected = b.Connected()
	st.Utilization = float64(st.MemorySize+st.OverflowSize) / float64(st.MemoryCapacity+st.OverflowCapacity) * 100

	c, err := b.store.Counts(ctx, b.cfg.MaxRetries)
	if err != nil {
		return st, fmt.Errorf("count persisted messages: %w", err)
	}
	st.PersistentTotal = c.Total
	st.PersistentUnsent = c.Unsent
	st.PendingMessages = c.Pending
	st.FailedMessages = c.Failed
	return st, nil
}

// PendingMessages lists up to limit persisted messages still eligible for
// delivery, oldest first.
func (b *Buffer) PendingMessages(ctx context.Context, limit int) ([]domain.BufferedMessage, error) {
	return b.store.Pending(ctx, limit, b.cfg.MaxRetries)
}

// MarkSent records out-of-band delivery of a persisted message.
func (b *Buffer) MarkSent(ctx context.Context, id string) error {
	return b.store.MarkSent(ctx, id, b.now())
}

// ClearFailed removes messages that reached the retry cap.
func (b *Buffer) ClearFailed(ctx context.Context) (int, error) {
	n, err := b.store.DeleteFailed(ctx, b.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("clear failed messages: %w", err)
	}
	b.log.Info().Int("deleted", n).Msg("cleared failed messages")
	return n, nil
}
