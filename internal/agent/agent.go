// Package agent runs a single edge device: it samples sensors, scores each
// reading against the channel baseline, escalates critical anomalies through
// the cluster's consensus group and buffers everything it reports upstream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/anomaly"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/buffer"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/consensus"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/metrics"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	CycleInterval      time.Duration
	EscalationCooldown time.Duration
	Anomaly            anomaly.Config
	Buffer             buffer.Config
}

func DefaultConfig() Config {
	buf := buffer.DefaultConfig()
	buf.Capacity = 500
	return Config{
		CycleInterval:      5 * time.Second,
		EscalationCooldown: 0,
		Anomaly:            anomaly.DefaultConfig(),
		Buffer:             buf,
	}
}

// CommandHook is told about every command the device executes.
type CommandHook func(deviceID string, cmd domain.Command, index int)

type Options struct {
	ID        string
	Type      domain.DeviceType
	Location  string
	ClusterID string
	Config    Config

	// DB is owned by the agent and closed by Close.
	DB        *storage.DB
	Deliverer buffer.Deliverer
	Source    Source
	OnCommand CommandHook
	Logger    zerolog.Logger
}

type Agent struct {
	id        string
	typ       domain.DeviceType
	location  string
	clusterID string
	cfg       Config

	db        *storage.DB
	buffer    *buffer.Buffer
	detectors map[domain.Channel]*anomaly.Detector
	source    Source
	limiter   *rate.Limiter
	onCommand CommandHook
	log       zerolog.Logger

	node *consensus.Node

	// cycleMu makes cycles exclusive; detectors and source are only touched
	// under it.
	cycleMu sync.Mutex

	mu            sync.RWMutex
	createdAt     time.Time
	lastSeen      time.Time
	battery       float64
	signal        float64
	readings      map[domain.Channel]domain.SensorReading
	lastAnomalies map[domain.Channel]domain.AnomalyResult
	emergencyMode bool
	stopReason    string
	route         string
	lastAlert     string
	emergency     *Emergency
	executed      int
	lastCommand   *domain.Command

	closeOnce sync.Once
	closeErr  error
}

// Emergency is the cluster emergency a device is currently coordinating on.
type Emergency struct {
	EventID int64  `json:"event_id"`
	Type    string `json:"type"`
}

// New builds an agent around an open device database. The agent has no
// consensus participant until Attach is called.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("device id is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("device %s: database is required", opts.ID)
	}
	if opts.Source == nil {
		opts.Source = NewSimulator(uint64(time.Now().UnixNano()))
	}
	cfg := opts.Config
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultConfig().CycleInterval
	}

	limit := rate.Inf
	if cfg.EscalationCooldown > 0 {
		limit = rate.Every(cfg.EscalationCooldown)
	}

	logger := opts.Logger.With().Str("device_id", opts.ID).Str("cluster_id", opts.ClusterID).Logger()
	a := &Agent{
		id:            opts.ID,
		typ:           opts.Type,
		location:      opts.Location,
		clusterID:     opts.ClusterID,
		cfg:           cfg,
		db:            opts.DB,
		buffer:        buffer.New(opts.ID, cfg.Buffer, buffer.NewBadgerStore(opts.DB), opts.Deliverer, logger),
		detectors:     make(map[domain.Channel]*anomaly.Detector, len(domain.Channels)),
		source:        opts.Source,
		limiter:       rate.NewLimiter(limit, 1),
		onCommand:     opts.OnCommand,
		log:           logger.With().Str("component", "agent").Logger(),
		createdAt:     time.Now(),
		readings:      make(map[domain.Channel]domain.SensorReading),
		lastAnomalies: make(map[domain.Channel]domain.AnomalyResult),
		battery:       100,
		signal:        100,
	}
	for _, ch := range domain.Channels {
		a.detectors[ch] = anomaly.NewDetector(ch, cfg.Anomaly)
	}
	return a, nil
}

func (a *Agent) ID() string              { return a.id }
func (a *Agent) Type() domain.DeviceType { return a.typ }
func (a *Agent) Location() string        { return a.location }
func (a *Agent) ClusterID() string       { return a.clusterID }
func (a *Agent) DB() *storage.DB         { return a.db }
func (a *Agent) Buffer() *buffer.Buffer  { return a.buffer }
func (a *Agent) Node() *consensus.Node   { return a.node }

// Attach sets the device's consensus participant. It must be called before
// Run.
func (a *Agent) Attach(node *consensus.Node) {
	a.node = node
}

// CycleReport describes one sense, detect and publish pass.
type CycleReport struct {
	Readings  []domain.SensorReading
	Anomalies []domain.AnomalyResult
	Escalated []consensus.ProposeResult
}

// Cycle samples every sensor once, buffers anomalies and telemetry, and
// synchronously escalates critical anomalies when this device leads its
// cluster.
func (a *Agent) Cycle(ctx context.Context) CycleReport {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	now := time.Now()
	sample := a.source.Read(now)

	var report CycleReport
	readings := make(map[domain.Channel]float64, len(domain.Channels))
	for _, ch := range domain.Channels {
		value, ok := sample.Values[ch]
		if !ok {
			continue
		}
		readings[ch] = value
		reading := domain.SensorReading{Channel: ch, Value: value, Unit: ch.Unit(), Quality: 1, Timestamp: now}
		report.Readings = append(report.Readings, reading)

		res := a.detectors[ch].ObserveAt(value, now)
		a.mu.Lock()
		a.readings[ch] = reading
		a.lastAnomalies[ch] = res
		a.mu.Unlock()

		if !res.IsAnomaly {
			continue
		}
		report.Anomalies = append(report.Anomalies, res)
		metrics.AnomaliesDetected.WithLabelValues(a.id, string(ch), string(res.Severity)).Inc()
		a.log.Warn().Str("sensor", string(ch)).Float64("value", value).
			Float64("z_score", res.ZScore).Str("severity", string(res.Severity)).Msg("anomaly detected")

		a.buffer.EnqueueJSON(fmt.Sprintf("devices/%s/anomalies", a.id), map[string]any{
			"device_id":   a.id,
			"sensor":      ch,
			"anomaly":     res,
			"location":    a.location,
			"device_type": a.typ,
		}, 1)

		if res.Severity == domain.SeverityCritical {
			if r, ok := a.escalate(ctx, ch, res); ok {
				report.Escalated = append(report.Escalated, r)
			}
		}
	}

	a.mu.Lock()
	a.battery = sample.Battery
	a.signal = sample.Signal
	a.lastSeen = now
	a.mu.Unlock()

	a.buffer.EnqueueJSON(fmt.Sprintf("devices/%s/data", a.id), map[string]any{
		"device_id":       a.id,
		"device_type":     a.typ,
		"location":        a.location,
		"readings":        readings,
		"battery_level":   sample.Battery,
		"signal_strength": sample.Signal,
		"timestamp":       now,
	}, 0)
	return report
}

// escalate proposes an emergency stop for the cluster. Only the leader may
// order cluster-wide action; elsewhere the anomaly stays buffered.
func (a *Agent) escalate(ctx context.Context, ch domain.Channel, res domain.AnomalyResult) (consensus.ProposeResult, bool) {
	if a.node == nil || !a.node.IsLeader() {
		metrics.Escalations.WithLabelValues(a.id, "not_leader").Inc()
		return consensus.ProposeResult{}, false
	}
	if !a.limiter.Allow() {
		metrics.Escalations.WithLabelValues(a.id, "rate_limited").Inc()
		a.log.Debug().Str("sensor", string(ch)).Msg("escalation suppressed by cooldown")
		return consensus.ProposeResult{}, false
	}

	cmd := domain.Command{
		Type:      domain.CommandEmergencyStop,
		DeviceID:  a.id,
		ClusterID: a.clusterID,
		Sensor:    ch,
		Severity:  res.Severity,
		Reason:    fmt.Sprintf("Critical %s anomaly detected", ch),
		Timestamp: res.Timestamp,
	}
	data, err := cmd.Encode()
	if err != nil {
		a.log.Error().Err(err).Msg("failed to encode emergency command")
		return consensus.ProposeResult{}, false
	}

	out, err := a.node.Propose(ctx, data)
	switch {
	case err != nil:
		metrics.Escalations.WithLabelValues(a.id, "error").Inc()
		a.log.Error().Err(err).Str("sensor", string(ch)).Msg("emergency proposal failed")
		return consensus.ProposeResult{}, false
	case out.Committed:
		metrics.Escalations.WithLabelValues(a.id, "committed").Inc()
	default:
		metrics.Escalations.WithLabelValues(a.id, "uncommitted").Inc()
	}
	a.log.Warn().Str("sensor", string(ch)).Int("log_index", out.Index).Bool("committed", out.Committed).Msg("emergency response proposed")
	return out, true
}

// Execute applies a committed cluster command to this device. Commands that
// cannot be decoded or are not recognized are logged and skipped.
func (a *Agent) Execute(entry consensus.LogEntry) {
	cmd, err := domain.DecodeCommand(entry.Command)
	if err != nil {
		a.log.Warn().Err(err).Int("log_index", entry.Index).Msg("skipping undecodable command")
		return
	}

	a.mu.Lock()
	switch cmd.Type {
	case domain.CommandEmergencyStop:
		a.emergencyMode = true
		a.stopReason = cmd.Reason
	case domain.CommandRouteChange:
		a.route = cmd.NewRoute
	case domain.CommandSystemAlert:
		a.lastAlert = cmd.Message
	case domain.CommandEmergencyCoordination:
		a.emergency = &Emergency{EventID: cmd.EventID, Type: cmd.EmergencyType}
	default:
		a.mu.Unlock()
		a.log.Warn().Str("type", string(cmd.Type)).Int("log_index", entry.Index).Msg("skipping unknown command")
		return
	}
	a.executed++
	a.lastCommand = &cmd
	a.mu.Unlock()

	metrics.CommandsExecuted.WithLabelValues(a.id, string(cmd.Type)).Inc()
	a.log.Info().Str("type", string(cmd.Type)).Int("log_index", entry.Index).Str("origin", cmd.DeviceID).Msg("command executed")

	if cmd.Type == domain.CommandEmergencyCoordination {
		a.buffer.EnqueueJSON(fmt.Sprintf("devices/%s/coordination", a.id), map[string]any{
			"device_id":      a.id,
			"cluster_id":     a.clusterID,
			"event_id":       cmd.EventID,
			"emergency_type": cmd.EmergencyType,
			"log_index":      entry.Index,
			"acknowledged":   time.Now(),
		}, 1)
	}
	if a.onCommand != nil {
		a.onCommand(a.id, cmd, entry.Index)
	}
}

// ClearEmergency drops the device's active coordination if it belongs to
// eventID.
func (a *Agent) ClearEmergency(eventID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.emergency != nil && a.emergency.EventID == eventID {
		a.emergency = nil
	}
}

// Run drives the sensing cycle, the buffer loop and the consensus participant
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.buffer.Run(gctx) })
	if a.node != nil {
		g.Go(func() error { return a.node.Run(gctx) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.Cycle(gctx)
			}
		}
	})
	a.log.Info().Str("device_type", string(a.typ)).Str("location", a.location).Msg("device started")
	return g.Wait()
}

// Close persists buffered messages and closes the device database. It is
// safe to call more than once.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.buffer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush buffer: %w", err))
		}
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.closeErr = errors.Join(errs...)
		a.log.Info().Msg("device stopped")
	})
	return a.closeErr
}
