// Package fleet registers devices, groups them into location clusters with
// one consensus group each, and coordinates cluster-wide emergencies.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/agent"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/buffer"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/consensus"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/metrics"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/storage"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/uplink"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrClusterNotFound  = errors.New("cluster not found")
	ErrEventNotFound    = errors.New("emergency event not found")
	ErrDeviceExists     = errors.New("device already exists")
	ErrInvalidDevice    = errors.New("invalid device")
	ErrInvalidEmergency = errors.New("invalid emergency")
	ErrAlreadyResolved  = errors.New("emergency already resolved")
	ErrStopped          = errors.New("fleet stopped")
)

type Config struct {
	// DataDir holds one badger directory per device. Empty keeps device
	// state in memory.
	DataDir   string
	Agent     agent.Config
	Consensus consensus.Config
}

func DefaultConfig() Config {
	return Config{Agent: agent.DefaultConfig(), Consensus: consensus.DefaultConfig()}
}

// EventSink receives every emergency event when it is created and when it
// is resolved.
type EventSink interface {
	RecordEmergency(ctx context.Context, event domain.EmergencyEvent) error
}

type Options struct {
	Config Config
	// Deliverer returns the uplink for a device. Defaults to a loopback.
	Deliverer func(deviceID string) buffer.Deliverer
	// Source returns the sensor source for a device. Defaults to the
	// simulator.
	Source func(deviceID string) agent.Source
	Sinks  []EventSink
	Logger zerolog.Logger
}

type cluster struct {
	info  domain.Cluster
	group *consensus.Group
}

// Orchestrator owns every device and cluster of a fleet.
type Orchestrator struct {
	cfg          Config
	base         zerolog.Logger
	log          zerolog.Logger
	newDeliverer func(string) buffer.Deliverer
	newSource    func(string) agent.Source
	sinks        []EventSink

	mu           sync.RWMutex
	devices      map[string]*agent.Agent
	deviceOrder  []string
	clusters     map[string]*cluster
	clusterOrder []string
	events       []*domain.EmergencyEvent
	nextEventID  int64

	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	running map[string]bool
	started bool
	stopped bool
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:          opts.Config,
		base:         opts.Logger,
		log:          opts.Logger.With().Str("component", "fleet").Logger(),
		newDeliverer: opts.Deliverer,
		newSource:    opts.Source,
		sinks:        opts.Sinks,
		devices:      make(map[string]*agent.Agent),
		clusters:     make(map[string]*cluster),
	}
	if o.newDeliverer == nil {
		o.newDeliverer = func(string) buffer.Deliverer { return uplink.NewLoopback() }
	}
	return o
}

// ClusterIDFor returns the cluster a location maps to.
func ClusterIDFor(location string) string {
	return "cluster-" + strings.Join(strings.Fields(strings.ToLower(location)), "-")
}

func validDeviceType(t domain.DeviceType) bool {
	switch t {
	case domain.DeviceSensor, domain.DeviceGateway, domain.DeviceController,
		domain.DeviceCamera, domain.DeviceRobot, domain.DeviceDrone:
		return true
	}
	return false
}

// AddDevice creates a device, places it in its location's cluster and enrolls
// it in that cluster's consensus group. If the fleet is running the device
// starts immediately.
func (o *Orchestrator) AddDevice(ctx context.Context, id string, typ domain.DeviceType, location string) (agent.Status, error) {
	id, location = strings.TrimSpace(id), strings.TrimSpace(location)
	switch {
	case id == "":
		return agent.Status{}, fmt.Errorf("%w: device id is required", ErrInvalidDevice)
	case location == "":
		return agent.Status{}, fmt.Errorf("%w: location is required", ErrInvalidDevice)
	case !validDeviceType(typ):
		return agent.Status{}, fmt.Errorf("%w: unknown device type %q", ErrInvalidDevice, typ)
	}

	// runMu spans the check and the insert so Stop closes every added device.
	o.runMu.Lock()
	if o.stopped {
		o.runMu.Unlock()
		return agent.Status{}, ErrStopped
	}
	o.mu.Lock()
	a, err := o.addDeviceLocked(id, typ, location)
	o.mu.Unlock()
	if err != nil {
		o.runMu.Unlock()
		return agent.Status{}, err
	}
	if o.started {
		o.startAgentLocked(a)
	}
	o.runMu.Unlock()

	o.log.Info().Str("device_id", id).Str("device_type", string(typ)).Str("cluster_id", a.ClusterID()).Msg("device added")
	return a.Status(ctx), nil
}

func (o *Orchestrator) addDeviceLocked(id string, typ domain.DeviceType, location string) (*agent.Agent, error) {
	if _, ok := o.devices[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, id)
	}

	db, err := o.openDB(id)
	if err != nil {
		return nil, err
	}

	clusterID := ClusterIDFor(location)
	var src agent.Source
	if o.newSource != nil {
		src = o.newSource(id)
	}
	a, err := agent.New(agent.Options{
		ID:        id,
		Type:      typ,
		Location:  location,
		ClusterID: clusterID,
		Config:    o.cfg.Agent,
		DB:        db,
		Deliverer: o.newDeliverer(id),
		Source:    src,
		OnCommand: o.onCommand,
		Logger:    o.base,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c, ok := o.clusters[clusterID]
	if !ok {
		c = &cluster{
			info:  domain.Cluster{ID: clusterID, Location: location},
			group: consensus.NewGroup(clusterID, o.cfg.Consensus, o.base),
		}
	}
	node, err := c.group.Enroll(id, consensus.NewBadgerLogStore(db, clusterID), a.Execute)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("enroll %s in %s: %w", id, clusterID, err)
	}
	a.Attach(node)

	if !ok {
		o.clusters[clusterID] = c
		o.clusterOrder = append(o.clusterOrder, clusterID)
		o.log.Info().Str("cluster_id", clusterID).Str("location", location).Msg("cluster created")
	}
	c.info.Members = append(c.info.Members, id)
	if c.info.HeadDeviceID == "" {
		c.info.HeadDeviceID = id
	}
	o.devices[id] = a
	o.deviceOrder = append(o.deviceOrder, id)
	metrics.Devices.Set(float64(len(o.devices)))
	return a, nil
}

func (o *Orchestrator) openDB(id string) (*storage.DB, error) {
	if o.cfg.DataDir == "" {
		return storage.OpenInMemory()
	}
	cfg := storage.DefaultConfig(filepath.Join(o.cfg.DataDir, id))
	cfg.Logger = o.base.With().Str("device_id", id).Str("component", "badger").Logger()
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage for %s: %w", id, err)
	}
	return db, nil
}

func (o *Orchestrator) DeviceStatus(ctx context.Context, id string) (agent.Status, error) {
	o.mu.RLock()
	a, ok := o.devices[id]
	o.mu.RUnlock()
	if !ok {
		return agent.Status{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return a.Status(ctx), nil
}

func (o *Orchestrator) AllDevicesStatus(ctx context.Context) map[string]agent.Status {
	o.mu.RLock()
	agents := make([]*agent.Agent, 0, len(o.deviceOrder))
	for _, id := range o.deviceOrder {
		agents = append(agents, o.devices[id])
	}
	o.mu.RUnlock()

	out := make(map[string]agent.Status, len(agents))
	for _, a := range agents {
		out[a.ID()] = a.Status(ctx)
	}
	return out
}

// ClusterStatus is a cluster with the consensus view of its members.
type ClusterStatus struct {
	domain.Cluster
	LeaderID          string             `json:"leader_id,omitempty"`
	Term              uint64             `json:"term"`
	ActiveEmergencies int                `json:"active_emergencies"`
	Consensus         []consensus.Status `json:"consensus"`
}

func (o *Orchestrator) ClusterStatus(id string) (ClusterStatus, error) {
	o.mu.RLock()
	c, ok := o.clusters[id]
	if !ok {
		o.mu.RUnlock()
		return ClusterStatus{}, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
	}
	info := c.info
	info.Members = append([]string(nil), c.info.Members...)
	active := 0
	for _, e := range o.events {
		if e.ClusterID == id && e.Status == domain.EventActive {
			active++
		}
	}
	o.mu.RUnlock()

	st := ClusterStatus{Cluster: info, ActiveEmergencies: active, Consensus: c.group.Status()}
	if leader, ok := c.group.Leader(); ok {
		ls := leader.Status()
		st.LeaderID, st.Term = ls.NodeID, ls.Term
	}
	for _, cs := range st.Consensus {
		st.Term = max(st.Term, cs.Term)
	}
	return st, nil
}

func (o *Orchestrator) Clusters() []ClusterStatus {
	o.mu.RLock()
	ids := append([]string(nil), o.clusterOrder...)
	o.mu.RUnlock()

	out := make([]ClusterStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := o.ClusterStatus(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// EmergencyEvents returns every event, oldest first.
func (o *Orchestrator) EmergencyEvents() []domain.EmergencyEvent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.EmergencyEvent, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Clone())
	}
	return out
}

// TriggerEmergencyCoordination records an emergency for a cluster and asks
// the cluster leader to commit an emergency_coordination command for it. A
// cluster without a leader still gets the event; it is reported uncommitted.
func (o *Orchestrator) TriggerEmergencyCoordination(ctx context.Context, clusterID, emergencyType string, details map[string]any) (domain.EmergencyEvent, error) {
	if strings.TrimSpace(emergencyType) == "" {
		return domain.EmergencyEvent{}, fmt.Errorf("%w: emergency type is required", ErrInvalidEmergency)
	}
	if o.isStopped() {
		return domain.EmergencyEvent{}, ErrStopped
	}

	o.mu.Lock()
	c, ok := o.clusters[clusterID]
	if !ok {
		o.mu.Unlock()
		return domain.EmergencyEvent{}, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	o.nextEventID++
	event := &domain.EmergencyEvent{
		ID:              o.nextEventID,
		ClusterID:       clusterID,
		Type:            emergencyType,
		Status:          domain.EventActive,
		CreatedAt:       time.Now(),
		AffectedDevices: append([]string(nil), c.info.Members...),
		LogIndex:        -1,
	}
	if details != nil {
		event.Details = make(map[string]any, len(details))
		for k, v := range details {
			event.Details[k] = v
		}
	}
	o.events = append(o.events, event)
	snapshot := event.Clone()
	o.mu.Unlock()

	cmd := domain.Command{
		Type:          domain.CommandEmergencyCoordination,
		ClusterID:     clusterID,
		EmergencyType: emergencyType,
		EventID:       snapshot.ID,
		Details:       snapshot.Details,
		Timestamp:     snapshot.CreatedAt,
	}
	data, err := cmd.Encode()
	if err != nil {
		return domain.EmergencyEvent{}, fmt.Errorf("encode coordination command: %w", err)
	}

	proposed := false
	for _, node := range c.group.Nodes() {
		if !node.IsLeader() {
			continue
		}
		res, err := node.Propose(ctx, data)
		if err != nil {
			o.log.Warn().Err(err).Str("cluster_id", clusterID).Str("node_id", node.ID()).Msg("coordination proposal failed")
			continue
		}
		proposed = true
		o.mu.Lock()
		event.CoordinatorID = node.ID()
		event.LogIndex = res.Index
		event.Committed = event.Committed || res.Committed
		o.mu.Unlock()
	}
	if !proposed {
		o.log.Warn().Str("cluster_id", clusterID).Int64("event_id", snapshot.ID).Msg("no cluster leader, emergency recorded without coordination")
	}

	o.mu.RLock()
	snapshot = event.Clone()
	o.mu.RUnlock()

	metrics.EmergencyEvents.WithLabelValues(clusterID, strconv.FormatBool(snapshot.Committed)).Inc()
	o.log.Warn().Int64("event_id", snapshot.ID).Str("cluster_id", clusterID).Str("type", emergencyType).
		Bool("committed", snapshot.Committed).Msg("emergency coordination triggered")
	o.notify(ctx, snapshot)
	return snapshot, nil
}

// ResolveEmergency moves an active event to resolved.
func (o *Orchestrator) ResolveEmergency(ctx context.Context, id int64) (domain.EmergencyEvent, error) {
	if o.isStopped() {
		return domain.EmergencyEvent{}, ErrStopped
	}
	o.mu.Lock()
	var event *domain.EmergencyEvent
	for _, e := range o.events {
		if e.ID == id {
			event = e
			break
		}
	}
	if event == nil {
		o.mu.Unlock()
		return domain.EmergencyEvent{}, fmt.Errorf("%w: %d", ErrEventNotFound, id)
	}
	if event.Status == domain.EventResolved {
		o.mu.Unlock()
		return domain.EmergencyEvent{}, fmt.Errorf("%w: %d", ErrAlreadyResolved, id)
	}
	now := time.Now()
	event.Status = domain.EventResolved
	event.ResolvedAt = &now
	snapshot := event.Clone()
	agents := make([]*agent.Agent, 0, len(event.AffectedDevices))
	for _, d := range event.AffectedDevices {
		if a, ok := o.devices[d]; ok {
			agents = append(agents, a)
		}
	}
	o.mu.Unlock()

	for _, a := range agents {
		a.ClearEmergency(id)
	}
	o.log.Info().Int64("event_id", id).Str("cluster_id", snapshot.ClusterID).Msg("emergency resolved")
	o.notify(ctx, snapshot)
	return snapshot, nil
}

// onCommand marks a coordination event committed once any member applies it.
func (o *Orchestrator) onCommand(_ string, cmd domain.Command, index int) {
	if cmd.Type != domain.CommandEmergencyCoordination {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.ID == cmd.EventID && !e.Committed {
			e.Committed = true
			e.LogIndex = index
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, event domain.EmergencyEvent) {
	for _, sink := range o.sinks {
		if err := sink.RecordEmergency(ctx, event); err != nil {
			o.log.Error().Err(err).Int64("event_id", event.ID).Msgf("emergency sink %T failed", sink)
		}
	}
}

// Start runs every device until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if o.started {
		return errors.New("fleet already started")
	}
	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.group = &errgroup.Group{}
	o.running = make(map[string]bool)
	o.started = true

	o.mu.RLock()
	for _, id := range o.deviceOrder {
		o.startAgentLocked(o.devices[id])
	}
	n := len(o.deviceOrder)
	o.mu.RUnlock()

	o.log.Info().Int("devices", n).Msg("fleet started")
	return nil
}

func (o *Orchestrator) startAgentLocked(a *agent.Agent) {
	if o.running[a.ID()] {
		return
	}
	o.running[a.ID()] = true
	ctx := o.runCtx
	o.group.Go(func() error {
		if err := a.Run(ctx); err != nil {
			o.log.Error().Err(err).Str("device_id", a.ID()).Msg("device stopped with error")
		}
		return nil
	})
}

// Stop cancels every device loop, waits for them and closes every device.
func (o *Orchestrator) Stop() error {
	o.runMu.Lock()
	if o.stopped {
		o.runMu.Unlock()
		return nil
	}
	o.stopped = true
	wasStarted := o.started
	o.started = false
	if o.cancel != nil {
		o.cancel()
	}
	g := o.group
	o.runMu.Unlock()

	if wasStarted {
		_ = g.Wait()
	}

	o.mu.RLock()
	agents := make([]*agent.Agent, 0, len(o.deviceOrder))
	for _, id := range o.deviceOrder {
		agents = append(agents, o.devices[id])
	}
	o.mu.RUnlock()

	var errs []error
	for _, a := range agents {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", a.ID(), err))
		}
	}
	o.log.Info().Int("devices", len(agents)).Msg("fleet stopped")
	return errors.Join(errs...)
}

func (o *Orchestrator) isStopped() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.stopped
}
