package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/buffer"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/config"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/uplink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	duration       time.Duration
	reportEvery    time.Duration
	outageEvery    time.Duration
	outageLength   time.Duration
	emergencyEvery time.Duration

	rootCmd = &cobra.Command{
		Use:   "simulator",
		Short: "Runs a simulated edge fleet against in-process or MQTT uplinks",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(); err != nil {
				return err
			}
			zerolog.SetGlobalLevel(config.LogLevel())
			return nil
		},
		RunE: runSimulation,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.DurationVar(&duration, "duration", 2*time.Minute, "how long to run; 0 runs until interrupted")
	flags.DurationVar(&reportEvery, "report-every", 10*time.Second, "interval between fleet summaries")
	flags.DurationVar(&outageEvery, "outage-every", 20*time.Second, "interval between simulated uplink outages; 0 disables")
	flags.DurationVar(&outageLength, "outage-length", 8*time.Second, "how long a simulated outage lasts")
	flags.DurationVar(&emergencyEvery, "emergency-every", 45*time.Second, "interval between injected emergencies; 0 disables")
	flags.Duration("cycle", 5*time.Second, "device monitoring cycle")
	flags.String("data-dir", "", "badger directory for device state; empty keeps it in memory")
	flags.Bool("mqtt", false, "deliver device messages to the MQTT broker")
	flags.String("broker", "tcp://localhost:1883", "MQTT broker address")

	_ = viper.BindPFlag("FLEET_CYCLE_INTERVAL", flags.Lookup("cycle"))
	_ = viper.BindPFlag("FLEET_DATA_DIR", flags.Lookup("data-dir"))
	_ = viper.BindPFlag("MQTT_ENABLED", flags.Lookup("mqtt"))
	_ = viper.BindPFlag("MQTT_BROKER", flags.Lookup("broker"))
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
}

type links struct {
	mu        sync.Mutex
	loopbacks map[string]*uplink.Loopback
	order     []string
	mqtt      []*uplink.MQTT
}

func (l *links) deliverer(deviceID string) buffer.Deliverer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if config.MQTTEnabled() {
		link, err := uplink.Dial(config.MQTTBroker(), config.MQTTClientID()+"-sim-"+deviceID)
		if err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("mqtt connect failed, buffering until reconnect")
		}
		l.mqtt = append(l.mqtt, link)
		return link
	}
	lb := uplink.NewLoopback()
	l.loopbacks[deviceID] = lb
	l.order = append(l.order, deviceID)
	return lb
}

// next picks the loopback for an outage turn, round robin.
func (l *links) next(turn int) (string, *uplink.Loopback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.order) == 0 {
		return "", nil
	}
	id := l.order[turn%len(l.order)]
	return id, l.loopbacks[id]
}

func (l *links) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.mqtt {
		m.Close()
	}
}

func runSimulation(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	l := &links{loopbacks: make(map[string]*uplink.Loopback)}
	defer l.close()

	orch := fleet.New(fleet.Options{
		Config:    config.Fleet(),
		Deliverer: l.deliverer,
		Logger:    log.Logger,
	})
	devices, err := config.Devices()
	if err != nil {
		return err
	}
	if err := orch.Seed(ctx, devices); err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := orch.Stop(); err != nil {
			log.Error().Err(err).Msg("fleet stop failed")
		}
	}()
	analytics := service.NewAnalyticsService(orch, config.Thresholds())
	log.Info().Int("devices", len(devices)).Dur("duration", duration).Bool("mqtt", config.MQTTEnabled()).Msg("simulation started")

	report := time.NewTicker(reportEvery)
	defer report.Stop()
	outages := tickerOrNil(outageEvery)
	emergencies := tickerOrNil(emergencyEvery)
	defer stopTicker(outages)
	defer stopTicker(emergencies)

	var outageTurn, emergencyTurn int
	for {
		select {
		case <-ctx.Done():
			summarize(context.Background(), orch, analytics)
			log.Info().Msg("simulation done")
			return nil
		case <-report.C:
			summarize(ctx, orch, analytics)
		case <-tickC(outages):
			id, lb := l.next(outageTurn)
			outageTurn++
			if lb == nil {
				continue
			}
			lb.SetConnected(false)
			log.Info().Str("device_id", id).Dur("for", outageLength).Msg("uplink outage")
			time.AfterFunc(outageLength, func() {
				lb.SetConnected(true)
				log.Info().Str("device_id", id).Msg("uplink restored")
			})
		case <-tickC(emergencies):
			clusters := orch.Clusters()
			if len(clusters) == 0 {
				continue
			}
			target := clusters[emergencyTurn%len(clusters)]
			emergencyTurn++
			event, err := orch.TriggerEmergencyCoordination(ctx, target.ID, "simulated_drill", map[string]any{"source": "simulator"})
			if err != nil {
				log.Error().Err(err).Str("cluster_id", target.ID).Msg("emergency trigger failed")
				continue
			}
			log.Info().Int64("event_id", event.ID).Str("cluster_id", event.ClusterID).Bool("committed", event.Committed).Msg("emergency injected")
			time.AfterFunc(reportEvery, func() {
				if _, err := orch.ResolveEmergency(context.Background(), event.ID); err != nil {
					log.Warn().Err(err).Int64("event_id", event.ID).Msg("emergency resolve failed")
				}
			})
		}
	}
}

func summarize(ctx context.Context, orch *fleet.Orchestrator, analytics *service.AnalyticsService) {
	for _, c := range orch.Clusters() {
		log.Info().
			Str("cluster_id", c.ID).
			Str("leader_id", c.LeaderID).
			Uint64("term", c.Term).
			Int("members", len(c.Members)).
			Int("active_emergencies", c.ActiveEmergencies).
			Msg("cluster")
	}
	snap := analytics.Snapshot(ctx)
	log.Info().
		Int("online", snap.OnlineDevices).
		Int("total", snap.TotalDevices).
		Float64("health_score", snap.DeviceHealth.HealthScore).
		Float64("network_score", snap.NetworkPerformance.PerformanceScore).
		Float64("buffer_utilization", snap.NetworkPerformance.AvgBufferUtilization).
		Int("alerts", len(snap.Alerts)).
		Msg("fleet summary")
}

func tickerOrNil(d time.Duration) *time.Ticker {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d)
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

// tickC returns a nil channel for a disabled ticker so its select case never fires.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
