package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/buffer"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/cloud"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/config"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/database"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/fleet"
	httpHandlers "github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/http"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/repository"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/uplink"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	zerolog.SetGlobalLevel(config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks []fleet.EventSink
	if config.DBEnabled() {
		db, err := database.Connect(ctx, config.DBDSN(), config.DBConnectTimeout())
		if err != nil {
			log.Fatal().Err(err).Msg("db connect failed")
		}
		defer db.Close()
		repos := repository.New(db)
		if err := repos.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("db schema failed")
		}
		sinks = append(sinks, repos)
	}

	var reports *cloud.ReportArchive
	if config.UseCloudServices() {
		awsCfg, err := cloud.LoadConfig(ctx, config.AWSRegion())
		if err != nil {
			log.Fatal().Err(err).Msg("aws config failed")
		}
		if arn := config.SNSTopicArn(); arn != "" {
			sinks = append(sinks, cloud.NewSNSNotifier(awsCfg, arn, log.Logger))
		}
		if table := config.EventsTable(); table != "" {
			sinks = append(sinks, cloud.NewEventArchive(awsCfg, table))
		}
		if bucket := config.S3Bucket(); bucket != "" {
			reports = cloud.NewReportArchive(awsCfg, bucket, config.S3ReportPrefix())
		}
		log.Info().Int("sinks", len(sinks)).Bool("reports", reports != nil).Msg("cloud services enabled")
	}

	var (
		linksMu sync.Mutex
		links   []*uplink.MQTT
	)
	deliverer := func(deviceID string) buffer.Deliverer {
		if !config.MQTTEnabled() {
			return uplink.NewLoopback()
		}
		link, err := uplink.Dial(config.MQTTBroker(), config.MQTTClientID()+"-"+deviceID)
		if err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("mqtt connect failed, buffering until reconnect")
		}
		linksMu.Lock()
		links = append(links, link)
		linksMu.Unlock()
		return link
	}

	orch := fleet.New(fleet.Options{
		Config:    config.Fleet(),
		Deliverer: deliverer,
		Sinks:     sinks,
		Logger:    log.Logger,
	})
	if config.SeedDevices() {
		devices, err := config.Devices()
		if err != nil {
			log.Fatal().Err(err).Msg("device list invalid")
		}
		if err := orch.Seed(ctx, devices); err != nil {
			log.Fatal().Err(err).Msg("seeding devices failed")
		}
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("fleet start failed")
	}

	analytics := service.NewAnalyticsService(orch, config.Thresholds())
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	httpHandlers.Register(app, orch, analytics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := config.APIAddr()
		log.Info().Str("addr", addr).Msg("api listening")
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(5 * time.Second)
	})
	if reports != nil {
		g.Go(func() error {
			uploadReports(gctx, reports, analytics, config.ReportInterval())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exit")
	}
	if err := orch.Stop(); err != nil {
		log.Error().Err(err).Msg("fleet stop failed")
	}
	linksMu.Lock()
	for _, l := range links {
		l.Close()
	}
	linksMu.Unlock()
	log.Info().Msg("shutdown complete")
}

func uploadReports(ctx context.Context, reports *cloud.ReportArchive, analytics *service.AnalyticsService, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			key, err := reports.UploadReport(ctx, analytics.Snapshot(ctx), now)
			if err != nil {
				log.Error().Err(err).Msg("analytics report upload failed")
				continue
			}
			log.Info().Str("key", key).Msg("analytics report uploaded")
		}
	}
}
