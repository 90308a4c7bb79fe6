package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/config"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/database"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/repository"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/service"
	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/timeseries"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if err := config.Load(); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	zerolog.SetGlobalLevel(config.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, config.DBDSN(), config.DBConnectTimeout())
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	repos := repository.New(db)
	if err := repos.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("db schema failed")
	}
	sinks := []service.TelemetrySink{repos}

	if config.InfluxEnabled() {
		influx := timeseries.NewWriter(config.InfluxURL(), config.InfluxToken(), config.InfluxOrg(), config.InfluxBucket())
		defer influx.Close()
		if err := influx.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("influxdb unavailable")
		}
		sinks = append(sinks, influx)
	}
	ingest := service.NewIngestService(log.Logger, sinks...)

	opts := mqtt.NewClientOptions().
		AddBroker(config.MQTTBroker()).
		SetClientID(config.MQTTClientID() + "-ingestor").
		SetAutoReconnect(true)
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := ingest.FromMQTT(mctx, msg.Topic(), msg.Payload()); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic()).Msg("ingest failed")
		}
	}
	// Runs on every (re)connect; a clean session starts with no subscriptions.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		filters := make(map[string]byte)
		for _, topic := range service.Topics() {
			filters[topic] = 1
		}
		if token := c.SubscribeMultiple(filters, handler); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("subscribe failed")
			return
		}
		log.Info().Strs("topics", service.Topics()).Msg("subscribed")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Msg("mqtt connect")
	}
	defer client.Disconnect(250)

	log.Info().Msg("ingestor running; Ctrl+C to stop")
	<-ctx.Done()
	log.Info().Msg("ingestor stopping")
}
