package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/client"
	"github.com/afroash/plantmon/internal/config"
	"github.com/afroash/plantmon/internal/events"
	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/radio"
	"github.com/afroash/plantmon/internal/sensor"
	"github.com/afroash/plantmon/internal/server"
	"github.com/afroash/plantmon/internal/storage"
)

const version = "v0.3.0"

// eventLogSize is how many events per device the API keeps in memory
const eventLogSize = 100

func main() {
	configPath := flag.String("config", "configs/plantmon.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().
		Str("version", version).
		Str("gateway", cfg.Gateway.ID).
		Int("devices", len(cfg.Devices)).
		Msg("Starting plant monitor")
	logger.Debug().Msg(cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := radio.Open(radio.Options{Adapter: cfg.Adapter, Watch: watchList(cfg)}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open bluetooth adapter")
	}
	defer r.Close()

	if err := run(ctx, cfg, r, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Plant monitor stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Plant monitor stopped")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "text" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// watchList returns the addresses whose advertisements are forwarded
func watchList(cfg *config.Config) []string {
	list := make([]string, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		list = append(list, d.Identity().Address)
	}
	return list
}

// run wires storage, the device manager and the outer surfaces, then
// blocks in the manager loop until ctx is cancelled
func run(ctx context.Context, cfg *config.Config, r sensor.Radio, logger zerolog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	writer := storage.NewDBWriter(store, storage.DBWriterConfig{
		BatchSize:   cfg.Database.BatchSize,
		FlushPeriod: cfg.Database.FlushPeriod,
		ChannelSize: cfg.Database.QueueSize,
	}, logger)
	defer writer.Stop()

	cleaner := storage.NewRetentionCleaner(store, storage.RetentionCleanerConfig{
		RetentionDays: cfg.Database.RetentionDays,
		Schedule:      cfg.Database.CleanupSchedule,
	}, logger)
	defer cleaner.Stop()

	fanout := events.NewFanout()
	eventLog := server.NewEventLog(eventLogSize)
	hub := server.NewStreamHub(logger, cfg.API.AllowedOrigins...)
	fanout.Add(eventLog)
	fanout.Add(hub)

	manager := sensor.NewManager(r, storage.NewGateway(store, writer), fanout, sensor.Options{
		Timeout:        cfg.Timeout,
		PlantInterval:  cfg.Intervals.UpdateInterval(models.ClassPlantSensor),
		ThermoInterval: cfg.Intervals.UpdateInterval(models.ClassThermometer),
		ErrorInterval:  cfg.Intervals.ErrorInterval(),
		TempUnit:       cfg.Unit(),
		Notifications:  cfg.Notifications,
		OrderBy:        cfg.OrderBy,
	}, logger)

	for _, d := range cfg.Devices {
		spec := sensor.DeviceSpec{
			Identity:  d.Identity(),
			PlantName: d.PlantName,
			Location:  d.Location,
		}
		if d.Limits != nil {
			limits := d.PlantLimits()
			spec.Limits = &limits
		}
		if err := manager.Add(spec); err != nil {
			logger.Warn().Err(err).Str("device", d.Address).Msg("Skipping device")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	goBackground := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", name).Msg("Component stopped")
			}
		}()
	}

	if cfg.MQTT.Broker != "" {
		mqttPub := events.NewMQTTPublisher(events.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
		}, manager, logger)
		fanout.Add(mqttPub)
		goBackground("mqtt", mqttPub.Connect)
		defer mqttPub.Close()
	}

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Token, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		bridge := events.NewNATSBridge(nc, cfg.NATS.SubjectPrefix, manager, logger)
		if err := bridge.Start(); err != nil {
			return err
		}
		defer bridge.Stop()
		fanout.Add(bridge)
	}

	if cfg.Uplink.URL != "" {
		gateway := models.NewGatewayInfo(cfg.Gateway.ID, cfg.Gateway.Location, cfg.Adapter, version)
		buffer := client.NewReadingBuffer(cfg.Buffer.Size, cfg.Buffer.DropOldest)
		conn := client.NewConnection(client.ConnectionConfig{
			URL:                  cfg.Uplink.URL,
			AuthToken:            cfg.Uplink.AuthToken,
			ConnectTimeout:       cfg.Uplink.ConnectTimeout,
			ReconnectInterval:    cfg.Uplink.ReconnectInterval,
			MaxReconnectInterval: cfg.Uplink.MaxReconnectInterval,
			PingInterval:         cfg.Uplink.PingInterval,
			PongTimeout:          cfg.Uplink.PongTimeout,
		}, gateway, buffer, manager, func() int { return len(manager.Devices()) }, logger)
		fanout.Add(conn)
		goBackground("uplink", conn.Run)
		defer conn.Close()
	}

	if cfg.API.Enabled {
		srv := server.New(cfg.API, manager, store, eventLog, hub, logger)
		goBackground("api", srv.ListenAndServe)
	}

	return manager.Run(ctx)
}
