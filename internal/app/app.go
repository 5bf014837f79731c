// Package app assembles the components each binary needs from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"anpr-parking/internal/broker"
	"anpr-parking/internal/config"
	"anpr-parking/internal/db"
	"anpr-parking/internal/ingest"
	"anpr-parking/internal/logging"
	"anpr-parking/internal/metrics"
	"anpr-parking/internal/repository"
	"anpr-parking/internal/service"
)

type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Registry *prometheus.Registry
}

func New(cfg *config.Config) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		Config:   cfg,
		Log:      logging.New(cfg.Log.Level, cfg.Log.Pretty),
		Registry: registry,
	}
}

// Services bundles the persistence side shared by the consumer and the API.
type Services struct {
	DB          *gorm.DB
	Tickets     *service.TicketService
	DeadLetters *service.DeadLetterService
}

func (a *App) OpenServices(notifier service.DetectionNotifier, republisher service.Republisher) (*Services, error) {
	gdb, err := db.Open(a.Config.Database, logging.Component(a.Log, "db"))
	if err != nil {
		return nil, err
	}
	repo := repository.NewParkingRepository(gdb)
	return &Services{
		DB:          gdb,
		Tickets:     service.NewTicketService(repo, notifier, a.Config.Tariff.HourlyRate, logging.Component(a.Log, "tickets")),
		DeadLetters: service.NewDeadLetterService(repo, republisher, logging.Component(a.Log, "dead_letters")),
	}, nil
}

func (s *Services) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *App) ConnectBroker(ctx context.Context, clientSuffix string) (*broker.MQTTClient, error) {
	cfg := a.Config.MQTT
	if clientSuffix != "" {
		cfg.ClientID = cfg.ClientID + "-" + clientSuffix
	}
	client := broker.NewMQTTClient(cfg, logging.Component(a.Log, "mqtt"))
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) NewConsumer(svc *Services, dlPub broker.Publisher) (*ingest.Consumer, error) {
	m, err := metrics.NewIngestMetrics(a.Registry)
	if err != nil {
		return nil, err
	}
	ic := a.Config.Ingest
	opts := []ingest.Option{ingest.WithMetrics(m)}
	if dlPub != nil && a.Config.MQTT.DeadLetterTopic != "" {
		opts = append(opts, ingest.WithDeadLetterTopic(dlPub, a.Config.MQTT.DeadLetterTopic))
	}
	return ingest.NewConsumer(svc.Tickets, svc.DeadLetters, ingest.Config{
		MaxAttempts:    ic.MaxAttempts,
		InitialBackoff: ic.InitialBackoff,
		MaxBackoff:     ic.MaxBackoff,
		ReplayCacheTTL: ic.ReplayCacheTTL,
	}, logging.Component(a.Log, "ingest"), opts...), nil
}

// RunConsumer consumes the entry topic until ctx is done.
func (a *App) RunConsumer(ctx context.Context, consumer *ingest.Consumer, sub broker.Subscriber) error {
	if err := consumer.Run(ctx, sub, a.Config.MQTT.EntryTopic); err != nil {
		return fmt.Errorf("consumer stopped: %w", err)
	}
	return nil
}
