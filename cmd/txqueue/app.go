package main

import (
	"context"
	"fmt"

	"github.com/cmatc13/txqueue/internal/api"
	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/keyring"
	"github.com/cmatc13/txqueue/internal/queue"
	"github.com/cmatc13/txqueue/internal/storage"
	"github.com/cmatc13/txqueue/internal/submit"
	"github.com/cmatc13/txqueue/internal/transport"
	"github.com/cmatc13/txqueue/pkg/config"
	"github.com/cmatc13/txqueue/pkg/health"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/metrics"
	"github.com/cmatc13/txqueue/pkg/service"
)

// app is everything serve runs, wired together.
type app struct {
	registry *service.Registry
	health   *health.Registry
	metrics  *metrics.Metrics
	keys     *keyring.Keyring
	queue    *queue.Queue
	board    *submit.Board
	api      *api.APIService
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	m := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: "txqueue",
	})
	hr := health.NewRegistry(logger)
	registry := service.NewRegistry(logger)

	keys, err := loadKeys(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	settleOn, err := queue.ParseSettlePolicy(cfg.Queue.SettleOn)
	if err != nil {
		return nil, err
	}
	completed, err := queue.ParseCompletedPolicy(cfg.Queue.CompletedPolicy)
	if err != nil {
		return nil, err
	}
	qopts := []queue.Option{queue.WithLogger(logger), queue.WithMetrics(m)}

	var archive *storage.RedisArchive
	if cfg.Redis.Enabled {
		archive = storage.NewRedisArchive(storage.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.HistoryTTL,
			Prefix:   cfg.Redis.KeyPrefix,
		}, logger)
		qopts = append(qopts, queue.WithArchiver(archive))
	}

	q := queue.New(queue.Config{
		SettleOn:        settleOn,
		Completed:       completed,
		RetainFor:       cfg.Queue.RetainFor,
		DispatchWorkers: cfg.Queue.DispatchWorkers,
	}, qopts...)

	services := []service.Service{q}
	hr.Register(queue.ServiceName, health.ServiceChecker(queue.ServiceName, func(context.Context) error {
		return q.Health()
	}))

	signer := transport.NewSigner(keys)
	var transportName string
	switch cfg.Transport.Kind {
	case "kafka":
		k, err := transport.NewKafka(transport.KafkaConfig{
			Brokers:         cfg.Kafka.Brokers,
			ConsumerGroup:   cfg.Kafka.ConsumerGroup,
			SubmitTopic:     cfg.Kafka.SubmitTopic,
			StatusTopic:     cfg.Kafka.StatusTopic,
			DeliveryTimeout: transport.DefaultKafkaConfig().DeliveryTimeout,
			ProduceAttempts: transport.DefaultKafkaConfig().ProduceAttempts,
		}, q, signer, logger)
		if err != nil {
			return nil, err
		}
		q.SetSender(k)
		services = append(services, k)
		transportName = k.Name()
		hr.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, k.Ping))
	default:
		l := transport.NewLoopback(q, signer,
			transport.WithStepDelay(cfg.Loopback.StepDelay),
			transport.WithLoopbackLogger(logger))
		q.SetSender(l)
		services = append(services, l)
		transportName = l.Name()
		hr.Register(transportName, health.ServiceChecker(transportName, func(context.Context) error {
			return l.Health()
		}))
	}

	var history api.History
	if archive != nil {
		services = append(services, archive)
		history = archive
		hr.Register("redis", health.RedisChecker(cfg.Redis.Address, archive.Ping))
	}

	board := submit.NewBoard(q, extrinsic.DefaultRegistry(), settlementLog(logger),
		submit.WithLogger(logger), submit.WithMetrics(m))

	apiService := api.NewAPIService(cfg, api.Deps{
		Queue:   q,
		Board:   board,
		Archive: history,
		Health:  hr,
		Metrics: m,
		Logger:  logger,
	}, queue.ServiceName, transportName)
	services = append(services, apiService)

	for _, s := range services {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	return &app{
		registry: registry,
		health:   hr,
		metrics:  m,
		keys:     keys,
		queue:    q,
		board:    board,
		api:      apiService,
	}, nil
}

// loadKeys imports the configured keys and generates the dev accounts.
func loadKeys(cfg config.TransportConfig, logger *logging.Logger) (*keyring.Keyring, error) {
	keys := keyring.New()
	for i, hexKey := range cfg.Keys {
		if _, err := keys.Import(hexKey); err != nil {
			return nil, fmt.Errorf("importing key %d: %w", i, err)
		}
	}
	for i := 0; i < cfg.DevAccounts; i++ {
		a, err := keys.Generate()
		if err != nil {
			return nil, fmt.Errorf("generating dev account: %w", err)
		}
		logger.Info("Generated dev account", "address", a.Address)
	}
	return keys, nil
}

// settlementLog logs how every submission made through the API ends.
func settlementLog(logger *logging.Logger) func(signer string) submit.Hooks {
	return func(signer string) submit.Hooks {
		l := logger.WithField("signer", signer)
		return submit.Hooks{
			OnSuccess: func(o queue.Outcome) {
				l.Info("Submission succeeded", "tx_id", uint64(o.ID), "status", string(o.Status))
			},
			OnFailed: func(o queue.Outcome) {
				l.Warn("Submission failed", "tx_id", uint64(o.ID), "status", string(o.Status), "error", o.Err)
			},
		}
	}
}

func (a *app) start(ctx context.Context) error {
	return a.registry.StartAll(ctx)
}

func (a *app) stop(ctx context.Context) error {
	a.board.Dispose()
	return a.registry.StopAll(ctx)
}
