// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

// Command server runs the AppBeat pipeline: the ingestion API, the durable
// batch worker, and the realtime broadcast manager, all in one supervised
// process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/appbeat-io/appbeat/internal/api"
	"github.com/appbeat-io/appbeat/internal/config"
	"github.com/appbeat-io/appbeat/internal/database"
	"github.com/appbeat-io/appbeat/internal/eventprocessor"
	"github.com/appbeat-io/appbeat/internal/ingest"
	"github.com/appbeat-io/appbeat/internal/logging"
	"github.com/appbeat-io/appbeat/internal/presence"
	"github.com/appbeat-io/appbeat/internal/realtime"
	"github.com/appbeat-io/appbeat/internal/supervisor"
	"github.com/appbeat-io/appbeat/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("starting appbeat server")

	// Signal handling lives here and nowhere else; every component below
	// shuts down through this context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, database.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logging.Error().Err(cerr).Msg("database close failed")
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	// Broker: embedded JetStream for single-instance deployments, external
	// URL otherwise.
	natsURL := cfg.NATS.URL
	var embedded *eventprocessor.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		serverCfg := eventprocessor.DefaultServerConfig(cfg.NATS.StoreDir)
		embedded, err = eventprocessor.NewEmbeddedServer(&serverCfg)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := embedded.Shutdown(shutdownCtx); serr != nil {
				logging.Error().Err(serr).Msg("embedded NATS shutdown failed")
			}
		}()
	}

	nc, err := natsgo.Connect(natsURL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.NATS.MaxReconnects),
		natsgo.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connect NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	streamCfg := eventprocessor.DefaultStreamConfig()
	streamCfg.Name = cfg.NATS.StreamName
	streamCfg.MaxAge = cfg.NATS.StreamMaxAge
	streamCfg.MaxMsgs = cfg.NATS.StreamMaxMsgs
	streamCfg.DuplicateWindow = cfg.NATS.DuplicateWindow
	streamInit, err := eventprocessor.NewStreamInitializer(js, &streamCfg)
	if err != nil {
		return fmt.Errorf("create stream initializer: %w", err)
	}
	if _, err := streamInit.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	wmLogger := logging.NewWatermillAdapter()

	pubCfg := eventprocessor.DefaultPublisherConfig(natsURL)
	pubCfg.MaxReconnects = cfg.NATS.MaxReconnects
	pubCfg.ReconnectWait = cfg.NATS.ReconnectWait
	publisher, err := eventprocessor.NewPublisher(pubCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()
	publisher.SetCircuitBreaker(gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "batch-publish",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}))

	batchPublisher, err := eventprocessor.NewBatchPublisher(publisher)
	if err != nil {
		return fmt.Errorf("create batch publisher: %w", err)
	}

	listStore, err := ingest.NewRedisListStore(redisClient)
	if err != nil {
		return fmt.Errorf("create list store: %w", err)
	}
	buffer, err := ingest.NewBuffer(listStore, batchPublisher, ingest.Config{
		ListKey:       cfg.Redis.ListKey,
		BatchSize:     cfg.Ingest.BatchSize,
		MaxBufferSize: cfg.Ingest.MaxBufferSize,
		RetryDelay:    cfg.Ingest.RetryDelay,
	}, nil)
	if err != nil {
		return fmt.Errorf("create ingestion buffer: %w", err)
	}

	subCfg := eventprocessor.DefaultSubscriberConfig(natsURL)
	subCfg.DurableName = cfg.NATS.DurableName
	subCfg.QueueGroup = cfg.NATS.QueueGroup
	subCfg.SubscribersCount = cfg.Worker.Concurrency
	subCfg.MaxDeliver = cfg.Worker.MaxAttempts + 2 // Broker-side ceiling above router retries
	subCfg.CloseTimeout = cfg.Worker.CloseTimeout
	subCfg.MaxReconnects = cfg.NATS.MaxReconnects
	subCfg.ReconnectWait = cfg.NATS.ReconnectWait
	subCfg.StreamName = cfg.NATS.StreamName
	subscriber, err := eventprocessor.NewSubscriber(&subCfg, wmLogger)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}

	routerCfg := eventprocessor.DefaultRouterConfig()
	routerCfg.RetryMaxRetries = cfg.Worker.MaxAttempts - 1
	routerCfg.RetryInitialInterval = cfg.Worker.RetryInitialInterval
	routerCfg.CloseTimeout = cfg.Worker.CloseTimeout
	router, err := eventprocessor.NewRouter(&routerCfg, publisher.WatermillPublisher(), wmLogger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	handler, err := eventprocessor.NewBatchHandler(db)
	if err != nil {
		return fmt.Errorf("create batch handler: %w", err)
	}
	consumerInfo := eventprocessor.NewJetStreamConsumerInfo(js, cfg.NATS.StreamName, cfg.NATS.DurableName)
	worker, err := eventprocessor.NewWorker(subscriber, router, handler, consumerInfo)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}

	tracker, err := presence.NewTracker(db, presence.Config{Window: cfg.Presence.Window}, nil)
	if err != nil {
		return fmt.Errorf("create presence tracker: %w", err)
	}

	manager, err := realtime.NewManager(realtime.Config{
		FlushInterval:     cfg.Realtime.FlushInterval,
		PresenceInterval:  cfg.Realtime.PresenceInterval,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		ConnectionTimeout: cfg.Realtime.ConnectionTimeout,
		MaxBufferSize:     cfg.Realtime.MaxBufferSize,
		PresenceCacheTTL:  cfg.Realtime.PresenceCacheTTL,
	}, tracker, nil)
	if err != nil {
		return fmt.Errorf("create realtime manager: %w", err)
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	apiCfg.ShutdownTimeout = cfg.Server.Timeout
	server, err := api.NewServer(apiCfg, buffer, manager, tracker, db, worker)
	if err != nil {
		return fmt.Errorf("create api server: %w", err)
	}

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}
	tree.AddWorkerService(services.NewWorkerService(worker))
	tree.AddRealtimeService(services.NewRealtimeService(manager))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	errCh := tree.ServeBackground(ctx)
	logging.Info().
		Str("addr", apiCfg.Addr).
		Str("stream", cfg.NATS.StreamName).
		Msg("appbeat server running")

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree failed")
		}
	}
	stop()

	// Drain buffered events into the queue before the publisher closes, so a
	// clean shutdown loses nothing that reached the shared list.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := buffer.Flush(flushCtx); err != nil {
		logging.Error().Err(err).Msg("final buffer flush failed")
	}
	if err := buffer.Close(); err != nil {
		logging.Error().Err(err).Msg("buffer close failed")
	}
	if err := worker.Close(); err != nil {
		logging.Error().Err(err).Msg("worker close failed")
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprint(svc.Service)).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("appbeat server stopped")
	return nil
}
