package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ljn0099/picoWeatherCollector/internal/auth"
	"github.com/ljn0099/picoWeatherCollector/internal/collector"
	"github.com/ljn0099/picoWeatherCollector/internal/config"
	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/dbpool"
	"github.com/ljn0099/picoWeatherCollector/internal/dispatcher"
	"github.com/ljn0099/picoWeatherCollector/internal/httpapi"
	"github.com/ljn0099/picoWeatherCollector/internal/ingest"
	"github.com/ljn0099/picoWeatherCollector/internal/livestate"
	"github.com/ljn0099/picoWeatherCollector/internal/metrics"
	weather "github.com/ljn0099/picoWeatherCollector/internal/modules/weather"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/controller"
	"github.com/ljn0099/picoWeatherCollector/internal/mqtt"
	"github.com/ljn0099/picoWeatherCollector/tools/migrate"
)

const shutdownTimeout = 10 * time.Second

func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"dbDriver", cfg.DBDriver,
		"dbMaxConns", cfg.DBMaxConns,
		"workerThreads", cfg.WorkerThreads,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttShareGroup", cfg.MQTTShareGroup,
		"redisEnabled", cfg.RedisAddr != "",
		"aggregateTimezone", cfg.AggregateLocation.String(),
	)

	backend, err := db.OpenBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	if err := runMigrations(ctx, backend, logger); err != nil {
		return err
	}

	pool, err := dbpool.New(ctx, cfg.DBMaxConns, backend.Open, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Teardown(); err != nil {
			logger.Error("pool teardown", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	m.WatchPool(pool)

	// Aggregate jobs go back onto the queue that runs the inserts.
	var queue *dispatcher.Dispatcher[ingest.Job]
	pipelineOpts := []ingest.Option{
		ingest.WithObserver(m),
		ingest.WithAggregation(func(j ingest.Job) error { return queue.Submit(j) }, cfg.AggregateLocation),
	}
	muxOpts := []httpapi.Option{
		httpapi.WithServiceAccount(httpapi.ServiceAccount{Username: cfg.MQTTUsername, Password: cfg.MQTTPassword}),
	}
	var live controller.LiveReader
	if cfg.RedisAddr != "" {
		store, err := livestate.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("redis close", "error", err)
			}
		}()
		pipelineOpts = append(pipelineOpts, ingest.WithStateSink(store))
		live = store
		muxOpts = append(muxOpts, httpapi.WithLiveStore(store))
		logger.Info("live state enabled", "redisAddr", cfg.RedisAddr, "ttl", cfg.LiveStateTTL)
	}

	pipeline := ingest.NewPipeline(pool, backend.Dialect, logger, pipelineOpts...)
	queue = dispatcher.New(cfg.WorkerThreads, pipeline.Handle, logger)
	// Registered after the pool defer so it runs first: workers drain
	// before their connections are torn down.
	defer queue.Shutdown()
	m.WatchQueue(queue)

	gate := auth.NewGate(pool, backend.Dialect, logger, auth.WithRecorder(m))
	coll := collector.New(gate, queue, logger, m)

	mux := httpapi.NewMux(pool, coll, registry, logger, muxOpts...)
	weather.RegisterFeature(mux, pool, backend.Dialect, live, logger)
	srv := httpapi.NewServer(cfg, mux, logger)

	// The handler is installed before Connect so messages queued by the
	// broker right after CONNACK are not lost.
	subscriber := mqtt.NewSubscriber(cfg, coll, logger)
	defer subscriber.Disconnect()

	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	err = subscriber.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Warn("mqtt connection failed (continuing, client keeps retrying)", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("mqtt disconnecting")
	subscriber.Disconnect()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("draining dispatcher", "queued", queue.Len(), "outstanding", queue.Outstanding())
	queue.Shutdown()

	return ctx.Err()
}

func runMigrations(ctx context.Context, backend *db.Backend, logger *slog.Logger) error {
	conn, err := backend.Open(ctx)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	applied, err := migrate.Run(ctx, conn, backend.Dialect, logger)
	if err != nil {
		return err
	}
	logger.Info("database ready", "dialect", backend.Dialect.Name, "migrationsApplied", applied)
	return nil
}
