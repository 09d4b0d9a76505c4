package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/rpattn/importer/internal/api"
	"github.com/rpattn/importer/internal/config"
	"github.com/rpattn/importer/internal/db"
	"github.com/rpattn/importer/internal/export"
	"github.com/rpattn/importer/internal/fetcher"
	"github.com/rpattn/importer/internal/ingestion"
	"github.com/rpattn/importer/internal/logger"
	"github.com/rpattn/importer/internal/query"
	"github.com/rpattn/importer/internal/ratelimit"
	"github.com/rpattn/importer/internal/repository"
	"github.com/rpattn/importer/internal/retry"
	"github.com/rpattn/importer/internal/tasks"
)

const (
	modeAll    = "all"
	modeAPI    = "api"
	modeWorker = "worker"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	mode := flag.String("mode", modeAll, "what to run: all, api or worker")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load configuration")
	}
	logger.Init(cfg.LogLevel)

	if *mode != modeAll && *mode != modeAPI && *mode != modeWorker {
		logger.Log.WithField("mode", *mode).Fatal("unknown mode")
	}
	if *mode == modeWorker && !cfg.Kafka.Enabled {
		logger.Log.Fatal("worker mode requires kafka to be enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		logger.Log.WithError(err).Fatal("failed to run migrations")
	}

	processRepo := repository.NewProcessRepository(conn.Pool)
	recordRepo := repository.NewRecordRepository(conn.Pool)
	taskRepo := repository.NewTaskRepository(conn.Pool)

	var (
		cache   query.Cache
		limiter ratelimit.Limiter = ratelimit.Unlimited{}
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Log.WithError(err).Warn("redis unreachable at startup, cache and limiter will fail open")
		}
		cache = query.NewRedisCache(client, cfg.Cache.Namespace)
		limiter = ratelimit.NewRedisLimiter(client, cfg.Cache.Namespace+":ratelimit", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	queries := query.NewService(processRepo, recordRepo, cache, cfg.Cache.TTL)
	fetch := fetcher.New(fetcher.NewEndpointFetcher(cfg.Fetch), fetcher.NewFileReader())
	importer := ingestion.NewService(processRepo, recordRepo, fetch, queries)
	exporter := export.NewService(processRepo, recordRepo)

	handlerOpts := []api.Option{
		api.WithLimiter(limiter),
		api.WithMaxUploadBytes(cfg.UploadMaxBytes),
	}

	var workers sync.WaitGroup
	if cfg.Kafka.Enabled {
		spool, err := tasks.NewSpool(cfg.Tasks.SpoolDir)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to prepare task spool")
		}
		kafkaCfg := tasks.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, GroupID: cfg.Kafka.GroupID}

		if *mode != modeWorker {
			producer := tasks.NewKafkaProducer(kafkaCfg)
			defer func() {
				if err := producer.Close(); err != nil {
					logger.Log.WithError(err).Warn("failed to close task producer")
				}
			}()
			handlerOpts = append(handlerOpts, api.WithTaskQueue(tasks.NewDispatcher(taskRepo, importer, producer, spool)))
		}

		if *mode != modeAPI {
			consumer := tasks.NewKafkaConsumer(kafkaCfg)
			worker := tasks.NewWorker(taskRepo, importer, consumer, spool,
				retry.Exponential{Base: cfg.Tasks.RetryBase, MaxRetries: cfg.Tasks.MaxRetries})
			workers.Add(1)
			go func() {
				defer workers.Done()
				defer func() {
					if err := consumer.Close(); err != nil {
						logger.Log.WithError(err).Warn("failed to close task consumer")
					}
				}()
				logger.WithField("topic", cfg.Kafka.Topic).Info("task worker started")
				if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Log.WithError(err).Error("task worker stopped")
					stop()
				}
			}()
		}
	}

	if *mode == modeWorker {
		<-ctx.Done()
		logger.Log.Info("shutting down worker")
		workers.Wait()
		return
	}

	handler := api.NewHandler(importer, queries, exporter, handlerOpts...)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, processRepo, api.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", cfg.Server.Addr).WithField("base_path", api.BasePath).Info("starting import API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}
	workers.Wait()
	logger.Log.Info("server exited")
}
