package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_notify/internal/cardcache"
	"github.com/austindbirch/harbor_notify/internal/channel"
	"github.com/austindbirch/harbor_notify/internal/channel/botconnector"
	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/db"
	"github.com/austindbirch/harbor_notify/internal/health"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/queue"
	"github.com/austindbirch/harbor_notify/internal/retry"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/store/blob"
	"github.com/austindbirch/harbor_notify/internal/throttle"
	"github.com/austindbirch/harbor_notify/internal/tracing"
	"github.com/austindbirch/harbor_notify/internal/worker"
)

const serviceName = "harbornotify-sendworker"

func runWorker(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize structured logging
	logger := logging.New(serviceName)
	if err := logger.SetLevel(logging.LogLevel(cfg.LogLevel)); err != nil {
		logger.Plain().WithError(err).Warn("invalid log level, keeping info")
	}
	logging.SetDefaultService(serviceName)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName, tracing.Options{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Version:      cfg.Tracing.Version,
	})
	if err != nil {
		logger.Plain().WithError(err).Error("Failed to initialize tracing")
		return err
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Error("db connect failed")
		return err
	}
	defer pool.Close()

	var (
		rdb         *redis.Client
		redisClient redis.Cmdable
		redisHealth health.Pinger
	)
	if cfg.Redis.Enabled {
		rdb, err = db.ConnectRedis(ctx, db.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.Plain().WithError(err).WithField("addr", cfg.Redis.Addr).Error("redis connect failed")
			return err
		}
		defer rdb.Close()
		redisClient = rdb
		redisHealth = health.RedisPinger{Client: rdb}
	}

	var blobs store.BlobReader
	if cfg.Blob.Enabled {
		reader, err := blob.New(ctx, cfg.Blob.Bucket, cfg.Blob.Prefix)
		if err != nil {
			logger.Plain().WithError(err).Error("blob storage init failed")
			return err
		}
		defer reader.Close()
		blobs = reader
	}
	st := store.New(pool, blobs)

	th, err := throttle.Open(cfg.Send.ThrottleBackend, redisClient, pool)
	if err != nil {
		logger.Plain().WithError(err).Error("throttle init failed")
		return err
	}

	cacheOpts := []cardcache.Option{cardcache.WithLogger(logger)}
	if cfg.Send.SharedCardCache && redisClient != nil {
		cacheOpts = append(cacheOpts, cardcache.WithShared(cardcache.NewRedisShared(redisClient)))
	}
	cards := cardcache.New(cfg.Send.CardCacheSize, cfg.CardCacheTTL(), cacheOpts...)

	// Producer for delayed requeues and the DLQ
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Error("nsq producer creation failed")
		return err
	}
	defer producer.Stop()

	var tokens botconnector.TokenSource
	if cfg.Bot.AccessToken != "" {
		tokens = botconnector.StaticToken(cfg.Bot.AccessToken)
	}
	transport := botconnector.New(&http.Client{Timeout: cfg.Bot.HTTPTimeout}, tokens)
	sender := channel.NewSender(cfg.Bot.AppID, transport, retry.New(retry.WithLogger(logger)), logger)

	proc := worker.NewProcessor(st, sender, th, queue.NewRequeuer(producer, cfg.NSQ.SendTopic), cards, worker.Options{
		MaxAttempts:      cfg.Send.MaxAttempts,
		RetryDelay:       cfg.SendRetryDelay(),
		MaxDeliveryCount: cfg.NSQ.MaxDeliveryCount,
	}, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, redisHealth))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srvErr := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	if cfg.NSQ.StatsInterval > 0 {
		monitor := queue.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.SendTopic, cfg.NSQ.WorkerChannel, logger)
		go monitor.Run(ctx, cfg.NSQ.StatsInterval)
	}

	handler := queue.NewHandler(ctx, proc, cfg.NSQ.MessageTimeout,
		queue.WithTouchInterval(cfg.NSQ.TouchInterval),
		queue.WithDeadLetter(producer, cfg.NSQ.DLQTopic, proc.MarkDeadLettered),
		queue.WithLogger(logger),
	)
	consumer, err := queue.StartConsumer(queue.ConsumerConfig{
		Topic:            cfg.NSQ.SendTopic,
		Channel:          cfg.NSQ.WorkerChannel,
		MaxInFlight:      cfg.NSQ.MaxInFlight,
		Concurrency:      cfg.NSQ.Concurrency,
		MaxDeliveryCount: cfg.NSQ.MaxDeliveryCount,
		NsqdTCPAddr:      cfg.NSQ.NsqdTCPAddr,
		LookupHTTPAddr:   cfg.NSQ.LookupHTTPAddr,
	}, handler)
	if err != nil {
		logger.Plain().WithError(err).Error("nsq consumer start failed")
		_ = httpSrv.Shutdown(context.Background())
		return err
	}

	logger.Plain().WithFields(map[string]any{
		"topic":            cfg.NSQ.SendTopic,
		"channel":          cfg.NSQ.WorkerChannel,
		"concurrency":      cfg.NSQ.Concurrency,
		"max_attempts":     cfg.Send.MaxAttempts,
		"throttle_backend": cfg.Send.ThrottleBackend,
	}).Info("send worker started")

	// Graceful stop
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		logger.Plain().WithError(runErr).Error("worker HTTP server failed")
	}

	logger.Plain().Info("Shutting down send worker")
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("send worker stopped")
	return runErr
}
