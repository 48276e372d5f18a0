package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"txt2img/pkg/cache"
	"txt2img/pkg/config"
	"txt2img/pkg/logging"
	"txt2img/pkg/metrics"
	"txt2img/pkg/queue"
	"txt2img/pkg/storage"
	"txt2img/pkg/synth"
	"txt2img/pkg/worker"
)

const (
	startupTimeout = 30 * time.Second
	attemptsTTL    = 24 * time.Hour
	statusTTL      = 7 * 24 * time.Hour
)

// transport is the broker side of the worker
type transport interface {
	worker.Publisher
	Consume(ctx context.Context, queueName string, handler queue.Handler) error
	Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("production", "")
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("worker stopped")
		os.Exit(1)
	}
	logger.Info().Msg("shut down complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, startupTimeout)
	defer cancelStart()

	store, err := storage.NewS3Store(startCtx, storage.S3Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := store.EnsureContainer(startCtx, cfg.Bucket); err != nil {
		return err
	}
	logger.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("object store ready")

	m := metrics.New()
	options := []worker.Option{worker.WithObserver(m)}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(startCtx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeRedis(client, logger)
		options = append(options,
			worker.WithAttemptTracker(cache.NewRedisAttempts(client, attemptsTTL, "txt2img:attempts")),
			worker.WithStatusStore(cache.NewRedisStatusStore(client, statusTTL, "txt2img:job")),
		)
		logger.Info().Msg("using redis for attempts and job status")
	} else {
		options = append(options, worker.WithStatusStore(cache.NewInMemoryStatusStore(statusTTL)))
	}

	broker, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	engine := newEngine(cfg, logger)

	var server *metrics.Server
	if cfg.MetricsAddr != "" {
		server = metrics.NewServer(cfg.MetricsAddr, m, logger)
		server.Start()
	}

	pipeline := worker.NewPipeline(engine, store, broker, worker.Options{
		OutboundRoutingKey:   cfg.OutboundRoutingKey,
		DeadLetterRoutingKey: cfg.DeadLetterRoutingKey,
		FailureRoutingKey:    cfg.FailureRoutingKey,
		ArtifactPrefix:       cfg.ArtifactPrefix,
		LinkTTL:              cfg.LinkTTL,
		MaxAttempts:          cfg.MaxAttempts,
	}, logger, options...)

	if server != nil {
		server.SetReady(true)
	}
	logger.Info().
		Str("driver", cfg.QueueDriver).
		Str("queue", cfg.InboundQueue).
		Str("outbound", cfg.OutboundRoutingKey).
		Msg("worker started, waiting for requests")

	handle := func(jobCtx context.Context, d queue.Delivery) queue.Decision {
		// the in-flight job gets SHUTDOWN_TIMEOUT once a stop is requested
		jobCtx, cancel := queue.WithDrainTimeout(jobCtx, ctx, cfg.ShutdownTimeout)
		defer cancel()
		return pipeline.Handle(jobCtx, d)
	}

	consumeErr := broker.Consume(ctx, cfg.InboundQueue, handle)
	if consumeErr == nil {
		logger.Info().Msg("received termination signal, shutting down")
	}

	if server != nil {
		server.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to stop metrics server")
		}
	}

	return consumeErr
}

func newTransport(cfg config.Config, logger zerolog.Logger) (transport, error) {
	if cfg.QueueDriver == config.DriverKafka {
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("group", cfg.KafkaGroupID).Msg("using kafka")
		return queue.NewKafka(queue.KafkaConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID}, logger), nil
	}

	rabbit, err := queue.NewRabbitMQ(cfg.AMQPURL, cfg.Exchange, logger)
	if err != nil {
		return nil, err
	}
	var queues []string
	for _, name := range []string{cfg.InboundQueue, cfg.OutboundRoutingKey, cfg.DeadLetterRoutingKey, cfg.FailureRoutingKey} {
		if name != "" {
			queues = append(queues, name)
		}
	}
	if err := rabbit.DeclareTopology(queues...); err != nil {
		rabbit.Close()
		return nil, err
	}
	logger.Info().Str("exchange", cfg.Exchange).Strs("queues", queues).Msg("connected to rabbitmq")
	return rabbit, nil
}

func newEngine(cfg config.Config, logger zerolog.Logger) synth.Engine {
	if cfg.EngineURL == "" {
		logger.Warn().Msg("ENGINE_URL not set, using placeholder engine")
		return synth.NewPlaceholderEngine(512)
	}
	logger.Info().Str("url", cfg.EngineURL).Int("steps", cfg.EngineSteps).Msg("using http engine")
	return synth.NewHTTPEngine(synth.HTTPOptions{
		BaseURL: cfg.EngineURL,
		Steps:   cfg.EngineSteps,
		Timeout: cfg.EngineTimeout,
	})
}

func closeRedis(client *redis.Client, logger zerolog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close redis client")
	}
}
