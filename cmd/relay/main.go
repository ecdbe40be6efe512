package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/nimbuschat/relay/internal/auth"
	"github.com/nimbuschat/relay/internal/config"
	"github.com/nimbuschat/relay/internal/hub"
	"github.com/nimbuschat/relay/internal/limits"
	"github.com/nimbuschat/relay/internal/metrics"
	"github.com/nimbuschat/relay/internal/monitoring"
	"github.com/nimbuschat/relay/internal/queue"
	"github.com/nimbuschat/relay/internal/resume"
	"github.com/nimbuschat/relay/internal/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger("info", monitoring.LogFormatJSON)
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	// automaxprocs already adjusted GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
	}
	cancelPing()

	store := resume.NewRedisStore(redisClient, resume.DefaultKeyPrefix, cfg.ResumeTokenTTL)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	authenticate := func(headers http.Header, clientID string) *hub.Identity {
		id := verifier.Authenticate(headers, clientID)
		if id == nil {
			return nil
		}
		return &hub.Identity{AccountID: id.AccountID, DeviceID: id.DeviceID}
	}

	connLimiter := limits.NewKeyedLimiter(limits.KeyedLimiterConfig{
		Rate:  cfg.ConnRatePerSec,
		Burst: cfg.ConnBurst,
	})
	defer connLimiter.Stop()
	msgLimiter := limits.NewKeyedLimiter(limits.KeyedLimiterConfig{
		Rate:  cfg.MsgRatePerSec,
		Burst: cfg.MsgBurst,
	})
	defer msgLimiter.Stop()

	h, err := hub.New(hub.Config{
		Options:      cfg.HubOptions(),
		Store:        store,
		Metrics:      recorder,
		Logger:       logger,
		Authenticate: authenticate,
		ConnLimiter:  connLimiter,
		MsgLimiter:   msgLimiter,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build hub")
	}

	q, err := buildQueue(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build broadcast queue")
	}
	consumer := queue.NewConsumer(q, h.Broadcast, nil, logger)
	if err := consumer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broadcast consumer")
	}

	sampler := monitoring.NewSampler(registry, logger, cfg.MetricsInterval)
	samplerCtx, stopSampler := context.WithCancel(context.Background())
	go sampler.Run(samplerCtx)

	server := transport.NewServer(transport.ServerConfig{Addr: cfg.Addr}, h, registry, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Transport shutdown error")
	}
	if err := consumer.Close(); err != nil {
		logger.Error().Err(err).Msg("Consumer shutdown error")
	}
	stopSampler()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("Redis close error")
	}
	logger.Info().Msg("Shutdown complete")
}

// buildQueue picks the broadcast source. Redis streams give at-least-once
// delivery through a consumer group; core NATS is at-most-once and fits
// deployments that already run the platform broker.
func buildQueue(cfg *config.Config, redisClient redis.UniversalClient, logger zerolog.Logger) (queue.Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverNATS:
		return queue.NewNATSQueue(queue.NATSConfig{
			URL:           cfg.NATSURL,
			Subject:       cfg.NATSSubject,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Logger:        logger,
		})
	default:
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "relay"
		}
		return queue.NewRedisStreamQueue(queue.RedisStreamConfig{
			Client:   redisClient,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: hostname,
			Logger:   logger,
		})
	}
}
