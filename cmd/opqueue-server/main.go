package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrelops/opqueue/internal/agentlock"
	"github.com/kestrelops/opqueue/internal/common"
	"github.com/kestrelops/opqueue/internal/driver"
	"github.com/kestrelops/opqueue/internal/handlers"
	"github.com/kestrelops/opqueue/internal/models"
	"github.com/kestrelops/opqueue/internal/processor"
	"github.com/kestrelops/opqueue/internal/queue"
	"github.com/kestrelops/opqueue/internal/realtime"
	"github.com/kestrelops/opqueue/internal/server"
)

func main() {
	configPath := os.Getenv("OPQ_CONFIG")

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.Logging.Level)

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Queue.URL)})
	defer rdb.Close()

	policies := models.DefaultPolicies()
	for opType, timeoutMS := range cfg.Queue.OperationTimeouts {
		t := models.OperationType(opType)
		p := policies[t]
		p.HandlerTimeout = time.Duration(timeoutMS) * time.Millisecond
		policies[t] = p
	}

	q := queue.NewRedisQueue(rdb, policies, cfg.Queue.LeaseDuration(), logger)

	lock := agentlock.New()

	registry := handlers.NewRegistry()
	erp := handlers.RateLimitedDriver(driver.NewMock(), 2, 4)
	handlers.RegisterDefaults(registry, erp, driver.NewMemStore())
	// RegisterDefaults stamps the stock policies; re-register the types whose
	// timeout was overridden so the Processor sees the configured budget.
	for opType := range cfg.Queue.OperationTimeouts {
		t := models.OperationType(opType)
		if h, _, ok := registry.Lookup(t); ok {
			registry.Register(t, policies[t], h)
		}
	}

	hub := realtime.NewHub(logger, realtime.Config{
		BufferMaxCount:    cfg.Realtime.BufferSize,
		BufferMaxAge:      cfg.Realtime.BufferTTL(),
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval(),
	})

	proc := processor.New(q, lock, registry, hub, logger, processor.Config{
		Workers:            cfg.Processor.Workers,
		LeaseDuration:      cfg.Queue.LeaseDuration(),
		PreemptionPoll:     cfg.Processor.PreemptionPoll(),
		PreemptionDeadline: cfg.Processor.PreemptionDeadline(),
	})
	proc.Start()
	defer proc.Stop()

	verify := server.NewJWTVerifier(cfg.Auth.JWTSecret)

	srv := server.NewServer(server.Deps{
		Queue:  q,
		Active: proc,
		Hub:    hub,
		Verify: verify,
		Logger: logger,
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
	})

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("operation queue server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("server stopped")
}

// redisAddr strips a redis:// scheme/db-index suffix down to host:port,
// since the go-redis client's Options take a bare address.
func redisAddr(url string) string {
	addr := strings.TrimPrefix(strings.TrimPrefix(url, "redis://"), "rediss://")
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}
