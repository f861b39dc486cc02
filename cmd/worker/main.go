package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-chi/httplog"
	"github.com/marcelsud/payment-inbox/alert"
	"github.com/marcelsud/payment-inbox/billing"
	"github.com/marcelsud/payment-inbox/config"
	eventredis "github.com/marcelsud/payment-inbox/event/redis"
	"github.com/marcelsud/payment-inbox/metrics"
	queueredis "github.com/marcelsud/payment-inbox/queue/redis"
	"github.com/marcelsud/payment-inbox/router"
	"github.com/marcelsud/payment-inbox/routing"
	"github.com/marcelsud/payment-inbox/worker"
)

/* Worker process: claims jobs from the durable queue and drives events
 * through processing, retries and escalation
 * Several instances may run side by side against the same queue
 */

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		return
	}

	logger := httplog.NewLogger("payment-inbox-worker", httplog.Options{JSON: true})

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	store, err := eventredis.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting event store")
	}
	defer store.Close(ctx)

	// Unlike intake, a worker is pointless without the durable queue.
	q, err := queueredis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting durable queue")
	}
	defer q.Close(ctx)

	m, err := metrics.NewPipeline(q)
	if err != nil {
		logger.Fatal().Err(err).Msg("setting up metrics")
	}
	defer m.Shutdown(ctx)

	r := router.New(logger)
	if err := billing.Register(r, billing.LogApplier{Logger: logger}); err != nil {
		logger.Fatal().Err(err).Msg("registering billing handlers")
	}

	gate := alert.NewGate(
		alert.NewLogNotifier(logger),
		cfg.Recipients(),
		cfg.AlertLimit,
		cfg.AlertWindow(),
		logger,
		m,
	)

	var rules *routing.Table
	if cfg.RulesFile != "" {
		rules = routing.NewTable()
		if err := rules.Load(cfg.RulesFile); err != nil {
			logger.Fatal().Err(err).Msg("loading rules file")
		}
	}

	go q.RunRetryMover(ctx)

	w := worker.New(store, q, r, gate, rules, worker.Config{
		Concurrency:    cfg.WorkerConcurrency,
		MaxRetries:     cfg.MaxRetries,
		BaseBackoff:    cfg.BaseBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		HandlerTimeout: cfg.HandlerTimeout(),
		RatePerSecond:  cfg.WorkerRatePerSecond,
		SweepAfter:     cfg.SweepAfter(),
		SweepLimit:     cfg.SweepLimit,
	}, logger, m)

	logger.Info().Str("worker_id", w.ID).Int("concurrency", cfg.WorkerConcurrency).Msg("worker running")
	if err := w.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
