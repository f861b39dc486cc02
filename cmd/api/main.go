package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/httplog"
	"github.com/marcelsud/payment-inbox/alert"
	"github.com/marcelsud/payment-inbox/billing"
	"github.com/marcelsud/payment-inbox/config"
	"github.com/marcelsud/payment-inbox/event"
	eventredis "github.com/marcelsud/payment-inbox/event/redis"
	httpchi "github.com/marcelsud/payment-inbox/internal/http/chi"
	"github.com/marcelsud/payment-inbox/metrics"
	"github.com/marcelsud/payment-inbox/queue"
	"github.com/marcelsud/payment-inbox/queue/inprocess"
	queueredis "github.com/marcelsud/payment-inbox/queue/redis"
	"github.com/marcelsud/payment-inbox/router"
	"github.com/marcelsud/payment-inbox/routing"
	"github.com/marcelsud/payment-inbox/signature"
	"github.com/marcelsud/payment-inbox/worker"
)

const shutdownTimeout = 30 * time.Second

/* Intake server: terminates the processor's deliveries and acknowledges
 * them as soon as persistence completes
 * All dependencies are constructed here at startup; nothing is built
 * lazily on first use
 *
 * When the durable queue is unreachable the process runs in degraded
 * mode: an in-process queue plus an embedded worker, with retries that
 * do not survive a restart (the worker sweep recovers what it can from
 * the event store)
 */

func main() {
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		return
	}

	logger := httplog.NewLogger("payment-inbox", httplog.Options{JSON: true})

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	secrets := make([]signature.Secret, 0, len(cfg.Secrets()))
	for _, s := range cfg.Secrets() {
		secret, err := signature.ParseSecret(s)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid signing secret")
		}
		secrets = append(secrets, secret)
	}
	verifier, err := signature.NewVerifier(secrets, cfg.SignatureTolerance())
	if err != nil {
		logger.Fatal().Err(err).Msg("building signature verifier")
	}

	store, err := eventredis.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting event store")
	}
	defer store.Close(ctx)

	/* Queue adapter with in-process fallback: intake keeps working when
	 * the broker is down, at the cost of crash-resilient retries
	 */
	var (
		q        queue.Queue
		depth    metrics.DepthReporter
		degraded bool
	)
	if rq, err := queueredis.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger); err == nil {
		q = rq
		depth = rq
	} else {
		logger.Warn().Err(err).Msg("durable queue unreachable, running in degraded in-process mode")
		q = inprocess.New(cfg.InProcessQueueSize, logger)
		degraded = true
	}
	defer q.Close(ctx)

	m, err := metrics.NewPipeline(depth)
	if err != nil {
		logger.Fatal().Err(err).Msg("setting up metrics")
	}
	defer m.Shutdown(ctx)

	service := event.NewService(store, q, verifier, cfg.MaxRetries, logger, m)

	if degraded {
		/* The in-process queue only exists inside this process, so the
		 * worker must run here too
		 */
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
		go w.Run(ctx)
	}

	handlers := httpchi.Handlers(ctx, service, m.Handler())
	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      handlers,
	}

	errShutdown := make(chan error, 1)
	go shutdown(srv, ctx, errShutdown)

	logger.Info().Str("port", cfg.Port).Bool("degraded", degraded).Msg("intake server listening")
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("server error")
		return
	}
	if err := <-errShutdown; err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func shutdown(server *http.Server, ctxShutdown context.Context, errShutdown chan error) {
	<-ctxShutdown.Done()

	ctxTimeout, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	err := server.Shutdown(ctxTimeout)
	switch err {
	case nil:
		errShutdown <- nil
	case context.DeadlineExceeded:
		errShutdown <- fmt.Errorf("forcing server close after timeout")
	default:
		errShutdown <- err
	}
}
