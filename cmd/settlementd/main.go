package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"zkpayroll/native/admission"
	"zkpayroll/native/stream"
	"zkpayroll/observability/logging"
	telemetry "zkpayroll/observability/otel"
	"zkpayroll/services/settlementd"
	"zkpayroll/services/settlementd/config"
	"zkpayroll/services/settlementd/queue"
	"zkpayroll/services/settlementd/rail"
	"zkpayroll/services/settlementd/server"
	"zkpayroll/services/settlementd/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("settlementd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ZKPAYROLL_ENV"))
	logger := logging.Setup("settlementd", env, logging.Options{
		Path:       cfg.Log.Path,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "settlementd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(ctx)
		}()
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("resolve database path: %w", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ledger := stream.NewEngine()
	ledger.SetState(store)
	ledger.SetEmitter(settlementd.NewEventLogger(logger))

	book := settlementd.NewQuoteBook(logger)
	defer book.Close()

	gateway := rail.NewMockGateway()
	processor := settlementd.NewProcessor(ledger, gateway, store,
		settlementd.WithQuoteBook(book),
		settlementd.WithRailTimeout(cfg.RailTimeout.Duration),
		settlementd.WithProcessorLogger(logger),
	)
	if cfg.PauseOnStart {
		processor.Pause()
	}

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	err = processor.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}

	q := queue.NewMemoryQueue(cfg.QueueCapacity)
	defer q.Close()
	scheduler := settlementd.NewScheduler(ledger, q, processor, logger)

	// Proofs are accepted by a static verifier until a proving stack is
	// wired in. Admission structure and fingerprint checks still apply.
	gate := admission.NewGate(admission.StaticVerifier{Valid: true}, logger)
	svc := settlementd.NewService(ledger, gate, store, book, scheduler, processor, gateway, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	pool := settlementd.NewWorkerPool(q, processor, cfg.Workers, logger)
	pool.Start(workerCtx)

	adminSecret, err := cfg.Admin.Secret()
	if err != nil {
		logger.Warn("administrative API disabled", "reason", err.Error())
		adminSecret = ""
	}
	srv := server.New(server.Config{
		Service:     svc,
		Logger:      logger,
		AdminSecret: []byte(adminSecret),
		AdminIssuer: cfg.Admin.Issuer,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		stopWorkers()
		pool.Wait()
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
