package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/tlsreporting/internal/config"
	"example.com/tlsreporting/internal/ingest"
	"example.com/tlsreporting/internal/logging"
	"example.com/tlsreporting/internal/mailbox"
	"example.com/tlsreporting/internal/storage/memory"
	spg "example.com/tlsreporting/internal/storage/postgres"
	"example.com/tlsreporting/internal/tlsrpt"
	transport "example.com/tlsreporting/internal/transport/http"

	"github.com/charmbracelet/log"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatal("config", "err", err)
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("logger", "err", err)
	}
	logger.Info("config loaded", "port", cfg.Port, "storage", cfg.StorageDriver, "imap", cfg.IMAP.Enabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		cancel()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the HTTP server fails. Every started
// component is stopped before it returns.
func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	reporter := logging.NewChain(logging.NewLogReporter(logger))
	if cfg.SentryDSN != "" {
		sr, err := logging.NewSentryReporter(cfg.SentryDSN, cfg.Environment)
		if err != nil {
			return fmt.Errorf("sentry: %w", err)
		}
		reporter.Add(sr)
	}

	var (
		store ingest.Store
		ready transport.Readiness
	)
	switch cfg.StorageDriver {
	case config.StorageMemory:
		store = memory.New()
		logger.Warn("using in-memory storage, reports are lost on restart")
	default:
		if cfg.RunMigrations {
			if err := spg.Migrate(cfg.PostgresDSN); err != nil {
				return fmt.Errorf("migration: %w", err)
			}
			logger.Info("db: migrations applied")
		}
		db, err := spg.Connect(ctx, cfg.PostgresDSN, spg.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		logger.Info("db: connected")
		store = spg.NewStore(db, logger)
		ready = db
	}

	parser := tlsrpt.NewParser(tlsrpt.WithMaxDecompressedBytes(cfg.MaxDecompressedBytes))
	svc, err := ingest.NewService(store, parser, logger, cfg.OrgCacheSize)
	if err != nil {
		return fmt.Errorf("ingest service: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	if cfg.IMAP.Enabled {
		poller := mailbox.NewPoller(cfg.IMAP, svc, logger.With("component", "mailbox"), reporter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	}

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Service:  svc,
		DB:       ready,
		Log:      logger,
		Reporter: reporter,
		Now:      func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          logger.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	return runErr
}
