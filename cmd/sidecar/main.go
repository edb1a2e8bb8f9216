// The sidecar mediates between HTTP chat clients and agent CLI processes
// running inside per-session sandboxes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imryao/cli-sidecar/internal/chat"
	"github.com/imryao/cli-sidecar/internal/chat/api"
	"github.com/imryao/cli-sidecar/internal/chat/session"
	"github.com/imryao/cli-sidecar/internal/chat/store"
	"github.com/imryao/cli-sidecar/internal/chat/stream"
	"github.com/imryao/cli-sidecar/internal/common/config"
	"github.com/imryao/cli-sidecar/internal/common/logger"
	"github.com/imryao/cli-sidecar/internal/livebus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("sidecar exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.Database.URL,
		int32(cfg.Database.MaxConns), int32(cfg.Database.MinConns), log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	var bus livebus.Bus
	if cfg.Redis.URL != "" {
		bus, err = livebus.NewRedisBus(cfg.Redis.URL, log)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	} else {
		log.Info("no redis url configured, using in-process live bus")
		bus = livebus.NewMemoryBus(log)
	}
	defer bus.Close()

	registry := session.NewRegistry(log)
	registry.StartReaper(ctx, cfg.Session.ReapIntervalDuration(), cfg.Session.IdleTTLDuration())

	runtime := stream.NewRuntime(st, bus, registry,
		chat.NewOptionsBuilder(cfg.Agent),
		chat.NewTransportBuilder(cfg.Sandbox, log),
		log)
	svc := chat.NewService(st, bus, runtime, registry, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(svc, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("sidecar listening",
			zap.String("addr", server.Addr),
			zap.String("sandbox_backend", cfg.Sandbox.Backend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	registry.TerminateAll(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}
