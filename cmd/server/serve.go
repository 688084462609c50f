package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"roadwatch-sync-server/internal/handler"
	"roadwatch-sync-server/internal/middleware"
	"roadwatch-sync-server/internal/scheduler"
	"roadwatch-sync-server/internal/websocket"

	"go.uber.org/zap"
)

func serve(parent context.Context, opts *rootOptions) error {
	cfg, logger := opts.cfg, opts.logger
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewManager(websocket.Options{
		MaxConnPerOperator: cfg.WebSocket.MaxConnPerOperator,
		MaxMessageSize:     cfg.WebSocket.MaxMessageSize,
		WriteWait:          cfg.WebSocket.WriteWait,
		PongWait:           cfg.WebSocket.PongWait,
		PingPeriod:         cfg.WebSocket.PingPeriod,
	}, logger)
	go hub.Run(ctx)

	a, err := newApp(ctx, cfg, logger, opts.Memory, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.orchestrator, a.autosync, scheduler.Options{
		Location:        cfg.Sync.Location,
		DefaultInterval: cfg.Sync.DefaultInterval,
	}, a.metrics, logger)
	a.sync.SetScheduler(sched)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret: cfg.JWT.Secret,
		CORS: middleware.CORSOptions{
			Origins: cfg.CORS.AllowedOrigins,
			Methods: cfg.CORS.AllowedMethods,
			Headers: cfg.CORS.AllowedHeaders,
			MaxAge:  cfg.CORS.MaxAge,
		},
	},
		handler.NewSyncHandler(a.sync, logger),
		handler.NewWebSocketHandler(hub, cfg.JWT.Secret, logger),
		a.metrics.Handler(),
		logger,
	)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// A manual run may take up to the run budget.
		WriteTimeout: cfg.Sync.RunTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting RoadWatch sync server",
			zap.String("addr", addr),
			zap.String("env", cfg.Server.Env),
			zap.Bool("memory", opts.Memory),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
