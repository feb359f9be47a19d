package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mentiontrack/internal/app"
	"mentiontrack/internal/config"
	"mentiontrack/internal/httpapi"
	"mentiontrack/internal/util"
)

func main() {
	cfgPath := "config/mentiontrack.yaml"
	if p := os.Getenv("MENTION_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer a.Close()

	if err := a.Gateway.CheckProviders(context.Background()); err != nil {
		logger.Warn("no price provider reachable, backlog runs will abort", "error", err)
	}

	srv := httpapi.NewServer(a.Events, 10*time.Minute)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("mention server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down mention server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
