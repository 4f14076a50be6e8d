package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llacademy.ng/internal/app"
	"llacademy.ng/internal/config"
	"llacademy.ng/internal/httpapi"
	"llacademy.ng/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	api, err := a.HTTP()
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE (/api/admin/events) держит соединение открытым
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	srv.RegisterOnShutdown(a.Events.Close)

	grpcSrv := httpapi.NewGRPCServer(a.Probe())
	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go grpcSrv.Watch(ctx, 5*time.Second)
		go func() {
			if err := grpcSrv.Server().Serve(grpcLis); err != nil {
				obs.Error("grpc serve failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	a.Jobs.Start(ctx)

	obs.Info("starting llacademy-cms", map[string]any{
		"version":     version,
		"addr":        srv.Addr,
		"grpc_addr":   cfg.GRPCAddr,
		"environment": cfg.Environment,
		"jobs":        a.Jobs.Names(),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		obs.Error("http server failed", map[string]any{"error": err.Error()})
	}
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if grpcLis != nil {
		grpcSrv.Shutdown()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http shutdown", map[string]any{"error": err.Error()})
	}
	a.Jobs.Stop()
	obs.Info("stopped", nil)
}
