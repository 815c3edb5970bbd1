package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gridmesh/config"
	"gridmesh/gateway/middleware"
	"gridmesh/observability/logging"
	"gridmesh/payments"
	"gridmesh/registry"
	"gridmesh/rpc"
	"gridmesh/scheduler"
	"gridmesh/workspace"
)

const (
	version         = "0.3.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "gridmesh.toml", "path to orchestrator config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup("gridmeshd", cfg.Env, cfg.LogLevel)

	users, err := rpc.NewUserStore(filepath.Join(cfg.DataDir, "users.db"))
	if err != nil {
		logger.Error("open user store", "error", err)
		return
	}
	defer func() { _ = users.Close() }()

	store, err := workspace.NewStore(filepath.Join(cfg.DataDir, "workspaces.json"))
	if err != nil {
		logger.Error("open workspace store", "error", err)
		return
	}
	directory, err := workspace.NewDirectory(store, logger)
	if err != nil {
		logger.Error("load workspace snapshot", "error", err)
		return
	}

	engine := payments.NewEngine(cfg.FeeBps)
	reg := registry.NewRegistry(logger)
	queue := scheduler.NewQueue(reg, engine, logger)
	reg.SetEvictHook(queue.NodeEvicted)

	server := rpc.NewServer(rpc.Deps{
		Registry:  reg,
		Queue:     queue,
		Payments:  engine,
		Directory: directory,
		Users:     users,
		Sessions:  middleware.NewSessions(cfg.AuthSecret, 0, logger),
		AdminKey:  cfg.AdminKey,
		WSPath:    cfg.WSPath,
		Version:   version,
		Logger:    logger,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(rootCtx)
	go queue.Run(rootCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress(),
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("orchestrator listening", "addr", cfg.ListenAddress(), "ws_path", cfg.WSPath, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
