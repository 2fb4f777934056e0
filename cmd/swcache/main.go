package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swcache/internal/swcache"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("SWCACHE_CONFIG", "/swcache.yaml"), "path to swcache.yaml")
	flag.Parse()

	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	svc, err := swcache.NewService(cfg, swcache.WithLogger(logger))
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("swcache listening", zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Requests pass straight through until install and activation finish.
	installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := svc.Install(installCtx); err != nil {
		logger.Error("install failed, proxying until a retry succeeds", zap.Error(err))
	}
	cancel()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
