// Command bqd runs the metrics/admin HTTP surface for a balanced-queue
// broker (spec §4.6/§4.7) as a standalone process, independent of whatever
// processes are actually pushing and popping jobs against the same KV.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/balanced-queue/balanced-queue/bq"
	"github.com/balanced-queue/balanced-queue/bqconfig"
	"github.com/balanced-queue/balanced-queue/bqhttp"
	"github.com/balanced-queue/balanced-queue/bqmetrics"
	"github.com/balanced-queue/balanced-queue/bqzap"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bqconfig.Load()
	if err != nil {
		return err
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := bqzap.New(zl, bq.ParseLogLevel(cfg.LogLevel))
	if cfg.HTTPAddr == "" {
		logger.Log(bq.LogLevelInfo, "metrics surface disabled: empty HTTP address")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	reader := bqmetrics.NewReader(client, cfg.Prefix, logger)
	server, err := bqhttp.New(reader, logger, cfg.IPWhitelistEnabled, cfg.AllowedCIDRs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		logger.Log(bq.LogLevelInfo, "metrics surface listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
