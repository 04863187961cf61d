package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/prcworker/internal/app"
	"github.com/SirClappington/prcworker/internal/config"
	"github.com/SirClappington/prcworker/internal/logging"
)

// The poller is a headless replica: it keeps the configured reads warm and
// publishes their results for subscribers instead of serving HTTP.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.ReplicaID)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build runtime", zap.Error(err))
	}
	defer rt.Close()

	if !cfg.PublishResult {
		logger.Warn("REDIS_PUBLISH_RESULTS is off; poll results are not delivered anywhere")
	}
	n, err := rt.SchedulePolls()
	if err != nil {
		logger.Fatal("schedule polls", zap.Error(err))
	}
	logger.Info("polling", zap.Int("items", n), zap.Duration("interval", cfg.PollInterval))

	if err := rt.Run(ctx); err != nil {
		logger.Error("exited with error", zap.Error(err))
	}
}
