// One-shot retention sweep for external scheduling (cron, systemd
// timers). The server runs the same pass on an internal ticker; this
// binary exists for deployments that prefer to drive it externally.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/saurabh81106/onceview/internal/config"
	"github.com/saurabh81106/onceview/internal/store"
	"github.com/saurabh81106/onceview/internal/sweep"
)

func main() {
	cfg := config.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required: a one-shot sweep only makes sense against a shared store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisStore.Close()

	if err := sweep.New(redisStore, logger, cfg.RetentionAge).Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("retention sweep failed")
	}
}
