package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mistakeknot/huddle/internal/config"
	"github.com/mistakeknot/huddle/internal/storage"
	redisstore "github.com/mistakeknot/huddle/internal/storage/redis"
	"github.com/mistakeknot/huddle/internal/storage/sqlite"
)

// openedStore is the configured state store plus what must be released
// with it.
type openedStore struct {
	storage.Store
	// redis is set when the store is Redis, so the bus can share it.
	redis *redisstore.Store
	stop  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*openedStore, error) {
	switch cfg.Store {
	case config.StoreRedis:
		st, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "store", "redis")
		return &openedStore{Store: st, redis: st, stop: func() { st.Close() }}, nil
	case config.StoreMemory:
		logger.Warn("in-memory store: state is not shared between processes")
		return &openedStore{Store: storage.NewInMemory(), stop: func() {}}, nil
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	st, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sweeper := sqlite.NewSweeper(st, cfg.SweepEvery, logger)
	sweeper.Start(ctx)
	logger.Info("store ready", "store", "sqlite", "path", cfg.DBPath)
	return &openedStore{
		Store: sqlite.NewResilient(st),
		stop: func() {
			sweeper.Stop()
			st.Close()
		},
	}, nil
}
