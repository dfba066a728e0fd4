package sqlite

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes rows whose TTL has passed. Redis expires keys
// on its own; SQLite needs this to keep the tables from growing.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)
		sw.runSweep(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	n, err := sw.store.SweepExpired(ctx, sw.store.now())
	if err != nil {
		sw.logger.Warn("sweep failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Info("swept expired rows", "rows", n)
	}
}
