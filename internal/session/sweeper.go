package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/pkg/logger"
)

// Sweeper periodically closes idle sessions.
type Sweeper struct {
	store        *Store
	interval     time.Duration
	timeoutHours int
	onClosed     func(int64)
}

const defaultSweepInterval = 15 * time.Minute

func NewSweeper(store *Store, interval time.Duration, timeoutHours int, onClosed func(int64)) *Sweeper {
	// time.NewTicker panics on a non-positive interval.
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		store:        store,
		interval:     interval,
		timeoutHours: timeoutHours,
		onClosed:     onClosed,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	n, err := w.store.CloseInactive(ctx, w.timeoutHours)
	if err != nil {
		logger.Error("Session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("Closed inactive sessions", zap.Int64("count", n))
	}
	if w.onClosed != nil {
		w.onClosed(n)
	}
}
