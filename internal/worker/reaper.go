// Package worker holds the background loops run by the worker binary.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/presence"
)

const reapTimeout = 30 * time.Second

// Reaper periodically retires Disconnected memberships whose reconnect grace
// window has passed. Participant counts were already adjusted when the drop
// was recorded, so reaping only finalizes the membership records.
type Reaper struct {
	presence *presence.Service
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper creates a membership reaper.
func NewReaper(p *presence.Service, interval time.Duration, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{presence: p, interval: interval, logger: logger}
}

// Run loops until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reapTimeout)
	defer cancel()
	if _, err := r.presence.Reap(ctx); err != nil {
		r.logger.Error("reap disconnected memberships", zap.Error(err))
	}
}
