package mfa

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/store"
)

// Sweeper periodically revokes trusted devices past their expiry.
type Sweeper struct {
	devices  store.TrustedDeviceRepository
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewSweeper(devices store.TrustedDeviceRepository, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{devices: devices, interval: interval, log: log, now: time.Now}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.devices.RevokeExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("revoked expired trusted devices", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("trusted device sweep failed", zap.Error(err))
			}
		}
	}
}
