package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

type Decision int

const (
	Challenge Decision = iota
	Bypass
)

func (d Decision) String() string {
	if d == Bypass {
		return "bypass"
	}
	return "challenge"
}

// Guard decides whether a login must present a second factor.
type Guard struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewGuard(s store.Store, log *zap.Logger) *Guard {
	return &Guard{store: s, log: log, now: time.Now}
}

// Evaluate returns Bypass only for a known, unrevoked, unexpired device. A
// bypass advances the device's last-used time.
func (g *Guard) Evaluate(ctx context.Context, userID, fingerprint string) (Decision, error) {
	if fingerprint == "" {
		return Challenge, nil
	}

	device, err := g.store.TrustedDevices().Find(ctx, userID, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return Challenge, nil
	}
	if err != nil {
		return Challenge, fmt.Errorf("failed to look up trusted device: %w", err)
	}

	now := g.now()
	if !device.Valid(now) {
		return Challenge, nil
	}

	if err := g.store.TrustedDevices().TouchLastUsed(ctx, device.ID, now); err != nil {
		return Challenge, fmt.Errorf("failed to update trusted device: %w", err)
	}

	g.log.Debug("mfa bypassed by trusted device",
		zap.String("user_id", userID),
		zap.String("device_id", device.ID))
	return Bypass, nil
}

// Trust records fingerprint as trusted for ttl from now.
func Trust(ctx context.Context, devices store.TrustedDeviceRepository, userID, fingerprint string, ttl time.Duration, now time.Time) error {
	device := &model.TrustedDevice{
		UserID:      userID,
		Fingerprint: fingerprint,
		ExpiresAt:   now.Add(ttl),
		LastUsedAt:  &now,
	}
	if err := devices.Upsert(ctx, device); err != nil {
		return fmt.Errorf("failed to trust device: %w", err)
	}
	return nil
}
