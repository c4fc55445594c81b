package mfa

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

func newTestBox(t *testing.T) *SecretBox {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	box, err := NewSecretBox(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return box
}

func newTestConfig() *config.MFAConfig {
	return &config.MFAConfig{
		Issuer:            "Warden",
		TrustedDeviceTTL:  30 * 24 * time.Hour,
		RecoveryCodeCount: 4,
	}
}

// enrolledUser creates a user with an enabled secret and returns the
// plaintext secret and recovery codes.
func enrolledUser(t *testing.T, s store.Store, box *SecretBox) (string, string, []string) {
	ctx := context.Background()
	user := &model.User{Email: "mfa@example.com", Active: true, Status: model.UserStatusActive}
	require.NoError(t, s.Users().Create(ctx, user))

	verifier := NewVerifier(box)
	enroller := NewEnroller(newTestConfig(), s, box, verifier, zap.NewNop())

	enrollment, err := enroller.Begin(ctx, user.ID, user.Email)
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	recovery, err := enroller.Confirm(ctx, user.ID, code)
	require.NoError(t, err)

	return user.ID, enrollment.Secret, recovery
}

func TestSecretBox(t *testing.T) {
	box := newTestBox(t)

	sealed, err := box.Seal([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "JBSWY3DPEHPK3PXP")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = box.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = newTestBox(t).Open(sealed[:10])
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewSecretBox_InvalidKey(t *testing.T) {
	_, err := NewSecretBox("not base64!")
	assert.Error(t, err)

	_, err = NewSecretBox(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestGuard_Evaluate(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name        string
		device      *model.TrustedDevice
		fingerprint string
		want        Decision
	}{
		{
			name:        "no fingerprint",
			fingerprint: "",
			want:        Challenge,
		},
		{
			name:        "unknown device",
			fingerprint: "fp-unknown",
			want:        Challenge,
		},
		{
			name:        "valid device",
			device:      &model.TrustedDevice{UserID: "u1", Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)},
			fingerprint: "fp",
			want:        Bypass,
		},
		{
			name:        "expired device",
			device:      &model.TrustedDevice{UserID: "u1", Fingerprint: "fp", ExpiresAt: now.Add(-time.Minute)},
			fingerprint: "fp",
			want:        Challenge,
		},
		{
			name:        "revoked device",
			device:      &model.TrustedDevice{UserID: "u1", Fingerprint: "fp", ExpiresAt: now.Add(time.Hour), Revoked: true},
			fingerprint: "fp",
			want:        Challenge,
		},
		{
			name:        "device of another user",
			device:      &model.TrustedDevice{UserID: "u2", Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)},
			fingerprint: "fp",
			want:        Challenge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			if tt.device != nil {
				require.NoError(t, s.TrustedDevices().Upsert(ctx, tt.device))
			}

			got, err := NewGuard(s, zap.NewNop()).Evaluate(ctx, "u1", tt.fingerprint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuard_BypassAdvancesLastUsed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	earlier := time.Now().Add(-24 * time.Hour)
	require.NoError(t, s.TrustedDevices().Upsert(ctx, &model.TrustedDevice{
		UserID: "u1", Fingerprint: "fp", ExpiresAt: time.Now().Add(time.Hour), LastUsedAt: &earlier,
	}))

	guard := NewGuard(s, zap.NewNop())
	decision, err := guard.Evaluate(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.Equal(t, Bypass, decision)

	device, err := s.TrustedDevices().Find(ctx, "u1", "fp")
	require.NoError(t, err)
	require.NotNil(t, device.LastUsedAt)
	assert.True(t, device.LastUsedAt.After(earlier))
}

func TestVerifier_TOTPWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{name: "current step", at: now},
		{name: "previous step", at: now.Add(-30 * time.Second)},
		{name: "next step", at: now.Add(30 * time.Second)},
		{name: "two steps behind", at: now.Add(-60 * time.Second), wantErr: ErrInvalidCode},
		{name: "three steps ahead", at: now.Add(90 * time.Second), wantErr: ErrInvalidCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemory()
			box := newTestBox(t)
			userID, secret, _ := enrolledUser(t, s, box)
			verifier := NewVerifier(box)
			verifier.now = func() time.Time { return now }

			code, err := totp.GenerateCodeCustom(secret, tt.at, validateOpts)
			require.NoError(t, err)

			method, err := verifier.Verify(context.Background(), s, userID, code)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, MethodTOTP, method)
		})
	}
}

func TestVerifier_TOTPReplay(t *testing.T) {
	s := store.NewMemory()
	box := newTestBox(t)
	userID, secret, _ := enrolledUser(t, s, box)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)
	verifier := NewVerifier(box)
	verifier.now = func() time.Time { return now }

	codeAt := func(at time.Time) string {
		code, err := totp.GenerateCodeCustom(secret, at, validateOpts)
		require.NoError(t, err)
		return code
	}

	_, err := verifier.Verify(ctx, s, userID, codeAt(now))
	require.NoError(t, err)

	_, err = verifier.Verify(ctx, s, userID, codeAt(now))
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = verifier.Verify(ctx, s, userID, codeAt(now.Add(-30*time.Second)))
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = verifier.Verify(ctx, s, userID, codeAt(now.Add(30*time.Second)))
	require.NoError(t, err)

	stored, err := s.MFA().GetSecret(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second).Unix()/totpPeriod, stored.LastTotpStep)
}

func TestVerifier_RecoveryCodeSingleUse(t *testing.T) {
	s := store.NewMemory()
	box := newTestBox(t)
	userID, _, recovery := enrolledUser(t, s, box)
	ctx := context.Background()
	require.Len(t, recovery, 4)

	verifier := NewVerifier(box)

	method, err := verifier.Verify(ctx, s, userID, recovery[0])
	require.NoError(t, err)
	assert.Equal(t, MethodRecovery, method)

	_, err = verifier.Verify(ctx, s, userID, recovery[0])
	assert.ErrorIs(t, err, ErrInvalidCode)

	secret, err := s.MFA().GetSecret(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, secret.RecoveryCodesRemaining)
}

func TestVerifier_RecoveryCodeNormalization(t *testing.T) {
	assert.Equal(t, HashRecoveryCode("ABCDE-FGHJK"), HashRecoveryCode("abcde fghjk"))
	assert.NotEqual(t, HashRecoveryCode("ABCDE-FGHJK"), HashRecoveryCode("ABCDE-FGHJM"))
}

func TestVerifier_NotEnrolled(t *testing.T) {
	s := store.NewMemory()
	_, err := NewVerifier(newTestBox(t)).Verify(context.Background(), s, "nobody", "123456")
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestEnroller_Flow(t *testing.T) {
	s := store.NewMemory()
	box := newTestBox(t)
	ctx := context.Background()
	user := &model.User{Email: "enroll@example.com", Active: true}
	require.NoError(t, s.Users().Create(ctx, user))

	enroller := NewEnroller(newTestConfig(), s, box, NewVerifier(box), zap.NewNop())

	enrollment, err := enroller.Begin(ctx, user.ID, user.Email)
	require.NoError(t, err)
	assert.Contains(t, enrollment.URL, "otpauth://totp/")

	_, err = enroller.Confirm(ctx, user.ID, "000000")
	if err != nil {
		assert.ErrorIs(t, err, ErrInvalidCode)
	}

	secret, err := s.MFA().GetSecret(ctx, user.ID)
	require.NoError(t, err)
	if !secret.Enabled {
		code, err := totp.GenerateCode(enrollment.Secret, time.Now())
		require.NoError(t, err)
		codes, err := enroller.Confirm(ctx, user.ID, code)
		require.NoError(t, err)
		assert.Len(t, codes, 4)
	}

	got, err := s.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.MfaEnabled)

	_, err = enroller.Begin(ctx, user.ID, user.Email)
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Now()

	require.NoError(t, s.TrustedDevices().Upsert(ctx, &model.TrustedDevice{UserID: "u1", Fingerprint: "old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.TrustedDevices().Upsert(ctx, &model.TrustedDevice{UserID: "u1", Fingerprint: "new", ExpiresAt: now.Add(time.Hour)}))

	n, err := NewSweeper(s.TrustedDevices(), time.Minute, zap.NewNop()).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := s.TrustedDevices().Find(ctx, "u1", "old")
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	fresh, err := s.TrustedDevices().Find(ctx, "u1", "new")
	require.NoError(t, err)
	assert.False(t, fresh.Revoked)
}

func TestTrust(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	now := time.Now()

	require.NoError(t, Trust(ctx, s.TrustedDevices(), "u1", "fp", time.Hour, now))
	require.NoError(t, Trust(ctx, s.TrustedDevices(), "u1", "fp", 2*time.Hour, now))

	device, err := s.TrustedDevices().Find(ctx, "u1", "fp")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(2*time.Hour), device.ExpiresAt, time.Second)
}
