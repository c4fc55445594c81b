package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/notify"
	"github.com/elskow/warden/internal/store"
	"github.com/elskow/warden/internal/token"
)

const testPassword = "correct-horse-battery"

var (
	signingKeyOnce sync.Once
	signingKey     *rsa.PrivateKey
)

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger
}

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	signingKeyOnce.Do(func() {
		key, err := token.GenerateKey(2048)
		require.NoError(t, err)
		signingKey = key
	})
	return signingKey
}

func newTestConfig() *config.AuthConfig {
	return &config.AuthConfig{
		MaxFailedAttempts:  3,
		LockoutDuration:    15 * time.Minute,
		MfaTicketTTL:       5 * time.Minute,
		MfaMaxAttempts:     3,
		DefaultApplication: "portal",
		SuperuserRole:      "superuser",
		ApplicationRoleAllowlist: map[string][]string{
			"console": {"admin", "superuser"},
		},
		ProvisioningMaxRetries: 5,
		VerificationURL:        "https://app.example.com/verify",
	}
}

// testClock is shared by the issuer and the service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.sent...)
}

type testEnv struct {
	store    *store.Memory
	issuer   *token.Issuer
	clock    *testClock
	config   *config.AuthConfig
	enroller *mfa.Enroller
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, newTestConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.AuthConfig) *testEnv {
	// an hour behind wall time, so anything stamped by the wall clock
	// (trusted device use, TOTP) lands strictly after it
	clock := &testClock{now: time.Now().Add(-time.Hour).Truncate(time.Second)}
	s := store.NewMemory()

	ring := token.NewKeyRing()
	ring.Add("k1", testSigningKey(t))
	issuer, err := token.NewIssuer(&config.TokenConfig{
		Issuer:          "warden-test",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
		RefreshPepper:   "pepper",
	}, ring, token.WithClock(clock.Now))
	require.NoError(t, err)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	box, err := mfa.NewSecretBox(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	mfaCfg := &config.MFAConfig{
		Issuer:            "Warden",
		TrustedDeviceTTL:  30 * 24 * time.Hour,
		RecoveryCodeCount: 4,
	}
	log := newTestLogger(t)
	verifier := mfa.NewVerifier(box)
	enroller := mfa.NewEnroller(mfaCfg, s, box, verifier, log)
	notifier := &recordingNotifier{}
	m := metrics.New()

	svc := NewService(cfg, mfaCfg, log, Deps{
		Store:    s,
		Issuer:   issuer,
		Guard:    mfa.NewGuard(s, log),
		Verifier: verifier,
		Enroller: enroller,
		Notifier: notifier,
		Metrics:  m,
	}, WithClock(clock.Now))

	return &testEnv{
		store:    s,
		issuer:   issuer,
		clock:    clock,
		config:   cfg,
		enroller: enroller,
		notifier: notifier,
		metrics:  m,
		service:  svc,
	}
}

// seedUser stores an active user with testPassword inside an organization.
func (e *testEnv) seedUser(t *testing.T, email string, roles ...string) *model.User {
	hash, err := HashPassword(testPassword)
	require.NoError(t, err)

	org := "org-1"
	user := &model.User{
		Email:          email,
		PasswordHash:   hash,
		Active:         true,
		Status:         model.UserStatusActive,
		OrganizationID: &org,
	}
	ctx := context.Background()
	require.NoError(t, e.store.Users().Create(ctx, user))

	for _, name := range roles {
		role := &model.Role{Name: name}
		require.NoError(t, e.store.Roles().UpsertRole(ctx, role))
		require.NoError(t, e.store.Roles().AssignRole(ctx, user.ID, role.ID))
	}
	return user
}

// enableMfa enrolls user and returns the plaintext TOTP secret and recovery
// codes.
func (e *testEnv) enableMfa(t *testing.T, user *model.User) (string, []string) {
	ctx := context.Background()
	enrollment, err := e.enroller.Begin(ctx, user.ID, user.Email)
	require.NoError(t, err)

	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	recovery, err := e.enroller.Confirm(ctx, user.ID, code)
	require.NoError(t, err)
	return enrollment.Secret, recovery
}

func (e *testEnv) login(t *testing.T, email string) *Session {
	session, err := e.service.Login(context.Background(), LoginRequest{Email: email, Password: testPassword})
	require.NoError(t, err)
	return session
}

func (e *testEnv) refreshToken(t *testing.T, raw string) *model.RefreshToken {
	rec, err := e.store.RefreshTokens().GetByHash(context.Background(), e.issuer.Hash(raw))
	require.NoError(t, err)
	return rec
}
