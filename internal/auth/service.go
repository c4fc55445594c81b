package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
	"github.com/elskow/warden/internal/metrics"
	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/notify"
	"github.com/elskow/warden/internal/rbac"
	"github.com/elskow/warden/internal/store"
	"github.com/elskow/warden/internal/token"
)

const (
	tokenTypeBearer       = "Bearer"
	defaultMfaMaxAttempts = 5
)

// Deps are the collaborators of Service.
type Deps struct {
	Store    store.Store
	Issuer   *token.Issuer
	Guard    *mfa.Guard
	Verifier *mfa.Verifier
	Enroller *mfa.Enroller
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

type Service struct {
	config    *config.AuthConfig
	mfaConfig *config.MFAConfig
	log       *zap.Logger
	store     store.Store
	issuer    *token.Issuer
	guard     *mfa.Guard
	verifier  *mfa.Verifier
	enroller  *mfa.Enroller
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Service)

// WithClock replaces the time source used for expiry and lockout decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(config *config.AuthConfig, mfaConfig *config.MFAConfig, log *zap.Logger, deps Deps, opts ...Option) *Service {
	s := &Service{
		config:    config,
		mfaConfig: mfaConfig,
		log:       log,
		store:     deps.Store,
		issuer:    deps.Issuer,
		guard:     deps.Guard,
		verifier:  deps.Verifier,
		enroller:  deps.Enroller,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type LoginRequest struct {
	Email             string
	Password          string
	DeviceFingerprint string
	Application       string
}

type VerifyMfaRequest struct {
	Ticket            string
	Code              string
	DeviceFingerprint string
	TrustDevice       bool
}

// Session is a freshly issued credential pair.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	ExpiresAt    time.Time
	TokenType    string
}

// Login verifies credentials and either issues a session or ends with
// *MFARequiredError carrying a ticket for VerifyMfa.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	session, err := s.login(ctx, req)
	s.metrics.LoginAttempts.WithLabelValues(outcome(err)).Inc()
	return session, err
}

func (s *Service) login(ctx context.Context, req LoginRequest) (*Session, error) {
	now := s.now()
	app := s.application(req.Application)

	user, err := s.store.Users().GetByEmail(ctx, model.NormalizeEmail(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		compareDummy(req.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !isActive(user) {
		return nil, ErrAccountInactive
	}

	if user.IsLocked(now) {
		return nil, &AccountLockedError{Until: *user.LockoutUntil}
	}

	check := CheckPassword(user, req.Password, s.lockoutPolicy(), now)
	if err := s.store.Users().UpdateLoginState(ctx, user.ID, check.FailedCount, check.LockoutUntil); err != nil {
		return nil, fmt.Errorf("failed to record login attempt: %w", err)
	}
	if !check.OK {
		if check.Locked() {
			s.log.Warn("account locked after failed logins",
				zap.String("user_id", user.ID),
				zap.Int("failed_count", check.FailedCount),
				zap.Time("until", *check.LockoutUntil))
			return nil, &AccountLockedError{Until: *check.LockoutUntil}
		}
		return nil, ErrInvalidCredentials
	}

	if user.MfaEnabled {
		decision, err := s.guard.Evaluate(ctx, user.ID, req.DeviceFingerprint)
		if err != nil {
			return nil, err
		}
		s.metrics.MfaChallenges.WithLabelValues(decision.String()).Inc()
		if decision == mfa.Challenge {
			return nil, s.issueMfaTicket(ctx, user, app, now)
		}
	}

	return s.issueSession(ctx, user, app, sessionScope{}, now)
}

func (s *Service) issueMfaTicket(ctx context.Context, user *model.User, app string, now time.Time) error {
	raw, hash, err := s.issuer.NewOpaque()
	if err != nil {
		return err
	}

	ttl := s.config.MfaTicketTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	ticket := &model.RefreshToken{
		UserID:         user.ID,
		Kind:           model.TokenKindMfaTicket,
		TokenHash:      hash,
		Application:    app,
		OrganizationID: user.OrganizationID,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.RefreshTokens().Create(ctx, ticket); err != nil {
		return fmt.Errorf("failed to store mfa ticket: %w", err)
	}

	s.log.Info("mfa challenge issued", zap.String("user_id", user.ID))
	return &MFARequiredError{Ticket: raw, ExpiresAt: ticket.ExpiresAt}
}

// VerifyMfa exchanges a ticket and a second-factor code for a session. A
// wrong code counts against the ticket, which is revoked once
// auth.mfa_max_attempts wrong codes have been presented.
func (s *Service) VerifyMfa(ctx context.Context, req VerifyMfaRequest) (*Session, error) {
	now := s.now()

	ticket, err := s.store.RefreshTokens().GetByHash(ctx, s.issuer.Hash(req.Ticket))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mfa ticket: %w", err)
	}
	if ticket.Kind != model.TokenKindMfaTicket || !ticket.Usable(now) {
		return nil, ErrInvalidToken
	}

	user, err := s.store.Users().GetByID(ctx, ticket.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !isActive(user) {
		return nil, ErrAccountInactive
	}

	var method mfa.Method
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		m, err := s.verifier.Verify(ctx, tx, user.ID, req.Code)
		if errors.Is(err, mfa.ErrInvalidCode) {
			return ErrInvalidMfaCode
		}
		if errors.Is(err, mfa.ErrNotEnrolled) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		method = m

		ok, err := tx.RefreshTokens().MarkUsed(ctx, ticket.ID, nil, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidToken
		}

		if req.TrustDevice && req.DeviceFingerprint != "" {
			return mfa.Trust(ctx, tx.TrustedDevices(), user.ID, req.DeviceFingerprint, s.mfaConfig.TrustedDeviceTTL, now)
		}
		return nil
	})
	if errors.Is(err, ErrInvalidMfaCode) {
		s.recordFailedMfa(ctx, ticket, now)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("mfa verified",
		zap.String("user_id", user.ID),
		zap.String("method", string(method)),
		zap.Bool("device_trusted", req.TrustDevice && req.DeviceFingerprint != ""))

	return s.issueSession(ctx, user, ticket.Application, sessionScope{}, now)
}

func (s *Service) recordFailedMfa(ctx context.Context, ticket *model.RefreshToken, now time.Time) {
	limit := s.config.MfaMaxAttempts
	if limit <= 0 {
		limit = defaultMfaMaxAttempts
	}
	revoked, err := s.store.RefreshTokens().RecordFailedAttempt(ctx, ticket.ID, limit, now)
	if err != nil {
		s.log.Error("failed to record mfa attempt",
			zap.String("user_id", ticket.UserID),
			zap.Error(err))
		return
	}
	if revoked {
		s.log.Warn("mfa ticket revoked after too many wrong codes",
			zap.String("user_id", ticket.UserID),
			zap.Int("max_attempts", limit))
	}
}

// sessionScope overrides what issueSession would derive from the user.
type sessionScope struct {
	organizationID string
	// skipOrganizationCheck is set for the session handed out at registration,
	// before provisioning has assigned an organization.
	skipOrganizationCheck bool
}

func (s *Service) issueSession(ctx context.Context, user *model.User, app string, scope sessionScope, now time.Time) (*Session, error) {
	grants, err := rbac.For(s.store).Resolve(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !s.allowed(app, grants) {
		return nil, ErrAccessDenied
	}
	if !scope.skipOrganizationCheck && !user.HasOrganization() && !s.organizationExempt(app, grants) {
		return nil, ErrOrganizationRequired
	}

	orgID := scope.organizationID
	if orgID == "" && user.OrganizationID != nil {
		orgID = *user.OrganizationID
	}

	access, err := s.issuer.MintAccess(token.Subject{
		UserID:                 user.ID,
		Roles:                  grants.Roles,
		Permissions:            grants.Permissions,
		MfaEnabled:             user.MfaEnabled,
		Application:            app,
		OrganizationID:         orgID,
		PasswordChangeRequired: user.PasswordChangeRequired(now),
	})
	if err != nil {
		return nil, err
	}

	raw, hash, err := s.issuer.NewOpaque()
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.RefreshTokens().Create(ctx, &model.RefreshToken{
			UserID:         user.ID,
			Kind:           model.TokenKindSession,
			TokenHash:      hash,
			AccessTokenID:  access.ID,
			Application:    app,
			OrganizationID: optional(orgID),
			ExpiresAt:      now.Add(s.issuer.RefreshTTL()),
		}); err != nil {
			return err
		}
		return tx.Users().TouchLastLogin(ctx, user.ID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	s.log.Info("session issued",
		zap.String("user_id", user.ID),
		zap.String("application", app),
		zap.String("jti", access.ID))

	return s.session(user.ID, access, raw, now), nil
}

func (s *Service) session(userID string, access token.AccessToken, refresh string, now time.Time) *Session {
	return &Session{
		UserID:       userID,
		AccessToken:  access.Token,
		RefreshToken: refresh,
		ExpiresIn:    int64(access.ExpiresAt.Sub(now).Seconds()),
		ExpiresAt:    access.ExpiresAt,
		TokenType:    tokenTypeBearer,
	}
}

func (s *Service) lockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts: s.config.MaxFailedAttempts,
		LockoutDuration:   s.config.LockoutDuration,
	}
}

func (s *Service) application(app string) string {
	app = strings.ToLower(strings.TrimSpace(app))
	if app == "" {
		return s.config.DefaultApplication
	}
	return app
}

// allowed applies the per-application role allowlist. Applications without
// an entry accept every role.
func (s *Service) allowed(app string, grants rbac.Grants) bool {
	roles, ok := s.config.ApplicationRoleAllowlist[app]
	if !ok || len(roles) == 0 {
		return true
	}
	return grants.HasAnyRole(roles)
}

func (s *Service) organizationExempt(app string, grants rbac.Grants) bool {
	if s.config.SuperuserRole != "" && grants.HasRole(s.config.SuperuserRole) {
		return true
	}
	for _, a := range s.config.OrganizationOptionalApps {
		if a == app {
			return true
		}
	}
	return false
}

func isActive(user *model.User) bool {
	if !user.Active {
		return false
	}
	return user.Status != model.UserStatusDeactivated && user.Status != model.UserStatusSuspended
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// outcome is the metric label for a login or refresh result.
func outcome(err error) string {
	var locked *AccountLockedError
	var mfaRequired *MFARequiredError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &mfaRequired):
		return "mfa_required"
	case errors.As(err, &locked):
		return "locked"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrOrganizationRequired), errors.Is(err, ErrAccountInactive):
		return "denied"
	default:
		return "error"
	}
}
