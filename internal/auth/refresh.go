package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/ids"
	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/rbac"
	"github.com/elskow/warden/internal/store"
	"github.com/elskow/warden/internal/token"
)

type RefreshRequest struct {
	RefreshToken     string
	PriorAccessToken string
}

// errRotationLost aborts the rotation transaction when another request used
// the token first.
var errRotationLost = errors.New("refresh token already rotated")

// Refresh rotates a refresh token. An expired token fails with
// ErrTokenExpired whatever its state. Presenting an unexpired token that was
// already used or revoked is treated as theft and revokes every session of
// the user.
func (s *Service) Refresh(ctx context.Context, req RefreshRequest) (*Session, error) {
	session, err := s.refresh(ctx, req)
	s.metrics.RefreshAttempts.WithLabelValues(outcome(err)).Inc()
	return session, err
}

func (s *Service) refresh(ctx context.Context, req RefreshRequest) (*Session, error) {
	now := s.now()

	current, err := s.lookupRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if current.Kind != model.TokenKindSession {
		return nil, ErrInvalidToken
	}

	if current.Expired(now) {
		return nil, ErrTokenExpired
	}
	if current.Revoked || current.Used {
		s.revokeOnReuse(ctx, current)
		return nil, ErrInvalidToken
	}

	app := current.Application
	orgID := ""
	if current.OrganizationID != nil {
		orgID = *current.OrganizationID
	}
	if req.PriorAccessToken != "" {
		claims, err := s.issuer.ParseIgnoringExpiry(req.PriorAccessToken)
		if err != nil {
			return nil, ErrInvalidToken
		}
		if claims.ID != current.AccessTokenID || claims.Subject != current.UserID {
			s.log.Warn("refresh presented with mismatched access token",
				zap.String("user_id", current.UserID),
				zap.String("token_id", current.ID))
			return nil, ErrInvalidToken
		}
		app = claims.Application
		orgID = claims.OrganizationID
	}

	user, err := s.store.Users().GetByID(ctx, current.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !isActive(user) {
		return nil, ErrAccountInactive
	}
	if orgID == "" && user.OrganizationID != nil {
		orgID = *user.OrganizationID
	}

	grants, err := rbac.For(s.store).Resolve(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !s.allowed(app, grants) {
		return nil, ErrAccessDenied
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

	next := &model.RefreshToken{
		ID:             ids.NewUUID(),
		UserID:         user.ID,
		Kind:           model.TokenKindSession,
		TokenHash:      hash,
		AccessTokenID:  access.ID,
		Application:    app,
		OrganizationID: optional(orgID),
		ExpiresAt:      now.Add(s.issuer.RefreshTTL()),
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		ok, err := tx.RefreshTokens().MarkUsed(ctx, current.ID, &next.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errRotationLost
		}
		return tx.RefreshTokens().Create(ctx, next)
	})
	if errors.Is(err, errRotationLost) {
		s.revokeOnReuse(ctx, current)
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.log.Debug("refresh token rotated",
		zap.String("user_id", user.ID),
		zap.String("previous_id", current.ID),
		zap.String("next_id", next.ID))

	return s.session(user.ID, access, raw, now), nil
}

func (s *Service) lookupRefreshToken(ctx context.Context, raw string) (*model.RefreshToken, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	rec, err := s.store.RefreshTokens().GetByHash(ctx, s.issuer.Hash(raw))
	if errors.Is(err, store.ErrNotFound) && s.config.AllowLegacyRawLookup {
		rec, err = s.store.RefreshTokens().GetByHash(ctx, raw)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	return rec, nil
}

// revokeOnReuse runs the theft response. It completes even if the caller
// has gone away.
func (s *Service) revokeOnReuse(ctx context.Context, rec *model.RefreshToken) {
	s.metrics.TokenTheft.Inc()

	n, err := s.RevokeAll(context.WithoutCancel(ctx), rec.UserID, model.RevokedReasonReuseDetected)
	if err != nil {
		s.log.Error("failed to revoke sessions after refresh token reuse",
			zap.String("user_id", rec.UserID),
			zap.String("token_id", rec.ID),
			zap.Error(err))
		return
	}

	s.log.Warn("refresh token reuse detected, revoked all sessions",
		zap.String("user_id", rec.UserID),
		zap.String("token_id", rec.ID),
		zap.Bool("was_used", rec.Used),
		zap.Bool("was_revoked", rec.Revoked),
		zap.Int64("revoked", n))
}

// Logout revokes one refresh token. Unknown or already revoked tokens are
// ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	rec, err := s.lookupRefreshToken(ctx, refreshToken)
	if errors.Is(err, ErrInvalidToken) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.store.RefreshTokens().Revoke(ctx, rec.ID, model.RevokedReasonLogout, s.now()); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	s.log.Info("logged out", zap.String("user_id", rec.UserID), zap.String("token_id", rec.ID))
	return nil
}

// RevokeAll revokes every unrevoked refresh token of userID and reports how
// many were revoked.
func (s *Service) RevokeAll(ctx context.Context, userID, reason string) (int64, error) {
	var n int64
	at := s.now()
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		n, err = tx.RefreshTokens().RevokeAllForUser(ctx, userID, reason, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
