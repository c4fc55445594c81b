package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/elskow/warden/internal/mfa"
	"github.com/elskow/warden/internal/store"
)

// BeginMfaEnrollment starts TOTP enrollment for an authenticated user.
func (s *Service) BeginMfaEnrollment(ctx context.Context, userID string) (*mfa.Enrollment, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return s.enroller.Begin(ctx, user.ID, user.Email)
}

// ConfirmMfaEnrollment enables MFA and returns the one-time recovery codes.
func (s *Service) ConfirmMfaEnrollment(ctx context.Context, userID, code string) ([]string, error) {
	codes, err := s.enroller.Confirm(ctx, userID, code)
	if errors.Is(err, mfa.ErrInvalidCode) {
		return nil, ErrInvalidMfaCode
	}
	return codes, err
}
