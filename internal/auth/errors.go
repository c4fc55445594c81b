package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAccountInactive      = errors.New("account is inactive")
	ErrAccessDenied         = errors.New("access denied for this application")
	ErrOrganizationRequired = errors.New("account has no organization")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrInvalidMfaCode       = errors.New("invalid mfa code")
	ErrEmailTaken           = errors.New("email already registered")
)

// AccountLockedError is returned while a lockout is in force.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// MFARequiredError ends a login that must continue with VerifyMfa. Ticket is
// the opaque value to present there.
type MFARequiredError struct {
	Ticket    string
	ExpiresAt time.Time
}

func (e *MFARequiredError) Error() string {
	return "mfa verification required"
}
