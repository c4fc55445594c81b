package model

import "time"

type TokenKind string

const (
	TokenKindSession   TokenKind = "session"
	TokenKindMfaTicket TokenKind = "mfa_ticket"
)

const (
	RevokedReasonLogout        = "logout"
	RevokedReasonReuseDetected = "reuse_detected"
	RevokedReasonUserRequest   = "user_request"
	RevokedReasonAdmin         = "admin"
	RevokedReasonMfaAttempts   = "mfa_attempts_exceeded"
)

// RefreshToken is one link in a rotation chain. MFA tickets share the table
// with Kind set to mfa_ticket and carry no session rights.
type RefreshToken struct {
	ID             string    `gorm:"primaryKey;type:uuid"`
	UserID         string    `gorm:"index;not null;type:uuid"`
	Kind           TokenKind `gorm:"type:varchar(16);not null"`
	TokenHash      string    `gorm:"uniqueIndex;not null"`
	AccessTokenID  string    `gorm:"column:access_token_id"`
	Application    string
	OrganizationID *string
	Used           bool `gorm:"not null;default:false"`
	UsedAt         *time.Time
	Revoked        bool `gorm:"not null;default:false"`
	RevokedReason  string
	RevokedAt      *time.Time
	ExpiresAt      time.Time `gorm:"not null"`
	ReplacedByID   *string   `gorm:"type:uuid"`
	FailedAttempts int       `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// Expired uses a strict comparison: a token at exactly ExpiresAt is still valid.
func (t *RefreshToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.Used && !t.Revoked && !t.Expired(now)
}
