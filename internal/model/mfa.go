package model

import "time"

type TrustedDevice struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	UserID      string `gorm:"index:idx_trusted_devices_user_fp,unique;not null;type:uuid"`
	Fingerprint string `gorm:"index:idx_trusted_devices_user_fp,unique;not null"`
	ExpiresAt   time.Time
	LastUsedAt  *time.Time
	Revoked     bool `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

func (TrustedDevice) TableName() string {
	return "trusted_devices"
}

func (d *TrustedDevice) Valid(now time.Time) bool {
	return !d.Revoked && d.ExpiresAt.After(now)
}

type MfaSecret struct {
	UserID                 string `gorm:"primaryKey;type:uuid"`
	EncryptedSecret        []byte `gorm:"not null"`
	Enabled                bool   `gorm:"not null;default:false"`
	Verified               bool   `gorm:"not null;default:false"`
	RecoveryCodesRemaining int    `gorm:"not null;default:0"`
	// LastTotpStep is the newest 30s step accepted at login; older or equal
	// steps are rejected as replays.
	LastTotpStep int64 `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (MfaSecret) TableName() string {
	return "mfa_secrets"
}

type RecoveryCode struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	UserID    string `gorm:"index;not null;type:uuid"`
	CodeHash  string `gorm:"not null"`
	CreatedAt time.Time
}

func (RecoveryCode) TableName() string {
	return "mfa_recovery_codes"
}
