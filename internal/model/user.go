package model

import (
	"strings"
	"time"
)

type UserStatus string

const (
	UserStatusPendingProvisioning UserStatus = "pending_provisioning"
	UserStatusActive              UserStatus = "active"
	UserStatusDeactivated         UserStatus = "deactivated"
	UserStatusSuspended           UserStatus = "suspended"
	UserStatusProvisioningFailed  UserStatus = "provisioning_failed"
)

type User struct {
	ID                     string     `gorm:"primaryKey;type:uuid"`
	Email                  string     `gorm:"uniqueIndex;not null"`
	PasswordHash           string     `gorm:"not null"`
	Active                 bool       `gorm:"not null;default:true"`
	Status                 UserStatus `gorm:"type:varchar(32);not null"`
	OrganizationID         *string
	MfaEnabled             bool `gorm:"not null;default:false"`
	MustChangePassword     bool `gorm:"not null;default:false"`
	PasswordChangeDeadline *time.Time
	LastLoginAt            *time.Time
	FailedLoginCount       int `gorm:"not null;default:0"`
	LockoutUntil           *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (User) TableName() string {
	return "users"
}

// IsLocked reports whether a lockout is in force at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockoutUntil != nil && u.LockoutUntil.After(now)
}

func (u *User) PasswordChangeRequired(now time.Time) bool {
	if u.MustChangePassword {
		return true
	}
	return u.PasswordChangeDeadline != nil && !now.Before(*u.PasswordChangeDeadline)
}

func (u *User) HasOrganization() bool {
	return u.OrganizationID != nil && *u.OrganizationID != ""
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
