package store

import (
	"context"
	"errors"
	"time"

	"github.com/elskow/warden/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateLoginState(ctx context.Context, id string, failedCount int, lockoutUntil *time.Time) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Activate(ctx context.Context, id, organizationID string) error
	SetStatus(ctx context.Context, id string, status model.UserStatus) error
	SetMfaEnabled(ctx context.Context, id string, enabled bool) error
}

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *model.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*model.RefreshToken, error)
	// MarkUsed flips used=true only if the token is still unused and
	// unrevoked. It reports false when another caller got there first.
	MarkUsed(ctx context.Context, id string, replacedBy *string, at time.Time) (bool, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	// RecordFailedAttempt counts a wrong code against an unrevoked token and
	// revokes it once limit attempts are reached. It reports whether this call
	// revoked the token.
	RecordFailedAttempt(ctx context.Context, id string, limit int, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error)
	ListForUser(ctx context.Context, userID string) ([]model.RefreshToken, error)
}

type TrustedDeviceRepository interface {
	Find(ctx context.Context, userID, fingerprint string) (*model.TrustedDevice, error)
	Upsert(ctx context.Context, device *model.TrustedDevice) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
}

type MFARepository interface {
	GetSecret(ctx context.Context, userID string) (*model.MfaSecret, error)
	SaveSecret(ctx context.Context, secret *model.MfaSecret) error
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []model.RecoveryCode) error
	// ConsumeRecoveryCode deletes the matching code and decrements the
	// remaining counter. It reports false if no code matched.
	ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error)
	// AdvanceTotpStep records step as the last accepted TOTP step if it is
	// newer than the stored one. It reports false for a replayed step.
	AdvanceTotpStep(ctx context.Context, userID string, step int64) (bool, error)
}

type RoleRepository interface {
	RolesForUser(ctx context.Context, userID string) ([]model.Role, error)
	PermissionsForRoles(ctx context.Context, roleIDs []string) ([]model.Permission, error)
	GetRoleByName(ctx context.Context, name string) (*model.Role, error)
	UpsertRole(ctx context.Context, role *model.Role) error
	UpsertPermission(ctx context.Context, perm *model.Permission) error
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	AssignRole(ctx context.Context, userID, roleID string) error
}

type OutboxRepository interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
	Get(ctx context.Context, id string) (*model.OutboxMessage, error)
	// ClaimReady returns up to limit ready messages, oldest first. Inside a
	// transaction the rows stay locked against other workers until commit.
	ClaimReady(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error)
	SaveBatch(ctx context.Context, msgs []model.OutboxMessage) error
	ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	Requeue(ctx context.Context, id string) error
}

// Store is the credential store. WithinTx runs fn against a Store bound to a
// single unit of work that commits only if fn returns nil. Called on a Store
// that is already inside a unit of work, WithinTx opens a savepoint: an error
// from fn undoes only fn's writes and leaves the outer unit usable.
type Store interface {
	Users() UserRepository
	RefreshTokens() RefreshTokenRepository
	TrustedDevices() TrustedDeviceRepository
	MFA() MFARepository
	Roles() RoleRepository
	Outbox() OutboxRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
