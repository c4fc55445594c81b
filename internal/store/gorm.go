package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/elskow/warden/internal/ids"
	"github.com/elskow/warden/internal/model"
)

const pgErrUniqueViolation = "23505"

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Users() UserRepository                 { return &userRepository{db: s.db} }
func (s *gormStore) RefreshTokens() RefreshTokenRepository { return &refreshTokenRepository{db: s.db} }
func (s *gormStore) TrustedDevices() TrustedDeviceRepository {
	return &trustedDeviceRepository{db: s.db}
}
func (s *gormStore) MFA() MFARepository       { return &mfaRepository{db: s.db} }
func (s *gormStore) Roles() RoleRepository    { return &roleRepository{db: s.db} }
func (s *gormStore) Outbox() OutboxRepository { return &outboxRepository{db: s.db} }

// WithinTx nests through gorm: on a transaction-bound store it issues
// SAVEPOINT and, when fn fails, ROLLBACK TO SAVEPOINT.
func (s *gormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return ErrConflict
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = ids.NewUUID()
	}
	user.Email = model.NormalizeEmail(user.Email)
	return translateError(r.db.WithContext(ctx).Create(user).Error)
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).Where("email = ?", model.NormalizeEmail(email)).First(&user).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

func (r *userRepository) UpdateLoginState(ctx context.Context, id string, failedCount int, lockoutUntil *time.Time) error {
	return r.updates(ctx, id, map[string]any{
		"failed_login_count": failedCount,
		"lockout_until":      lockoutUntil,
	})
}

func (r *userRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.updates(ctx, id, map[string]any{"last_login_at": at})
}

func (r *userRepository) Activate(ctx context.Context, id, organizationID string) error {
	return r.updates(ctx, id, map[string]any{
		"organization_id": organizationID,
		"status":          model.UserStatusActive,
		"active":          true,
	})
}

func (r *userRepository) SetStatus(ctx context.Context, id string, status model.UserStatus) error {
	return r.updates(ctx, id, map[string]any{"status": status})
}

func (r *userRepository) SetMfaEnabled(ctx context.Context, id string, enabled bool) error {
	return r.updates(ctx, id, map[string]any{"mfa_enabled": enabled})
}

func (r *userRepository) updates(ctx context.Context, id string, values map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

type refreshTokenRepository struct {
	db *gorm.DB
}

func (r *refreshTokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	if token.ID == "" {
		token.ID = ids.NewUUID()
	}
	return translateError(r.db.WithContext(ctx).Create(token).Error)
}

func (r *refreshTokenRepository) GetByHash(ctx context.Context, hash string) (*model.RefreshToken, error) {
	var token model.RefreshToken
	if err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&token).Error; err != nil {
		return nil, translateError(err)
	}
	return &token, nil
}

func (r *refreshTokenRepository) MarkUsed(ctx context.Context, id string, replacedBy *string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("id = ? AND used = ? AND revoked = ?", id, false, false).
		Updates(map[string]any{
			"used":           true,
			"used_at":        at,
			"replaced_by_id": replacedBy,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *refreshTokenRepository) RecordFailedAttempt(ctx context.Context, id string, limit int, at time.Time) (bool, error) {
	db := r.db.WithContext(ctx)
	err := db.Model(&model.RefreshToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Update("failed_attempts", gorm.Expr("failed_attempts + 1")).Error
	if err != nil {
		return false, err
	}
	res := db.Model(&model.RefreshToken{}).
		Where("id = ? AND revoked = ? AND failed_attempts >= ?", id, false, limit).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_reason": model.RevokedReasonMfaAttempts,
			"revoked_at":     at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *refreshTokenRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_reason": reason,
			"revoked_at":     at,
		}).Error
}

func (r *refreshTokenRepository) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{
			"revoked":        true,
			"revoked_reason": reason,
			"revoked_at":     at,
		})
	return res.RowsAffected, res.Error
}

func (r *refreshTokenRepository) ListForUser(ctx context.Context, userID string) ([]model.RefreshToken, error) {
	var tokens []model.RefreshToken
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&tokens).Error
	return tokens, err
}

type trustedDeviceRepository struct {
	db *gorm.DB
}

func (r *trustedDeviceRepository) Find(ctx context.Context, userID, fingerprint string) (*model.TrustedDevice, error) {
	var device model.TrustedDevice
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		First(&device).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &device, nil
}

func (r *trustedDeviceRepository) Upsert(ctx context.Context, device *model.TrustedDevice) error {
	if device.ID == "" {
		device.ID = ids.NewUUID()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at", "last_used_at", "revoked"}),
	}).Create(device).Error
}

func (r *trustedDeviceRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.TrustedDevice{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

func (r *trustedDeviceRepository) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.TrustedDevice{}).
		Where("revoked = ? AND expires_at <= ?", false, now).
		Update("revoked", true)
	return res.RowsAffected, res.Error
}

type mfaRepository struct {
	db *gorm.DB
}

func (r *mfaRepository) GetSecret(ctx context.Context, userID string) (*model.MfaSecret, error) {
	var secret model.MfaSecret
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&secret).Error; err != nil {
		return nil, translateError(err)
	}
	return &secret, nil
}

func (r *mfaRepository) SaveSecret(ctx context.Context, secret *model.MfaSecret) error {
	return r.db.WithContext(ctx).Save(secret).Error
}

func (r *mfaRepository) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []model.RecoveryCode) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("user_id = ?", userID).Delete(&model.RecoveryCode{}).Error; err != nil {
		return err
	}
	for i := range codes {
		if codes[i].ID == "" {
			codes[i].ID = ids.NewUUID()
		}
	}
	if len(codes) > 0 {
		if err := db.Create(&codes).Error; err != nil {
			return err
		}
	}
	return db.Model(&model.MfaSecret{}).
		Where("user_id = ?", userID).
		Update("recovery_codes_remaining", len(codes)).Error
}

func (r *mfaRepository) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Where("user_id = ? AND code_hash = ?", userID, codeHash).Delete(&model.RecoveryCode{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	err := db.Model(&model.MfaSecret{}).
		Where("user_id = ? AND recovery_codes_remaining > 0", userID).
		Update("recovery_codes_remaining", gorm.Expr("recovery_codes_remaining - 1")).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *mfaRepository) AdvanceTotpStep(ctx context.Context, userID string, step int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.MfaSecret{}).
		Where("user_id = ? AND last_totp_step < ?", userID, step).
		Update("last_totp_step", step)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type roleRepository struct {
	db *gorm.DB
}

func (r *roleRepository) RolesForUser(ctx context.Context, userID string) ([]model.Role, error) {
	var roles []model.Role
	err := r.db.WithContext(ctx).
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.user_id = ?", userID).
		Find(&roles).Error
	return roles, err
}

func (r *roleRepository) PermissionsForRoles(ctx context.Context, roleIDs []string) ([]model.Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var perms []model.Permission
	err := r.db.WithContext(ctx).
		Distinct("permissions.*").
		Joins("JOIN role_permissions ON role_permissions.permission_id = permissions.id").
		Where("role_permissions.role_id IN ?", roleIDs).
		Find(&perms).Error
	return perms, err
}

func (r *roleRepository) GetRoleByName(ctx context.Context, name string) (*model.Role, error) {
	var role model.Role
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		return nil, translateError(err)
	}
	return &role, nil
}

func (r *roleRepository) UpsertRole(ctx context.Context, role *model.Role) error {
	if role.ID == "" {
		role.ID = ids.NewUUID()
	}
	return r.db.WithContext(ctx).
		Where(model.Role{Name: role.Name}).
		Assign(model.Role{System: role.System}).
		FirstOrCreate(role).Error
}

func (r *roleRepository) UpsertPermission(ctx context.Context, perm *model.Permission) error {
	if perm.ID == "" {
		perm.ID = ids.NewUUID()
	}
	return r.db.WithContext(ctx).
		Where(model.Permission{Code: perm.Code}).
		Assign(model.Permission{Category: perm.Category}).
		FirstOrCreate(perm).Error
}

func (r *roleRepository) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RolePermission{RoleID: roleID, PermissionID: permissionID}).Error
}

func (r *roleRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.UserRole{UserID: userID, RoleID: roleID}).Error
}

type outboxRepository struct {
	db *gorm.DB
}

func (r *outboxRepository) Create(ctx context.Context, msg *model.OutboxMessage) error {
	if msg.ID == "" {
		msg.ID = ids.NewULID()
	}
	return translateError(r.db.WithContext(ctx).Create(msg).Error)
}

func (r *outboxRepository) Get(ctx context.Context, id string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error; err != nil {
		return nil, translateError(err)
	}
	return &msg, nil
}

func (r *outboxRepository) ClaimReady(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error) {
	var msgs []model.OutboxMessage
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("processed_at IS NULL AND failed = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", false, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *outboxRepository) SaveBatch(ctx context.Context, msgs []model.OutboxMessage) error {
	db := r.db.WithContext(ctx)
	for i := range msgs {
		if err := db.Save(&msgs[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *outboxRepository) ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	var msgs []model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("failed = ?", true).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *outboxRepository) Requeue(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"failed":        false,
			"retry_count":   0,
			"next_retry_at": nil,
			"last_error":    "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
