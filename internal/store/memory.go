package store

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/elskow/warden/internal/ids"
	"github.com/elskow/warden/internal/model"
)

type pair [2]string

type memoryState struct {
	users     map[string]model.User
	tokens    map[string]model.RefreshToken
	devices   map[string]model.TrustedDevice
	secrets   map[string]model.MfaSecret
	codes     map[string]model.RecoveryCode
	roles     map[string]model.Role
	perms     map[string]model.Permission
	rolePerms map[pair]struct{}
	userRoles map[pair]struct{}
	outbox    map[string]model.OutboxMessage
}

func newMemoryState() *memoryState {
	return &memoryState{
		users:     make(map[string]model.User),
		tokens:    make(map[string]model.RefreshToken),
		devices:   make(map[string]model.TrustedDevice),
		secrets:   make(map[string]model.MfaSecret),
		codes:     make(map[string]model.RecoveryCode),
		roles:     make(map[string]model.Role),
		perms:     make(map[string]model.Permission),
		rolePerms: make(map[pair]struct{}),
		userRoles: make(map[pair]struct{}),
		outbox:    make(map[string]model.OutboxMessage),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.devices {
		c.devices[k] = v
	}
	for k, v := range s.secrets {
		c.secrets[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.perms {
		c.perms[k] = v
	}
	for k := range s.rolePerms {
		c.rolePerms[k] = struct{}{}
	}
	for k := range s.userRoles {
		c.userRoles[k] = struct{}{}
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// merge applies the changes that turned base into next onto s. Records left
// untouched by the transaction keep whatever s holds now.
func (s *memoryState) merge(base, next *memoryState) {
	mergeMap(s.users, base.users, next.users)
	mergeMap(s.tokens, base.tokens, next.tokens)
	mergeMap(s.devices, base.devices, next.devices)
	mergeMap(s.secrets, base.secrets, next.secrets)
	mergeMap(s.codes, base.codes, next.codes)
	mergeMap(s.roles, base.roles, next.roles)
	mergeMap(s.perms, base.perms, next.perms)
	mergeMap(s.rolePerms, base.rolePerms, next.rolePerms)
	mergeMap(s.userRoles, base.userRoles, next.userRoles)
	mergeMap(s.outbox, base.outbox, next.outbox)
}

func mergeMap[K comparable, V any](live, base, next map[K]V) {
	for k, v := range next {
		if old, ok := base[k]; !ok || !reflect.DeepEqual(old, v) {
			live[k] = v
		}
	}
	for k := range base {
		if _, ok := next[k]; !ok {
			delete(live, k)
		}
	}
}

// Memory is an in-process Store. Transactions are serialized and work on a
// private copy of the state; on commit only the records they changed are
// written back, so writes made outside the transaction while it was open
// survive both commit and rollback. A nested WithinTx restores the
// transaction's copy when fn fails. Records are copied on the way in and out.
type Memory struct {
	mu     *sync.Mutex
	txMu   *sync.Mutex
	state  *memoryState
	inTx   bool
	faults *faults
}

type faults struct {
	mu   sync.Mutex
	next map[string]error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		mu:     &sync.Mutex{},
		txMu:   &sync.Mutex{},
		state:  newMemoryState(),
		faults: &faults{next: make(map[string]error)},
	}
}

// FailNext makes the next call to the named operation return err. Operation
// names are "<repository>.<method>", e.g. "refresh_tokens.create".
func (m *Memory) FailNext(op string, err error) {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	m.faults.next[op] = err
}

func (m *Memory) fault(op string) error {
	m.faults.mu.Lock()
	defer m.faults.mu.Unlock()
	err, ok := m.faults.next[op]
	if ok {
		delete(m.faults.next, op)
	}
	return err
}

func (m *Memory) Users() UserRepository                   { return &memUsers{m} }
func (m *Memory) RefreshTokens() RefreshTokenRepository   { return &memTokens{m} }
func (m *Memory) TrustedDevices() TrustedDeviceRepository { return &memDevices{m} }
func (m *Memory) MFA() MFARepository                      { return &memMFA{m} }
func (m *Memory) Roles() RoleRepository                   { return &memRoles{m} }
func (m *Memory) Outbox() OutboxRepository                { return &memOutbox{m} }

func (m *Memory) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.inTx {
		return m.savepoint(ctx, fn)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	base := m.state.clone()
	m.mu.Unlock()

	tx := &Memory{mu: &sync.Mutex{}, txMu: m.txMu, state: base.clone(), inTx: true, faults: m.faults}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.merge(base, tx.state)
	return nil
}

func (m *Memory) savepoint(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	saved := m.state.clone()
	m.mu.Unlock()

	err := fn(m)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		*m.state = *saved
		m.mu.Unlock()
	}
	return err
}

func (m *Memory) lock(ctx context.Context, op string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.fault(op); err != nil {
		return nil, err
	}
	m.mu.Lock()
	return m.mu.Unlock, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

type memUsers struct{ m *Memory }

func (r *memUsers) Create(ctx context.Context, user *model.User) error {
	unlock, err := r.m.lock(ctx, "users.create")
	if err != nil {
		return err
	}
	defer unlock()

	user.Email = model.NormalizeEmail(user.Email)
	for _, u := range r.m.state.users {
		if u.Email == user.Email {
			return ErrConflict
		}
	}
	if user.ID == "" {
		user.ID = ids.NewUUID()
	}
	if _, ok := r.m.state.users[user.ID]; ok {
		return ErrConflict
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	r.m.state.users[user.ID] = cloneUser(*user)
	return nil
}

func (r *memUsers) GetByID(ctx context.Context, id string) (*model.User, error) {
	unlock, err := r.m.lock(ctx, "users.get_by_id")
	if err != nil {
		return nil, err
	}
	defer unlock()

	u, ok := r.m.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneUser(u)
	return &c, nil
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	unlock, err := r.m.lock(ctx, "users.get_by_email")
	if err != nil {
		return nil, err
	}
	defer unlock()

	email = model.NormalizeEmail(email)
	for _, u := range r.m.state.users {
		if u.Email == email {
			c := cloneUser(u)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memUsers) UpdateLoginState(ctx context.Context, id string, failedCount int, lockoutUntil *time.Time) error {
	return r.mutate(ctx, "users.update_login_state", id, func(u *model.User) {
		u.FailedLoginCount = failedCount
		u.LockoutUntil = copyTime(lockoutUntil)
	})
}

func (r *memUsers) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.mutate(ctx, "users.touch_last_login", id, func(u *model.User) {
		u.LastLoginAt = &at
	})
}

func (r *memUsers) Activate(ctx context.Context, id, organizationID string) error {
	return r.mutate(ctx, "users.activate", id, func(u *model.User) {
		u.OrganizationID = &organizationID
		u.Status = model.UserStatusActive
		u.Active = true
	})
}

func (r *memUsers) SetStatus(ctx context.Context, id string, status model.UserStatus) error {
	return r.mutate(ctx, "users.set_status", id, func(u *model.User) {
		u.Status = status
	})
}

func (r *memUsers) SetMfaEnabled(ctx context.Context, id string, enabled bool) error {
	return r.mutate(ctx, "users.set_mfa_enabled", id, func(u *model.User) {
		u.MfaEnabled = enabled
	})
}

func (r *memUsers) mutate(ctx context.Context, op, id string, fn func(*model.User)) error {
	unlock, err := r.m.lock(ctx, op)
	if err != nil {
		return err
	}
	defer unlock()

	u, ok := r.m.state.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = time.Now()
	r.m.state.users[id] = u
	return nil
}

func cloneUser(u model.User) model.User {
	u.OrganizationID = copyString(u.OrganizationID)
	u.PasswordChangeDeadline = copyTime(u.PasswordChangeDeadline)
	u.LastLoginAt = copyTime(u.LastLoginAt)
	u.LockoutUntil = copyTime(u.LockoutUntil)
	return u
}

type memTokens struct{ m *Memory }

func cloneToken(t model.RefreshToken) model.RefreshToken {
	t.OrganizationID = copyString(t.OrganizationID)
	t.UsedAt = copyTime(t.UsedAt)
	t.RevokedAt = copyTime(t.RevokedAt)
	t.ReplacedByID = copyString(t.ReplacedByID)
	return t
}

func (r *memTokens) Create(ctx context.Context, token *model.RefreshToken) error {
	unlock, err := r.m.lock(ctx, "refresh_tokens.create")
	if err != nil {
		return err
	}
	defer unlock()

	for _, t := range r.m.state.tokens {
		if t.TokenHash == token.TokenHash {
			return ErrConflict
		}
	}
	if token.ID == "" {
		token.ID = ids.NewUUID()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	r.m.state.tokens[token.ID] = cloneToken(*token)
	return nil
}

func (r *memTokens) GetByHash(ctx context.Context, hash string) (*model.RefreshToken, error) {
	unlock, err := r.m.lock(ctx, "refresh_tokens.get_by_hash")
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, t := range r.m.state.tokens {
		if t.TokenHash == hash {
			c := cloneToken(t)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memTokens) MarkUsed(ctx context.Context, id string, replacedBy *string, at time.Time) (bool, error) {
	unlock, err := r.m.lock(ctx, "refresh_tokens.mark_used")
	if err != nil {
		return false, err
	}
	defer unlock()

	t, ok := r.m.state.tokens[id]
	if !ok || t.Used || t.Revoked {
		return false, nil
	}
	t.Used = true
	t.UsedAt = &at
	t.ReplacedByID = copyString(replacedBy)
	r.m.state.tokens[id] = t
	return true, nil
}

func (r *memTokens) RecordFailedAttempt(ctx context.Context, id string, limit int, at time.Time) (bool, error) {
	unlock, err := r.m.lock(ctx, "refresh_tokens.record_failed_attempt")
	if err != nil {
		return false, err
	}
	defer unlock()

	t, ok := r.m.state.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.FailedAttempts++
	revoked := t.FailedAttempts >= limit
	if revoked {
		t.Revoked = true
		t.RevokedReason = model.RevokedReasonMfaAttempts
		t.RevokedAt = &at
	}
	r.m.state.tokens[id] = t
	return revoked, nil
}

func (r *memTokens) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	unlock, err := r.m.lock(ctx, "refresh_tokens.revoke")
	if err != nil {
		return err
	}
	defer unlock()

	t, ok := r.m.state.tokens[id]
	if !ok || t.Revoked {
		return nil
	}
	t.Revoked = true
	t.RevokedReason = reason
	t.RevokedAt = &at
	r.m.state.tokens[id] = t
	return nil
}

func (r *memTokens) RevokeAllForUser(ctx context.Context, userID, reason string, at time.Time) (int64, error) {
	unlock, err := r.m.lock(ctx, "refresh_tokens.revoke_all_for_user")
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for id, t := range r.m.state.tokens {
		if t.UserID != userID || t.Revoked {
			continue
		}
		t.Revoked = true
		t.RevokedReason = reason
		revokedAt := at
		t.RevokedAt = &revokedAt
		r.m.state.tokens[id] = t
		n++
	}
	return n, nil
}

func (r *memTokens) ListForUser(ctx context.Context, userID string) ([]model.RefreshToken, error) {
	unlock, err := r.m.lock(ctx, "refresh_tokens.list_for_user")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []model.RefreshToken
	for _, t := range r.m.state.tokens {
		if t.UserID == userID {
			out = append(out, cloneToken(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memDevices struct{ m *Memory }

func (r *memDevices) Find(ctx context.Context, userID, fingerprint string) (*model.TrustedDevice, error) {
	unlock, err := r.m.lock(ctx, "trusted_devices.find")
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, d := range r.m.state.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			d.LastUsedAt = copyTime(d.LastUsedAt)
			return &d, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memDevices) Upsert(ctx context.Context, device *model.TrustedDevice) error {
	unlock, err := r.m.lock(ctx, "trusted_devices.upsert")
	if err != nil {
		return err
	}
	defer unlock()

	for id, d := range r.m.state.devices {
		if d.UserID == device.UserID && d.Fingerprint == device.Fingerprint {
			d.ExpiresAt = device.ExpiresAt
			d.LastUsedAt = copyTime(device.LastUsedAt)
			d.Revoked = device.Revoked
			r.m.state.devices[id] = d
			device.ID = id
			return nil
		}
	}
	if device.ID == "" {
		device.ID = ids.NewUUID()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now()
	}
	d := *device
	d.LastUsedAt = copyTime(device.LastUsedAt)
	r.m.state.devices[device.ID] = d
	return nil
}

func (r *memDevices) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	unlock, err := r.m.lock(ctx, "trusted_devices.touch_last_used")
	if err != nil {
		return err
	}
	defer unlock()

	d, ok := r.m.state.devices[id]
	if !ok {
		return ErrNotFound
	}
	d.LastUsedAt = &at
	r.m.state.devices[id] = d
	return nil
}

func (r *memDevices) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	unlock, err := r.m.lock(ctx, "trusted_devices.revoke_expired")
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int64
	for id, d := range r.m.state.devices {
		if !d.Revoked && !d.ExpiresAt.After(now) {
			d.Revoked = true
			r.m.state.devices[id] = d
			n++
		}
	}
	return n, nil
}

type memMFA struct{ m *Memory }

func (r *memMFA) GetSecret(ctx context.Context, userID string) (*model.MfaSecret, error) {
	unlock, err := r.m.lock(ctx, "mfa.get_secret")
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, ok := r.m.state.secrets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s.EncryptedSecret = append([]byte(nil), s.EncryptedSecret...)
	return &s, nil
}

func (r *memMFA) SaveSecret(ctx context.Context, secret *model.MfaSecret) error {
	unlock, err := r.m.lock(ctx, "mfa.save_secret")
	if err != nil {
		return err
	}
	defer unlock()

	s := *secret
	s.EncryptedSecret = append([]byte(nil), secret.EncryptedSecret...)
	s.UpdatedAt = time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	r.m.state.secrets[secret.UserID] = s
	return nil
}

func (r *memMFA) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []model.RecoveryCode) error {
	unlock, err := r.m.lock(ctx, "mfa.replace_recovery_codes")
	if err != nil {
		return err
	}
	defer unlock()

	for id, c := range r.m.state.codes {
		if c.UserID == userID {
			delete(r.m.state.codes, id)
		}
	}
	for _, c := range codes {
		if c.ID == "" {
			c.ID = ids.NewUUID()
		}
		r.m.state.codes[c.ID] = c
	}
	if s, ok := r.m.state.secrets[userID]; ok {
		s.RecoveryCodesRemaining = len(codes)
		r.m.state.secrets[userID] = s
	}
	return nil
}

func (r *memMFA) ConsumeRecoveryCode(ctx context.Context, userID, codeHash string) (bool, error) {
	unlock, err := r.m.lock(ctx, "mfa.consume_recovery_code")
	if err != nil {
		return false, err
	}
	defer unlock()

	for id, c := range r.m.state.codes {
		if c.UserID != userID || c.CodeHash != codeHash {
			continue
		}
		delete(r.m.state.codes, id)
		if s, ok := r.m.state.secrets[userID]; ok && s.RecoveryCodesRemaining > 0 {
			s.RecoveryCodesRemaining--
			r.m.state.secrets[userID] = s
		}
		return true, nil
	}
	return false, nil
}

func (r *memMFA) AdvanceTotpStep(ctx context.Context, userID string, step int64) (bool, error) {
	unlock, err := r.m.lock(ctx, "mfa.advance_totp_step")
	if err != nil {
		return false, err
	}
	defer unlock()

	s, ok := r.m.state.secrets[userID]
	if !ok || s.LastTotpStep >= step {
		return false, nil
	}
	s.LastTotpStep = step
	r.m.state.secrets[userID] = s
	return true, nil
}

type memRoles struct{ m *Memory }

func (r *memRoles) RolesForUser(ctx context.Context, userID string) ([]model.Role, error) {
	unlock, err := r.m.lock(ctx, "roles.roles_for_user")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var roles []model.Role
	for k := range r.m.state.userRoles {
		if k[0] != userID {
			continue
		}
		if role, ok := r.m.state.roles[k[1]]; ok {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (r *memRoles) PermissionsForRoles(ctx context.Context, roleIDs []string) ([]model.Permission, error) {
	unlock, err := r.m.lock(ctx, "roles.permissions_for_roles")
	if err != nil {
		return nil, err
	}
	defer unlock()

	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	var perms []model.Permission
	for k := range r.m.state.rolePerms {
		if _, ok := want[k[0]]; !ok {
			continue
		}
		if p, ok := r.m.state.perms[k[1]]; ok {
			perms = append(perms, p)
		}
	}
	return perms, nil
}

func (r *memRoles) GetRoleByName(ctx context.Context, name string) (*model.Role, error) {
	unlock, err := r.m.lock(ctx, "roles.get_role_by_name")
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, role := range r.m.state.roles {
		if role.Name == name {
			return &role, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRoles) UpsertRole(ctx context.Context, role *model.Role) error {
	unlock, err := r.m.lock(ctx, "roles.upsert_role")
	if err != nil {
		return err
	}
	defer unlock()

	for id, existing := range r.m.state.roles {
		if existing.Name == role.Name {
			existing.System = role.System
			r.m.state.roles[id] = existing
			*role = existing
			return nil
		}
	}
	if role.ID == "" {
		role.ID = ids.NewUUID()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	r.m.state.roles[role.ID] = *role
	return nil
}

func (r *memRoles) UpsertPermission(ctx context.Context, perm *model.Permission) error {
	unlock, err := r.m.lock(ctx, "roles.upsert_permission")
	if err != nil {
		return err
	}
	defer unlock()

	for id, existing := range r.m.state.perms {
		if existing.Code == perm.Code {
			existing.Category = perm.Category
			r.m.state.perms[id] = existing
			*perm = existing
			return nil
		}
	}
	if perm.ID == "" {
		perm.ID = ids.NewUUID()
	}
	r.m.state.perms[perm.ID] = *perm
	return nil
}

func (r *memRoles) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	unlock, err := r.m.lock(ctx, "roles.grant_permission")
	if err != nil {
		return err
	}
	defer unlock()

	r.m.state.rolePerms[pair{roleID, permissionID}] = struct{}{}
	return nil
}

func (r *memRoles) AssignRole(ctx context.Context, userID, roleID string) error {
	unlock, err := r.m.lock(ctx, "roles.assign_role")
	if err != nil {
		return err
	}
	defer unlock()

	r.m.state.userRoles[pair{userID, roleID}] = struct{}{}
	return nil
}

type memOutbox struct{ m *Memory }

func cloneMessage(msg model.OutboxMessage) model.OutboxMessage {
	msg.ProcessedAt = copyTime(msg.ProcessedAt)
	msg.NextRetryAt = copyTime(msg.NextRetryAt)
	return msg
}

func (r *memOutbox) Create(ctx context.Context, msg *model.OutboxMessage) error {
	unlock, err := r.m.lock(ctx, "outbox.create")
	if err != nil {
		return err
	}
	defer unlock()

	if msg.ID == "" {
		msg.ID = ids.NewULID()
	}
	if _, ok := r.m.state.outbox[msg.ID]; ok {
		return ErrConflict
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	r.m.state.outbox[msg.ID] = cloneMessage(*msg)
	return nil
}

func (r *memOutbox) Get(ctx context.Context, id string) (*model.OutboxMessage, error) {
	unlock, err := r.m.lock(ctx, "outbox.get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	msg, ok := r.m.state.outbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneMessage(msg)
	return &c, nil
}

func (r *memOutbox) ClaimReady(ctx context.Context, now time.Time, limit int) ([]model.OutboxMessage, error) {
	unlock, err := r.m.lock(ctx, "outbox.claim_ready")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var ready []model.OutboxMessage
	for _, msg := range r.m.state.outbox {
		if msg.Ready(now) {
			ready = append(ready, cloneMessage(msg))
		}
	}
	sortMessages(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (r *memOutbox) SaveBatch(ctx context.Context, msgs []model.OutboxMessage) error {
	unlock, err := r.m.lock(ctx, "outbox.save_batch")
	if err != nil {
		return err
	}
	defer unlock()

	for _, msg := range msgs {
		r.m.state.outbox[msg.ID] = cloneMessage(msg)
	}
	return nil
}

func (r *memOutbox) ListFailed(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	unlock, err := r.m.lock(ctx, "outbox.list_failed")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var failed []model.OutboxMessage
	for _, msg := range r.m.state.outbox {
		if msg.Failed {
			failed = append(failed, cloneMessage(msg))
		}
	}
	sortMessages(failed)
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (r *memOutbox) Requeue(ctx context.Context, id string) error {
	unlock, err := r.m.lock(ctx, "outbox.requeue")
	if err != nil {
		return err
	}
	defer unlock()

	msg, ok := r.m.state.outbox[id]
	if !ok || msg.ProcessedAt != nil {
		return ErrNotFound
	}
	msg.Failed = false
	msg.RetryCount = 0
	msg.NextRetryAt = nil
	msg.LastError = ""
	r.m.state.outbox[id] = msg
	return nil
}

func sortMessages(msgs []model.OutboxMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
