package rbac

import (
	"context"
	"fmt"
	"sort"

	"github.com/elskow/warden/internal/store"
)

// Grants is the effective authorization of a user at one point in time.
type Grants struct {
	Roles       []string
	Permissions []string
}

func (g Grants) HasRole(name string) bool {
	for _, r := range g.Roles {
		if r == name {
			return true
		}
	}
	return false
}

func (g Grants) HasAnyRole(names []string) bool {
	for _, n := range names {
		if g.HasRole(n) {
			return true
		}
	}
	return false
}

func (g Grants) HasPermission(code string) bool {
	for _, p := range g.Permissions {
		if p == code {
			return true
		}
	}
	return false
}

// Resolver computes grants from role memberships. Nothing is cached: role
// assignments can change between two calls for the same user.
type Resolver struct {
	roles store.RoleRepository
}

func NewResolver(roles store.RoleRepository) *Resolver {
	return &Resolver{roles: roles}
}

// For returns a Resolver reading through s, so resolution can join a
// caller's transaction.
func For(s store.Store) *Resolver {
	return NewResolver(s.Roles())
}

func (r *Resolver) Resolve(ctx context.Context, userID string) (Grants, error) {
	roles, err := r.roles.RolesForUser(ctx, userID)
	if err != nil {
		return Grants{}, fmt.Errorf("failed to load roles: %w", err)
	}

	roleNames := make([]string, 0, len(roles))
	roleIDs := make([]string, 0, len(roles))
	seenRole := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if _, ok := seenRole[role.ID]; ok {
			continue
		}
		seenRole[role.ID] = struct{}{}
		roleIDs = append(roleIDs, role.ID)
		roleNames = append(roleNames, role.Name)
	}

	perms, err := r.roles.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return Grants{}, fmt.Errorf("failed to load permissions: %w", err)
	}

	codes := make([]string, 0, len(perms))
	seenCode := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, ok := seenCode[p.Code]; ok {
			continue
		}
		seenCode[p.Code] = struct{}{}
		codes = append(codes, p.Code)
	}

	sort.Strings(roleNames)
	sort.Strings(codes)
	return Grants{Roles: roleNames, Permissions: codes}, nil
}
