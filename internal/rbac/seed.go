package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/store"
)

type SeedPermission struct {
	Code     string `yaml:"code"`
	Category string `yaml:"category"`
}

type SeedRole struct {
	Name        string   `yaml:"name"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
}

type SeedAssignment struct {
	Email string   `yaml:"email"`
	Roles []string `yaml:"roles"`
}

// Seed is the document accepted by `wardenctl roles seed`.
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
	Assignments []SeedAssignment `yaml:"assignments"`
}

func ParseSeed(r io.Reader) (*Seed, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}
	return &seed, seed.Validate()
}

func (s *Seed) Validate() error {
	known := make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		if p.Code == "" {
			return errors.New("permission code is required")
		}
		known[p.Code] = struct{}{}
	}
	roles := make(map[string]struct{}, len(s.Roles))
	for _, r := range s.Roles {
		if r.Name == "" {
			return errors.New("role name is required")
		}
		roles[r.Name] = struct{}{}
		for _, code := range r.Permissions {
			if _, ok := known[code]; !ok {
				return fmt.Errorf("role %s references unknown permission %s", r.Name, code)
			}
		}
	}
	for _, a := range s.Assignments {
		for _, name := range a.Roles {
			if _, ok := roles[name]; !ok {
				return fmt.Errorf("assignment for %s references unknown role %s", a.Email, name)
			}
		}
	}
	return nil
}

type Seeder struct {
	store store.Store
	log   *zap.Logger
}

func NewSeeder(s store.Store, log *zap.Logger) *Seeder {
	return &Seeder{store: s, log: log}
}

// Apply upserts permissions, roles and edges in one transaction. It never
// removes anything, so running it twice is harmless.
func (s *Seeder) Apply(ctx context.Context, seed *Seed) error {
	return s.store.WithinTx(ctx, func(tx store.Store) error {
		permIDs := make(map[string]string, len(seed.Permissions))
		for _, p := range seed.Permissions {
			perm := &model.Permission{Code: p.Code, Category: p.Category}
			if err := tx.Roles().UpsertPermission(ctx, perm); err != nil {
				return fmt.Errorf("failed to upsert permission %s: %w", p.Code, err)
			}
			permIDs[p.Code] = perm.ID
		}

		roleIDs := make(map[string]string, len(seed.Roles))
		for _, r := range seed.Roles {
			role := &model.Role{Name: r.Name, System: r.System}
			if err := tx.Roles().UpsertRole(ctx, role); err != nil {
				return fmt.Errorf("failed to upsert role %s: %w", r.Name, err)
			}
			roleIDs[r.Name] = role.ID
			for _, code := range r.Permissions {
				if err := tx.Roles().GrantPermission(ctx, role.ID, permIDs[code]); err != nil {
					return fmt.Errorf("failed to grant %s to %s: %w", code, r.Name, err)
				}
			}
		}

		for _, a := range seed.Assignments {
			user, err := tx.Users().GetByEmail(ctx, a.Email)
			if err != nil {
				return fmt.Errorf("failed to find user %s: %w", a.Email, err)
			}
			for _, name := range a.Roles {
				if err := tx.Roles().AssignRole(ctx, user.ID, roleIDs[name]); err != nil {
					return fmt.Errorf("failed to assign %s to %s: %w", name, a.Email, err)
				}
			}
		}

		s.log.Info("roles seeded",
			zap.Int("permissions", len(seed.Permissions)),
			zap.Int("roles", len(seed.Roles)),
			zap.Int("assignments", len(seed.Assignments)))
		return nil
	})
}
