package migration

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

const modulePath = "github.com/elskow/warden"

// getMigrationsDir returns the absolute path to the migrations directory.
// WARDEN_MIGRATIONS_DIR wins; otherwise the directory next to the module's
// go.mod, falling back to ./migrations for installed binaries.
func getMigrationsDir() (string, error) {
	if dir := os.Getenv("WARDEN_MIGRATIONS_DIR"); dir != "" {
		return dir, nil
	}

	dir, err := findModuleRoot()
	if err != nil {
		if _, statErr := os.Stat("migrations"); statErr == nil {
			return filepath.Abs("migrations")
		}
		return "", fmt.Errorf("failed to find project root: %w", err)
	}

	return filepath.Join(dir, "migrations"), nil
}

// findModuleRoot returns the root directory of the module
func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		gomod := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(gomod); err == nil {
			// Verify this is our module
			content, err := os.ReadFile(gomod)
			if err != nil {
				return "", err
			}

			modPath := modfile.ModulePath(content)
			if modPath == modulePath {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
