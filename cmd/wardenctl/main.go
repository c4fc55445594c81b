package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/database"
	"github.com/elskow/warden/internal/server"
	"github.com/elskow/warden/internal/store"
)

// cli carries what every subcommand needs. The database is opened lazily so
// commands such as `keys generate` work without one.
type cli struct {
	configDir string
	out       string
	log       *zap.Logger
	manager   *database.Manager
}

func (c *cli) store() (store.Store, error) {
	if c.manager == nil {
		cfg, err := server.LoadConfigFrom(c.configDir)
		if err != nil {
			return nil, err
		}
		manager, err := database.NewManager(&cfg.Database, c.log)
		if err != nil {
			return nil, err
		}
		c.manager = manager
	}
	return store.NewGormStore(c.manager.DB()), nil
}

func (c *cli) close() {
	if c.manager != nil {
		_ = c.manager.Close()
	}
	_ = c.log.Sync()
}

func main() {
	if os.Getenv("APP_ENV") == "" {
		os.Setenv("APP_ENV", "development")
	}

	c := &cli{
		configDir: envOr("WARDEN_CONFIG_DIR", "./config/server"),
		out:       envOr("WARDEN_OUT", "text"),
	}

	root := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operator commands for the warden gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.out != "text" && c.out != "json" {
				return fmt.Errorf("--out must be text or json, got %q", c.out)
			}
			log, err := server.NewLogger(os.Getenv("APP_ENV"))
			if err != nil {
				return err
			}
			c.log = log
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configDir, "config-dir", c.configDir, "directory holding config.toml (env WARDEN_CONFIG_DIR)")
	root.PersistentFlags().StringVar(&c.out, "out", c.out, "output format: text|json")

	root.AddCommand(outboxCommand(c), rolesCommand(c), keysCommand(c))

	err := root.Execute()
	if c.log != nil {
		c.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
