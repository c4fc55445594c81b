package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/elskow/warden/internal/model"
	"github.com/elskow/warden/internal/outbox"
	"github.com/elskow/warden/internal/rbac"
	"github.com/elskow/warden/internal/token"
)

func outboxCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and requeue outbox messages",
	}

	var limit int
	failedCmd := &cobra.Command{
		Use:   "failed",
		Short: "List messages that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.store()
			if err != nil {
				return err
			}
			msgs, err := outbox.NewAdmin(s, c.log).ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), c.out, msgs)
		},
	}
	failedCmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages to list")

	requeueCmd := &cobra.Command{
		Use:   "requeue <message-id>",
		Short: "Reset a failed message so the processor picks it up again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.store()
			if err != nil {
				return err
			}
			if err := outbox.NewAdmin(s, c.log).Requeue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(failedCmd, requeueCmd)
	return cmd
}

func printMessages(w io.Writer, format string, msgs []model.OutboxMessage) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tRETRIES\tCREATED\tLAST ERROR")
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			m.ID, m.Type, m.RelatedEntityID, m.RetryCount, m.MaxRetries,
			m.CreatedAt.UTC().Format(time.RFC3339), m.LastError)
	}
	return tw.Flush()
}

func rolesCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Manage roles and permissions",
	}

	var file string
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert roles, permissions and assignments from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			seed, err := rbac.ParseSeed(f)
			if err != nil {
				return err
			}
			s, err := c.store()
			if err != nil {
				return err
			}
			if err := rbac.NewSeeder(s, c.log).Apply(cmd.Context(), seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d permissions, %d roles, %d assignments\n",
				len(seed.Permissions), len(seed.Roles), len(seed.Assignments))
			return nil
		},
	}
	seedCmd.Flags().StringVarP(&file, "file", "f", "roles.yaml", "seed file")

	cmd.AddCommand(seedCmd)
	return cmd
}

func keysCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}

	var (
		dir  string
		bits int
	)
	generateCmd := &cobra.Command{
		Use:   "generate <key-id>",
		Short: "Write a new RSA signing key to <dir>/<key-id>.pem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := token.GenerateKey(bits)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			path := filepath.Join(dir, args[0]+".pem")
			if err := os.WriteFile(path, token.EncodePrivateKeyPEM(key), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nadd it under [token.key_files] as %s = %q\n", path, args[0], path)
			return nil
		},
	}
	generateCmd.Flags().StringVar(&dir, "dir", "./keys", "output directory")
	generateCmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")

	cmd.AddCommand(generateCmd)
	return cmd
}
