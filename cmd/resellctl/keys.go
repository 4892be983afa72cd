package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/spf13/cobra"
)

func newCreateKeyCmd(e *env) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create-key <account|email>",
		Short: "Mint an API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			created, err := e.svc.CreateKey(cmd.Context(), args[0], name, ttl)
			if err != nil {
				return err
			}
			if err := e.printer.Print(created, cli.Table{
				Headers: []string{"KEY ID", "PREFIX", "EXPIRES", "SECRET"},
				Rows:    [][]string{{created.Key.ID, created.Key.KeyPrefix, nullTime(created.Key.ExpiresAt), created.Secret}},
			}); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, cli.Style("Store the secret now; it cannot be shown again.", cli.Yellow))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "default", "label for the key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the key after this duration (0 = never)")
	return cmd
}

func newRevokeKeyCmd(e *env) *cobra.Command {
	var restore bool

	cmd := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Deactivate an API key (or --restore it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.svc.SetKeyActive(cmd.Context(), args[0], restore); err != nil {
				return err
			}
			state := "revoked"
			if restore {
				state = "restored"
			}
			e.printer.Success("key %s %s", args[0], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "reactivate instead of revoking")
	return cmd
}

func newCheckKeyCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "check-key <secret>",
		Short: "Show whether a secret would be accepted and for which account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := e.svc.CheckKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			row := []string{string(report.Status), "-", "-", "-", usd(report.BalanceMicros)}
			if report.Key != nil {
				row[1] = report.Key.ID
				row[3] = nullTime(report.Key.LastUsedAt)
			}
			if report.Account != nil {
				row[2] = report.Account.Email
			}
			return e.printer.Print(report, cli.Table{
				Headers: []string{"STATUS", "KEY ID", "ACCOUNT", "LAST USED", "BALANCE"},
				Rows:    [][]string{row},
			})
		},
	}
}

func newListKeysCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list-keys <account|email>",
		Short: "List an account's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := e.svc.ListKeys(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if keys == nil {
				keys = []model.APIKey{}
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{
					k.ID, k.Name, k.KeyPrefix, strconv.FormatBool(k.IsActive),
					nullTime(k.ExpiresAt), nullTime(k.LastUsedAt), k.CreatedAt.Format(time.RFC3339),
				})
			}
			return e.printer.Print(keys, cli.Table{
				Headers: []string{"ID", "NAME", "PREFIX", "ACTIVE", "EXPIRES", "LAST USED", "CREATED"},
				Rows:    rows,
			})
		},
	}
}

func nullTime(t sql.NullTime) string {
	if !t.Valid {
		return "-"
	}
	return t.Time.Format(time.RFC3339)
}
