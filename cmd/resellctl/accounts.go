package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	"github.com/spf13/cobra"
)

func newCreateAccountCmd(e *env) *cobra.Command {
	var credits float64

	cmd := &cobra.Command{
		Use:   "create-account <email>",
		Short: "Create an account, optionally with starting credits in USD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := e.svc.CreateAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var balance int64
			if credits > 0 {
				if balance, err = e.svc.AddCredits(cmd.Context(), acct.ID, credits, ""); err != nil {
					return fmt.Errorf("account %s created but top-up failed: %w", acct.ID, err)
				}
			}
			return e.printer.Print(acct, cli.Table{
				Headers: []string{"ID", "EMAIL", "BALANCE", "CREATED"},
				Rows:    [][]string{{acct.ID, acct.Email, usd(balance), acct.CreatedAt.Format(time.RFC3339)}},
			})
		},
	}
	cmd.Flags().Float64Var(&credits, "credits", 0, "starting credits in USD")
	return cmd
}

func newAddCreditsCmd(e *env) *cobra.Command {
	var ref string

	cmd := &cobra.Command{
		Use:   "add-credits <account|email> <usd>",
		Short: "Top up an account; --ref makes the top-up idempotent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive number of USD, got %q", args[1])
			}
			balance, err := e.svc.AddCredits(cmd.Context(), args[0], amount, ref)
			if err != nil {
				return err
			}
			result := map[string]interface{}{
				"account":        args[0],
				"added_usd":      amount,
				"balance_micros": balance,
				"reference":      ref,
			}
			return e.printer.Print(result, cli.Table{
				Headers: []string{"ACCOUNT", "ADDED", "BALANCE", "REFERENCE"},
				Rows:    [][]string{{args[0], usd(pricing.ToMicros(amount)), usd(balance), dash(ref)}},
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "external payment reference, applied at most once")
	return cmd
}

func usd(micros int64) string {
	return fmt.Sprintf("$%.6f", pricing.ToUSD(micros))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
