package main

import (
	"strconv"

	"github.com/JuanPabloHerrera/openapi/internal/admin"
	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/JuanPabloHerrera/openapi/internal/store/model"
	"github.com/spf13/cobra"
)

func newSetLimitsCmd(e *env) *cobra.Command {
	var l admin.Limits

	cmd := &cobra.Command{
		Use:   "set-limits <account|email>",
		Short: "Set per-account request caps (0 = unlimited)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := e.svc.SetLimits(cmd.Context(), args[0], l)
			if err != nil {
				return err
			}
			return e.printer.Print(policy, cli.Table{
				Headers: []string{"ACCOUNT", "RPM", "RPH", "RPD", "MAX TOKENS"},
				Rows: [][]string{{
					policy.AccountID, capString(policy.RequestsPerMinute), capString(policy.RequestsPerHour),
					capString(policy.RequestsPerDay), capString(policy.MaxTokensPerRequest),
				}},
			})
		},
	}
	cmd.Flags().IntVar(&l.RequestsPerMinute, "rpm", 0, "requests per minute")
	cmd.Flags().IntVar(&l.RequestsPerHour, "rph", 0, "requests per hour")
	cmd.Flags().IntVar(&l.RequestsPerDay, "rpd", 0, "requests per day")
	cmd.Flags().IntVar(&l.MaxTokensPerRequest, "max-tokens", 0, "max completion tokens per request")
	return cmd
}

func newSetPricingRuleCmd(e *env) *cobra.Command {
	var (
		rule     model.PricingRule
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "set-pricing-rule",
		Short: "Create or update a markup rule for models matching a glob",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule.IsActive = !inactive
			saved, err := e.svc.SetPricingRule(cmd.Context(), rule)
			if err != nil {
				return err
			}
			return e.printer.Print(saved, cli.Table{
				Headers: []string{"ID", "PATTERN", "MARKUP %", "MIN COST", "PRIORITY", "ACTIVE"},
				Rows: [][]string{{
					saved.ID, saved.ModelPattern, strconv.FormatFloat(saved.MarkupPercentage, 'f', -1, 64),
					strconv.FormatFloat(saved.MinCostUSD, 'f', -1, 64), strconv.Itoa(saved.Priority), strconv.FormatBool(saved.IsActive),
				}},
			})
		},
	}
	cmd.Flags().StringVar(&rule.ID, "id", "", "rule id to update (new rule when empty)")
	cmd.Flags().StringVar(&rule.ModelPattern, "pattern", "", "model glob, e.g. anthropic/*")
	cmd.Flags().Float64Var(&rule.MarkupPercentage, "markup", 0, "markup percentage")
	cmd.Flags().Float64Var(&rule.MinCostUSD, "min-cost", 0, "minimum charge in USD")
	cmd.Flags().IntVar(&rule.Priority, "priority", 0, "higher wins")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "store the rule disabled")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func capString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}
