package main

import (
	"strconv"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/spf13/cobra"
)

func newCheckUsageCmd(e *env) *cobra.Command {
	var (
		limit int
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check-usage <account|email>",
		Short: "Show balance, a usage summary and the latest requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := e.svc.Usage(cmd.Context(), args[0], time.Now().Add(-since), limit)
			if err != nil {
				return err
			}

			s := report.Summary
			rows := [][]string{{
				"summary", report.Account.Email, strconv.Itoa(s.Requests), strconv.Itoa(s.Errors),
				strconv.FormatInt(s.TotalTokens, 10), usd(s.CreditsDeductedMicros), usd(report.BalanceMicros),
			}}
			for _, r := range report.Recent {
				rows = append(rows, []string{
					r.CreatedAt.Format(time.RFC3339), r.Model, string(r.Status), dash(r.ErrorMessage.String),
					strconv.Itoa(r.TotalTokens), usd(r.CreditsDeductedMicros), "",
				})
			}
			return e.printer.Print(report, cli.Table{
				Headers: []string{"WHEN", "MODEL", "REQUESTS/STATUS", "ERRORS", "TOKENS", "CHARGED", "BALANCE"},
				Rows:    rows,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent requests to show")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "summary window")
	return cmd
}
