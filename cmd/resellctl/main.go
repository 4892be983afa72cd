package main

import (
	"context"
	"fmt"
	"os"

	"github.com/JuanPabloHerrera/openapi/internal/admin"
	"github.com/JuanPabloHerrera/openapi/internal/buildinfo"
	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/JuanPabloHerrera/openapi/internal/config"
	"github.com/JuanPabloHerrera/openapi/internal/platform/logger"
	"github.com/JuanPabloHerrera/openapi/internal/pricing"
	"github.com/JuanPabloHerrera/openapi/internal/ratelimit"
	"github.com/JuanPabloHerrera/openapi/internal/store/cache"
	"github.com/JuanPabloHerrera/openapi/internal/store/sqlstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// env is shared by every subcommand; it is opened lazily so `version` and
// `--help` work without a database.
type env struct {
	output  string
	noColor bool

	printer *cli.Printer
	svc     *admin.Service
	closers []func() error
}

func (e *env) open(cmd *cobra.Command) error {
	ctx := cmd.Context()
	format, err := cli.ParseFormat(e.output)
	if err != nil {
		return err
	}
	if e.noColor {
		cli.SetColor(false)
	}
	e.printer = &cli.Printer{Out: cmd.OutOrStdout(), Format: format}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, _, err := logger.New(logger.Config{Level: "error", Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	repo, err := sqlstore.Open(ctx, sqlstore.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, log)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, repo.Close)

	// With a shared Redis cache, running gateways see changes immediately.
	// Otherwise they pick them up when their local cache entries expire.
	var (
		policies admin.PolicyInvalidator
		rules    admin.RuleInvalidator
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		e.closers = append(e.closers, client.Close)
		shared := cache.NewRedis(client, cfg.Redis.Prefix)
		policies = ratelimit.NewLimiter(repo.RateLimits(), nil, shared, ratelimit.Options{}, log)
		rules = pricing.NewEstimator(repo.PricingRules(), shared, pricing.Options{}, log)
	}

	e.svc = admin.New(repo, policies, rules)
	return nil
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	e.closers = nil
}

// needsStore reports whether cmd talks to the database.
func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "version", "help", "completion":
			return false
		}
	}
	return true
}

func newRootCmd() (*cobra.Command, *env) {
	e := &env{}

	root := &cobra.Command{
		Use:           "resellctl",
		Short:         "Manage accounts, keys, credits and pricing for the reseller gateway",
		Version:       buildinfo.Normalized(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsStore(cmd) {
				return nil
			}
			return e.open(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&e.output, "output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().BoolVar(&e.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newCreateAccountCmd(e),
		newCreateKeyCmd(e),
		newRevokeKeyCmd(e),
		newAddCreditsCmd(e),
		newCheckKeyCmd(e),
		newListKeysCmd(e),
		newCheckUsageCmd(e),
		newSetLimitsCmd(e),
		newSetPricingRuleCmd(e),
		newVersionCmd(),
	)
	return root, e
}

func main() {
	root, e := newRootCmd()
	err := root.ExecuteContext(context.Background())
	e.close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", cli.CrossMark(), err)
		os.Exit(1)
	}
}
