package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JuanPabloHerrera/openapi/internal/buildinfo"
	"github.com/JuanPabloHerrera/openapi/internal/cli"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version, optionally checking for a newer release",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Normalized())
			if !check {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			latest, err := buildinfo.CheckForUpdates(ctx, &http.Client{Timeout: 2 * time.Second}, buildinfo.ReleasesURL)
			if err != nil {
				return fmt.Errorf("release check failed: %w", err)
			}
			if latest == "" {
				fmt.Fprintln(cmd.OutOrStdout(), cli.CheckMark(), "up to date")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.Style(fmt.Sprintf("%s is available", latest), cli.Yellow))
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "query the latest release")
	return cmd
}
