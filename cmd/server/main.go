package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ideabot",
		Short:         "Telegram bot that captures ideas and reminds you about them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the schedulers and the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Deliver due reminders once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd.Context(), cmd.OutOrStdout())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "digest",
		Short: "Send the stale-idea digest to every conversation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(cmd.Context(), cmd.OutOrStdout())
		},
	})

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return runToken(cmd.OutOrStdout(), subject, ttl)
		},
	}
	tokenCmd.Flags().StringP("subject", "s", "operator", "Token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)

	ctx, stop := signalContext()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
