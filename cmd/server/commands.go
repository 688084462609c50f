package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/pkg/jwt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the control surface, the event stream and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		scope   string
		records []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass and print its result",
		Long: `Run one reconciliation pass and print the result as JSON.

Example:
  server run --scope changed
  server run --scope records --record 7f1c --record 9a02`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := domain.ParseScope(scope)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, opts.logger, opts.Memory, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sync.RunOnce(ctx, domain.RunRequest{Scope: s, RecordIDs: records, Trigger: domain.TriggerCLI})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("run %s finished with outcome %s", res.RunID, res.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "changed", "run scope (full|changed|pending|records)")
	cmd.Flags().StringSliceVar(&records, "record", nil, "primary record id, repeatable (records scope)")
	return cmd
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete run and log history older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.cfg, opts.logger, opts.Memory, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.telemetry.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default SYNC_RETENTION_DAYS)")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			pool, err := openPostgres(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			pool.Close()
			opts.logger.Info("schema applied")
			return nil
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the control surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl <= 0 {
				ttl = opts.cfg.JWT.Expiration
			}
			token, err := jwt.GenerateToken(operator, ttl, opts.cfg.JWT.Secret)
			if err != nil {
				return err
			}
			opts.logger.Info("operator token minted", zap.String("operator", operator), zap.Duration("ttl", ttl))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator id (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_EXPIRATION)")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
