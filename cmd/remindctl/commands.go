package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"reengage-service/config"
	"reengage-service/internal/app"
	"reengage-service/internal/models"
	"reengage-service/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Timeout time.Duration
}

var validFormats = []string{"text", "json"}

func newRootCommand(loadConfig func() *config.Config) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "remindctl",
		Short: "Operate the abandoned cart reminder timeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			if opts.Verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				util.SetLogger(l)
			} else {
				util.SetLogger(zap.NewNop())
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "give up after this long")

	cmd.AddCommand(newSweepCommand(opts, loadConfig))
	cmd.AddCommand(newStatsCommand(opts, loadConfig))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp builds the application for one command and tears it down afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, loadConfig func() *config.Config, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	a, err := app.New(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			util.GetLogger().Warn("Error during shutdown", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

type sweepResult struct {
	Fired int    `json:"fired"`
	Error string `json:"error,omitempty"`
}

func newSweepCommand(opts *rootOptions, loadConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fire every reminder stage that is due, once",
		Long: `Run a single reminder sweep against the configured storage and exit.

Intended for an external cron when the server runs with
REMINDER_SWEEP_INTERVAL=0, which turns its own sweep loop off.

With redis configured the sweep takes the shared lock, so it can also run
next to a server that keeps its loop. The bolt driver locks its file while
the server holds it open, so use the redis or postgres driver when both
processes share the state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, loadConfig, func(ctx context.Context, a *app.App) error {
				fired, err := a.Scheduler.Sweep(ctx)
				res := sweepResult{Fired: fired}
				if err != nil {
					res.Error = err.Error()
				}
				if werr := writeSweep(cmd.OutOrStdout(), opts.Format, res); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

func writeSweep(w io.Writer, format string, res sweepResult) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(res)
	}
	_, err := fmt.Fprintf(w, "fired %d reminder(s)\n", res.Fired)
	return err
}

func newStatsCommand(opts *rootOptions, loadConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print subscription and cart recovery statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, loadConfig, func(_ context.Context, a *app.App) error {
				return writeStats(cmd.OutOrStdout(), opts.Format, a.Engagement.GetStats())
			})
		},
	}
}

func writeStats(w io.Writer, format string, stats models.Stats) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(stats)
	}
	_, err := fmt.Fprintf(w,
		"back-in-stock subscriptions: %d\nactive price alerts:         %d\nabandoned carts:             %d\nrecovered carts:             %d\nrecovered value:             %s\nrecovery rate:               %.1f%%\n",
		stats.BackInStockCount,
		stats.ActivePriceAlertCount,
		stats.AbandonedCartCount,
		stats.RecoveredCartCount,
		stats.RecoveredValue.StringFixed(2),
		stats.RecoveryRatePercent,
	)
	return err
}
