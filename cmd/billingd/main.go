package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/server"
	"github.com/rcourtman/billing-reconciler/internal/stripe"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "billingd",
	Short:         "Stripe billing webhook reconciler",
	Long:          `billingd applies Stripe billing events to organization plans, credits and ledgers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(pruneEventsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "billingd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.Load)
		if err != nil {
			return err
		}
		return server.Run(cmd.Context(), cfg, Version)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the billing store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.LoadStore)
		if err != nil {
			return err
		}
		// OpenStore applies the schema.
		store, err := server.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "%s store migrated\n", cfg.Store)
		return nil
	},
}

var pruneEventsCmd = &cobra.Command{
	Use:   "prune-events",
	Short: "Delete processed-event receipts older than BILLING_EVENT_RETENTION",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(config.LoadStore)
		if err != nil {
			return err
		}
		store, err := server.OpenStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := server.NewEventPruner(store, cfg.EventRetention).Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d event receipts\n", n)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <event.json|->",
	Short: "Apply a stored Stripe event without signature verification",
	Long: `Replay feeds a previously received (trusted) Stripe event through the same
deduplication and dispatch path as the webhook. Events already processed are
reported as duplicates and not applied again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readEventFile(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		event, err := stripe.DecodeEvent(data)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(config.Load)
		if err != nil {
			return err
		}
		app, err := server.NewApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		duplicate, err := app.Webhook.HandleEvent(cmd.Context(), event)
		if err != nil {
			return fmt.Errorf("replay %s (%s): %w", event.ID, event.Type, err)
		}
		status := "applied"
		if duplicate {
			status = "duplicate"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", event.ID, event.Type, status)
		return nil
	},
}

func readEventFile(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read event from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read event file: %w", err)
	}
	return data, nil
}

// loadConfig loads configuration and re-initializes logging from it.
func loadConfig(load func() (*config.Config, error)) (*config.Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billingd",
	})
	return cfg, nil
}

func main() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billingd",
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("billingd failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
