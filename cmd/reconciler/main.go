package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/internal/reconcile"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// loadConfig loads and validates configuration, applying CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if viper.GetBool("debug") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "text"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withApplication builds the application for a one-shot command
func withApplication(fn func(app *Application) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// One-shot commands never run background refreshes.
	cfg.Scheduler.Enabled = false

	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}
	defer app.Stop()

	return fn(app)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func queryOptions(cmd *cobra.Command) reconcile.Options {
	ledgerOnly, _ := cmd.Flags().GetBool("ledger-only")
	validateLT, _ := cmd.Flags().GetBool("validate-logical-time")
	validateResults, _ := cmd.Flags().GetBool("validate-results")
	return reconcile.Options{
		LedgerOnly:          ledgerOnly,
		ValidateLogicalTime: validateLT,
		ValidateResults:     validateResults,
	}
}

func requireAddress(address string) error {
	if !utils.IsValidAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "dao-reconciler",
	Short:   "DAO state reconciler",
	Long:    `Serves DAO and proposal state by reconciling an eventually consistent indexer with the ledger and locally pending writes.`,
	Version: AppVersion,
	RunE:    runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background refresh scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Serve(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	app.logger.Info("Received shutdown signal, stopping")
	app.Stop()
	return nil
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a single reconciliation query and print the result",
}

var queryOrganizationsCmd = &cobra.Command{
	Use:   "organizations",
	Short: "List all organizations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			orgs, err := app.service.Organizations(ctx)
			if err != nil {
				return err
			}
			return printJSON(orgs)
		})
	},
}

var queryOrganizationCmd = &cobra.Command{
	Use:   "organization <address>",
	Short: "Get one organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAddress(args[0]); err != nil {
			return err
		}
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			org, err := app.service.Organization(ctx, args[0], queryOptions(cmd))
			if err != nil {
				return err
			}
			return printJSON(org)
		})
	},
}

var queryProposalCmd = &cobra.Command{
	Use:   "proposal <address>",
	Short: "Get one proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAddress(args[0]); err != nil {
			return err
		}
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			proposal, err := app.service.Proposal(ctx, args[0], queryOptions(cmd))
			if err != nil {
				return err
			}
			return printJSON(proposal)
		})
	},
}

var queryRegistryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Read the organization registry from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			registry, err := app.service.Registry(ctx)
			if err != nil {
				return err
			}
			return printJSON(registry)
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Manage locally created entities the indexer has not reported yet",
}

var pendingAddCmd = &cobra.Command{
	Use:   "add <organization|proposal> <address>",
	Short: "Track a locally created entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, address := models.EntityKind(args[0]), args[1]
		if err := requireAddress(address); err != nil {
			return err
		}
		parent, _ := cmd.Flags().GetString("parent")

		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			switch kind {
			case models.KindOrganization:
				return app.service.AddPendingOrganization(ctx, address)
			case models.KindProposal:
				if err := requireAddress(parent); err != nil {
					return fmt.Errorf("proposal needs --parent: %w", err)
				}
				return app.service.AddPendingProposal(ctx, parent, address)
			}
			return fmt.Errorf("unknown kind %q", kind)
		})
	},
}

var pendingListCmd = &cobra.Command{
	Use:   "list <organization|proposal>",
	Short: "List tracked entities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetString("parent")
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			addrs, err := app.service.Tracker().List(ctx, models.EntityKind(args[0]), parent)
			if err != nil {
				return err
			}
			return printJSON(addrs)
		})
	},
}

var pendingRemoveCmd = &cobra.Command{
	Use:   "remove <organization|proposal> <address>",
	Short: "Stop tracking an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			removed, err := app.service.RemovePending(ctx, models.EntityKind(args[0]), args[1])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("%s %s is not tracked", args[0], args[1])
			}
			return nil
		})
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage per-entity sync checkpoints",
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set <update_millis|logical_time> <address> [value]",
	Short: "Record a local write; update_millis defaults to now",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, address := models.CheckpointKind(args[0]), args[1]
		if err := requireAddress(address); err != nil {
			return err
		}
		var value uint64
		if len(args) == 3 {
			v, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value: %w", err)
			}
			value = v
		}

		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			var (
				cp  *models.Checkpoint
				err error
			)
			switch kind {
			case models.CheckpointUpdateMillis:
				var at time.Time
				if value > 0 {
					at = time.UnixMilli(int64(value))
				}
				cp, err = app.service.MarkOrganizationUpdated(ctx, address, at)
			case models.CheckpointLogicalTime:
				if value == 0 {
					return fmt.Errorf("logical_time needs a value")
				}
				cp, err = app.service.MarkProposalLogicalTime(ctx, address, models.LogicalTime(value))
			default:
				return fmt.Errorf("unknown checkpoint kind %q", kind)
			}
			if err != nil {
				return err
			}
			return printJSON(cp)
		})
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear <update_millis|logical_time> <address>",
	Short: "Remove a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := models.CheckpointKind(args[0])
		if !kind.Valid() {
			return fmt.Errorf("unknown checkpoint kind %q", kind)
		}
		return withApplication(func(app *Application) error {
			ctx, cancel := app.queryContext()
			defer cancel()

			cleared, err := app.service.ClearCheckpoint(ctx, kind, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("cleared: %t\n", cleared)
			return nil
		})
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("DAO reconciler %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Indexer: %s\n", cfg.Indexer.BaseURL)
		fmt.Printf("Ledger node: %s\n", cfg.Ledger.General.NodeURL)
		fmt.Printf("Holder node: %s\n", cfg.Ledger.Holder.NodeURL)
		fmt.Printf("Storage: %s\n", cfg.Storage.Type)
		fmt.Printf("Watched organizations: %d\n", len(cfg.Scheduler.WatchOrganizations))
		fmt.Printf("Watched proposals: %d\n", len(cfg.Scheduler.WatchProposals))
		return nil
	},
}

// testCmd checks connectivity to storage and both ledger clients
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApplication(func(app *Application) error {
			ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
			defer cancel()

			fmt.Printf("Testing storage (%s)...\n", app.config.Storage.Type)
			if err := app.storage.Ping(); err != nil {
				return fmt.Errorf("storage unreachable: %w", err)
			}
			fmt.Println("Storage OK")

			failed := false
			for name, err := range app.clients.HealthCheck(ctx) {
				if err != nil {
					failed = true
					fmt.Printf("Ledger %s: %v\n", name, err)
					continue
				}
				fmt.Printf("Ledger %s OK\n", name)
			}
			if failed {
				return fmt.Errorf("ledger connectivity test failed")
			}
			fmt.Println("All connectivity tests passed")
			return nil
		})
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	for _, cmd := range []*cobra.Command{queryOrganizationCmd, queryProposalCmd} {
		cmd.Flags().Bool("ledger-only", false, "bypass the indexer")
		cmd.Flags().Bool("validate-logical-time", false, "compare the indexer watermark with the local checkpoint")
		cmd.Flags().Bool("validate-results", false, "treat a proposal without results as incomplete")
	}
	pendingAddCmd.Flags().String("parent", "", "owning organization of a pending proposal")
	pendingListCmd.Flags().String("parent", "", "owning organization when listing proposals")

	queryCmd.AddCommand(queryOrganizationsCmd, queryOrganizationCmd, queryProposalCmd, queryRegistryCmd)
	pendingCmd.AddCommand(pendingAddCmd, pendingListCmd, pendingRemoveCmd)
	checkpointCmd.AddCommand(checkpointSetCmd, checkpointClearCmd)
	configCmd.AddCommand(validateConfigCmd)

	rootCmd.AddCommand(serveCmd, queryCmd, pendingCmd, checkpointCmd, versionCmd, configCmd, testCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
