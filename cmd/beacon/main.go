package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/classkit/beacon/pkg/config"
	"github.com/classkit/beacon/pkg/engine"
	"github.com/classkit/beacon/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - offline-first telemetry capture and sync engine",
	Long: `Beacon captures usage and content-progress events durably on device,
groups them into batches, and synchronizes them to a central collection
endpoint when the network allows, with bounded retries and without ever
storing or transmitting a raw identifier.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Beacon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(purgeCmd)
}

// loadConfig reads the config file or falls back to defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openEngine builds an engine from the loaded config.
func openEngine() (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

	eng, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		st, err := eng.Status()
		if err != nil {
			return err
		}

		fmt.Printf("Unsynced events:   %d\n", st.UnsyncedEvents)
		fmt.Printf("Pending items:     %d\n", st.PendingItems)
		fmt.Printf("Pending batches:   %d\n", st.PendingBatches)
		fmt.Printf("In-flight batches: %d\n", st.InFlightBatches)
		fmt.Printf("Failed batches:    %d\n", st.FailedBatches)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Run a retention sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cfg, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		events, batches, err := eng.Purge()
		if err != nil {
			return err
		}

		fmt.Printf("Purged %d events and %d batches older than %v\n", events, batches, cfg.Retention.Horizon)
		return nil
	},
}
