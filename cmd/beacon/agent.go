package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classkit/beacon/pkg/log"
	"github.com/classkit/beacon/pkg/metrics"
	"github.com/classkit/beacon/pkg/scheduler"
)

var flushTimeout time.Duration

func init() {
	flushCmd.Flags().DurationVar(&flushTimeout, "timeout", 60*time.Second, "How long to wait for the queue to drain")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sync engine daemon",
	Long: `Run the sync engine in the foreground: batch formation, upload
scheduling and retention sweeps all run until interrupted. Captured events
are picked up from the shared data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cfg, err := openEngine()
		if err != nil {
			return err
		}

		ctx := context.Background()
		eng.Start(ctx)
		defer eng.Stop()

		// The daemon assumes connectivity until told otherwise; embedded
		// deployments report real conditions through the engine API.
		eng.SetConditions(scheduler.Conditions{Online: true}, "unknown")

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.Errorf("metrics server stopped", err)
				}
			}()
			fmt.Printf("Metrics on %s/metrics\n", cfg.MetricsAddr)
		}

		fmt.Println("Beacon agent running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Form batches from unsynced events and deliver them now",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, _, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Stop()

		eng.Start(context.Background())
		eng.SetConditions(scheduler.Conditions{Online: true}, "unknown")

		if err := eng.Flush(); err != nil {
			return err
		}

		deadline := time.Now().Add(flushTimeout)
		for time.Now().Before(deadline) {
			st, err := eng.Status()
			if err != nil {
				return err
			}
			if st.PendingItems == 0 && st.InFlightBatches == 0 {
				fmt.Println("Flush complete.")
				return nil
			}
			time.Sleep(500 * time.Millisecond)
		}
		return fmt.Errorf("queue did not drain within %v", flushTimeout)
	},
}
