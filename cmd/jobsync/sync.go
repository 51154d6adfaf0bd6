package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sykios/JobManager-sub002/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle now",
	Long: `Run one full push/pull cycle against the remote API.

This performs:
  1. A connection probe
  2. Push of all pending outbox items in FIFO order
  3. Pull of remote changes since the last sync
  4. Cleanup of old processed outbox rows`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[sync] ", log.LstdFlags)

		eng, db, err := openEngine(nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()

		fmt.Printf("%s Checking connection...\n", ui.RenderAccent("→"))
		if err := eng.Health().TestConnection(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s Remote API unreachable: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		start := time.Now()
		result, err := eng.TriggerSync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "%s Sync aborted: %v\n", ui.RenderFail("✗"), result.Err)
			os.Exit(1)
		}

		if result.Success {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		} else {
			fmt.Printf("%s Sync finished with failures\n", ui.RenderWarn("⚠"))
		}
		fmt.Printf("   Pushed: %d\n", result.Pushed)
		fmt.Printf("   Pulled: %d\n", result.Pulled)
		if len(result.ItemErrors) > 0 {
			fmt.Printf("   Failed: %d (will retry next cycle)\n", len(result.ItemErrors))
			for _, itemErr := range result.ItemErrors {
				fmt.Printf("     %s %v\n", ui.RenderFaint("-"), itemErr)
			}
			os.Exit(1)
		}
	},
}
