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

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current sync status",
	Long: `Display a snapshot of the sync engine's state.

Shows:
  - Whether sync is enabled and the remote reachable
  - Pending outbox items waiting to push
  - When the last successful sync ran`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[status] ", log.LstdFlags)

		eng, db, err := openEngine(nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		status, err := eng.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read status: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s\n", ui.RenderAccent("Sync status"))
		fmt.Printf("   Enabled:    %s\n", yesNo(status.SyncEnabled))
		fmt.Printf("   Reachable:  %s\n", yesNo(status.SyncAvailable))
		if status.IsOnline {
			fmt.Printf("   Mode:       %s\n", ui.RenderPass("online"))
		} else {
			fmt.Printf("   Mode:       %s\n", ui.RenderWarn("offline"))
		}
		fmt.Printf("   Pending:    %d item(s)\n", status.PendingItems)
		if status.SyncInProgress {
			fmt.Printf("   In flight:  %s\n", ui.RenderAccent("sync running now"))
		}
		if status.HasSynced {
			fmt.Printf("   Last sync:  %s (%s ago)\n",
				status.LastSync.Local().Format(time.RFC1123),
				time.Since(status.LastSync).Round(time.Second))
		} else {
			fmt.Printf("   Last sync:  %s\n", ui.RenderFaint("never"))
		}
		fmt.Println()
	},
}

func yesNo(b bool) string {
	if b {
		return ui.RenderPass("yes")
	}
	return ui.RenderWarn("no")
}
