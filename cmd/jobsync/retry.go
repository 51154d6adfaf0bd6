package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sykios/JobManager-sub002/internal/ui"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-probe the remote API after an outage",
	Long: `Re-test the connection to the remote API.

On success, sync is re-enabled and a catch-up full sync runs immediately.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[retry] ", log.LstdFlags)

		eng, db, err := openEngine(nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if eng.RetryConnection(context.Background()) {
			fmt.Printf("%s Connection restored, sync re-enabled\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("%s Remote API still unreachable\n", ui.RenderWarn("⚠"))
		os.Exit(1)
	},
}
