package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Sykios/JobManager-sub002/internal/outbox"
	"github.com/Sykios/JobManager-sub002/internal/payload"
	"github.com/Sykios/JobManager-sub002/internal/store"
	"github.com/Sykios/JobManager-sub002/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <table> <record-id> <create|update|delete> [fields-json]",
	Short: "Append a local change to the outbox",
	Long: `Append one local mutation to the durable outbox.

This is the hook the tracker's record services call after every committed
local write; it is exposed on the CLI for scripting and testing. The fields
JSON is wrapped in the versioned payload envelope before storage.

Examples:
  jobsync enqueue applications 42 create '{"company":"Acme","role":"SRE"}'
  jobsync enqueue reminders 7 delete`,
	Args: cobra.RangeArgs(3, 4),
	Run: func(cmd *cobra.Command, args []string) {
		table := args[0]
		if !store.IsSyncTable(table) {
			fmt.Fprintf(os.Stderr, "Error: %q is not a syncable table (want one of %v)\n", table, store.SyncTables)
			os.Exit(1)
		}

		recordID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: record id must be an integer: %v\n", err)
			os.Exit(1)
		}

		op := outbox.Operation(args[2])
		if !op.Valid() {
			fmt.Fprintf(os.Stderr, "Error: invalid operation %q (want create, update, or delete)\n", args[2])
			os.Exit(1)
		}

		var data []byte
		if len(args) == 4 {
			var fields json.RawMessage
			if err := json.Unmarshal([]byte(args[3]), &fields); err != nil {
				fmt.Fprintf(os.Stderr, "Error: fields must be valid JSON: %v\n", err)
				os.Exit(1)
			}
			data, err = payload.Wrap(fields)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to wrap payload: %v\n", err)
				os.Exit(1)
			}
		} else if op != outbox.OpDelete {
			fmt.Fprintf(os.Stderr, "Error: %s requires a fields JSON argument\n", op)
			os.Exit(1)
		}

		logger := log.New(os.Stderr, "[enqueue] ", log.LstdFlags)
		eng, db, err := openEngine(nil, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := eng.Outbox().Enqueue(context.Background(), table, recordID, op, data); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		pending, _ := eng.Outbox().PendingCount(context.Background())
		fmt.Printf("%s Queued %s %s/%d (%d pending)\n", ui.RenderPass("✓"), op, table, recordID, pending)
	},
}
