package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Sykios/JobManager-sub002/internal/daemon"
	"github.com/Sykios/JobManager-sub002/internal/dashboard"
	"github.com/Sykios/JobManager-sub002/internal/engine"
	"github.com/Sykios/JobManager-sub002/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon with a live dashboard",
	Long: `Run jobsync in the foreground as a daemon.

The daemon:
  1. Performs an initial full sync when the remote is reachable
  2. Syncs on a configurable interval (sync_interval)
  3. Re-probes the connection during outages (retry_interval)
  4. Serves a WebSocket dashboard with live sync events
  5. Reloads sync_interval when the config file changes

On Ctrl+C, pending changes can be flushed before exit.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newDaemonLogger()

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = viper.GetInt("dashboard_port")
		}

		server := dashboard.NewServer(&dashboard.Config{Port: port, Logger: logger})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}
		defer server.Stop()

		handler := dashboard.NewHandler(server, logger)

		eng, db, err := openEngine(handler, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		d, err := daemon.New(eng, &daemon.Config{
			SyncInterval:  viper.GetDuration("sync_interval"),
			RetryInterval: viper.GetDuration("retry_interval"),
			Logger:        logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Hot-reload the sync interval when the config file changes
		viper.OnConfigChange(func(e fsnotify.Event) {
			logger.Printf("Config changed: %s", e.Name)
			d.SetInterval(viper.GetDuration("sync_interval"))
		})
		viper.WatchConfig()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println()
			cancel()
		}()

		fmt.Printf("%s Sync daemon started\n", ui.RenderPass("✓"))
		fmt.Printf("   Dashboard: http://localhost:%d\n", port)
		fmt.Printf("   WebSocket: ws://localhost:%d/ws\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}

		flushOnExit(eng)
	},
}

func init() {
	daemonCmd.Flags().Int("port", 0, "dashboard port (default: dashboard_port config)")
}

// newDaemonLogger routes daemon logs to a rotating file when log_file is
// configured, otherwise to stderr.
func newDaemonLogger() *log.Logger {
	logFile := viper.GetString("log_file")
	if logFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	var out io.Writer = &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	return log.New(out, "[daemon] ", log.LstdFlags)
}

// flushOnExit offers to sync pending changes before the process exits.
func flushOnExit(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	status, err := eng.Status(ctx)
	if err != nil || status.PendingItems == 0 {
		return
	}

	confirm := true
	prompt := huh.NewConfirm().
		Title(fmt.Sprintf("Sync %d pending change(s) before exiting?", status.PendingItems)).
		Value(&confirm)
	if err := prompt.Run(); err != nil || !confirm {
		fmt.Printf("%s Pending changes will sync on next start\n", ui.RenderWarn("⚠"))
		return
	}

	result := eng.ShutdownSync(ctx, func(step string) {
		fmt.Printf("%s %s\n", ui.RenderAccent("→"), step)
	})
	if result.Success {
		fmt.Printf("%s All changes synced\n", ui.RenderPass("✓"))
	} else {
		fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), result.Message)
	}
}
