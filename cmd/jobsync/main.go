// Command jobsync is the synchronization CLI for the job-application
// tracker: it drains the local change outbox to the remote API, pulls remote
// deltas, and can run as a background daemon with a live dashboard.
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sykios/JobManager-sub002/internal/authfile"
	"github.com/Sykios/JobManager-sub002/internal/engine"
	"github.com/Sykios/JobManager-sub002/internal/store"
	"github.com/Sykios/JobManager-sub002/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jobsync",
	Short: "Offline-first sync for the job-application tracker",
	Long: `jobsync keeps the local job-application database reconciled with the
remote API. Local changes are recorded in a durable outbox and pushed
whenever connectivity allows; remote changes are pulled and applied by
cloud-id, so the tracker stays fully usable offline.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.jobsync/config.yaml)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(retryCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("JOBSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("api_url", "http://localhost:8080/api")
	viper.SetDefault("db_path", filepath.Join(configDir(), "jobs.db"))
	viper.SetDefault("auth_file", filepath.Join(configDir(), "tokens.json"))
	viper.SetDefault("sync_interval", 5*time.Minute)
	viper.SetDefault("retry_interval", 30*time.Second)
	viper.SetDefault("retention_days", 7)
	viper.SetDefault("dashboard_port", 8090)
	viper.SetDefault("log_file", "")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: could not read config: %v\n", err)
		}
	}
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jobsync"
	}
	return filepath.Join(home, ".jobsync")
}

// openEngine wires the database, auth provider, transport, and engine from
// the effective configuration. Callers must Close the returned DB.
func openEngine(events engine.Events, logger *log.Logger) (*engine.Engine, *store.DB, error) {
	db, err := store.Open(viper.GetString("db_path"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	apiURL := viper.GetString("api_url")
	auth, err := authfile.New(viper.GetString("auth_file"), apiURL, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	client := transport.New(apiURL, auth, &transport.Config{Logger: logger})

	eng := engine.New(db, client, &engine.Config{
		Retention: time.Duration(viper.GetInt("retention_days")) * 24 * time.Hour,
		Logger:    logger,
		Events:    events,
	})
	return eng, db, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
