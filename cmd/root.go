// Package cmd contains the filerelay command definitions.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"filerelay/config"
)

var (
	logLevel string
	logJSON  bool

	// Loaded once per invocation by the root pre-run hook.
	appConfig *config.Config
	dataDir   string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "filerelay",
	Short: "Chunked, passphrase-encrypted file transfer between peers",
	Long: `filerelay moves files between two peers as sequenced chunks, optionally
encrypted under a passphrase, and recovers lost chunks with resend requests.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupRuntime,
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
}

func setupRuntime(cmd *cobra.Command, args []string) error {
	if err := configureLogging(logLevel, logJSON); err != nil {
		return err
	}

	cfg, cfgPath, dir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	appConfig = cfg
	dataDir = dir

	logrus.WithFields(logrus.Fields{
		"config":    cfgPath,
		"device_id": cfg.DeviceID,
	}).Debug("configuration loaded")
	return nil
}

func configureLogging(level string, asJSON bool) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(parsed)
	logrus.SetOutput(os.Stderr)

	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
