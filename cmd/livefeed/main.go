// Command livefeed watches a live room's chat relay and republishes the
// decoded feed over a console, a REST/WebSocket API, MQTT and Prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/util"
)

const banner = `
  _ _           __              _
 | (_)_   _____/ _| ___  ___  __| |
 | | \ \ / / _ \ |_ / _ \/ _ \/ _' |
 | | |\ V /  __/  _|  __/  __/ (_| |
 |_|_| \_/ \___|_|  \___|\___|\__,_|  v%s
`

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "livefeed",
		Short: "Live room chat relay client",
		Long: `livefeed connects to a live room's chat relay, decodes the
binary frame stream into chat, gift and room-enter events and
republishes them to the console, a REST/WebSocket API and MQTT.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultConfigDir, "configuration directory")

	rootCmd.AddCommand(
		runCmd(),
		watchCmd(),
		signCmd(),
		setupCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and reconfigures the logger from it.
func loadConfig(console bool) (*config.Config, error) {
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		return nil, fmt.Errorf("failed to reconfigure logger: %w", err)
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livefeed %s\n", util.Version)
		},
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively edit the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
