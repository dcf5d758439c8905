package main

import (
	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/etera-expander/internal/config"
	"github.com/thatsimonsguy/etera-expander/internal/logging"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "etera-expander",
	Short: "Heating loop and solar pump controller for the Etera UART expander",
	Long: `etera-expander drives the pumps and valve motors attached to an Etera UART
expander, using loop temperatures from the expander and the heat pump state
read over Modbus.

Run "etera-expander run" for the controller service. The other commands talk
to the expander directly and must not be used while the service is running.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "Path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}

// loadConfig reads the config and sets up logging. Diagnostic commands log
// to the console only.
func loadConfig(toFile bool) config.Config {
	cfg := config.Load(configPath)

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	file := ""
	if toFile {
		file = cfg.LogFile
	}
	logging.Init(config.ParseLogLevel(level), file, true)
	return cfg
}
