package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zde37/kvring/internal/config"
	"github.com/zde37/kvring/pkg"
)

var (
	cfg = config.DefaultConfig()

	// client flags
	target     string
	apiURL     string
	hexKey     bool
	rpcTimeout = cfg.RPCTimeout
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvring",
		Short: "A replicated ring-structured key-value store",
		Long: `kvring runs a node of a ring-structured key-value store. Nodes own the
arc of the identifier ring that ends at their own identifier and replicate
every write to their ring neighbours.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, console)")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(clientCommands()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
