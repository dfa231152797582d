// Command datacore runs the data service: "datacore host" supervises a
// "datacore worker" child process and serves the host API.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fluxorio/datacore/pkg/config"
	"github.com/fluxorio/datacore/pkg/core"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "datacore",
		Short:         "datacore - supervised background data service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DATACORE_CONFIG"),
		"Path to a YAML or JSON config file (DATACORE_* env vars override it)")

	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(workerCmd())
	return rootCmd
}

func loadConfig() (config.App, error) {
	cfg, err := config.LoadApp(configPath)
	if err != nil {
		return config.App{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(format string, out io.Writer, component string) core.Logger {
	if format == "json" {
		return core.NewJSONLogger(out, component)
	}
	return core.NewWriterLogger(out, os.Stderr)
}
