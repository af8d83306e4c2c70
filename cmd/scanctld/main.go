// Command scanctld is the control-plane daemon: it owns the serial port,
// the probe session, and the unix-socket HTTP server scanctl and
// scanrecorder talk to. One instance per scanner.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/threesonic/scancore/internal/config"
	"github.com/threesonic/scancore/internal/daemon"
	"github.com/threesonic/scancore/internal/logger"
)

func main() {
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "scanctld",
		Short: "scancore control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			return daemon.Run(cfg)
		},
	}

	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&logFile, "log-file", "", "also write logs to this file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
