// Package cmd holds the pipewatch cobra commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/feynmancraft/pipewatch/internal/config"
	"github.com/feynmancraft/pipewatch/internal/log"
)

// version is set at build time with -ldflags "-X .../cmd.version=v1.2.3".
var version = "dev"

var (
	cfgFile    string
	debugFlag  bool
	backendURL string

	loader     *config.Loader
	logCleanup = func() {}
)

const debugLogFile = "pipewatch-debug.log"

var rootCmd = &cobra.Command{
	Use:   "pipewatch",
	Short: "Follow a multi-agent ADK pipeline as it runs",
	Long: `pipewatch follows a long-running multi-agent pipeline through the ADK
API server's snapshot-based session API and turns the snapshots into stage
progress, span timings and a merged log feed.

Examples:
  pipewatch watch "explain the photoelectric effect"
  pipewatch watch --tui "draw a Feynman diagram for Compton scattering"
  pipewatch serve --open
  pipewatch logs --level warn
  pipewatch history list`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ~/.config/pipewatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "write debug logs to "+debugLogFile)
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "ADK API server URL (overrides backend.url)")
}

func setup(cmd *cobra.Command, _ []string) error {
	if debugFlag || os.Getenv("PIPEWATCH_DEBUG") != "" {
		cleanup, err := log.InitWithTeaLog(debugLogFile, "pipewatch", 1000)
		if err != nil {
			return fmt.Errorf("opening debug log: %w", err)
		}
		logCleanup = cleanup
	}

	l, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if backendURL != "" {
		if err := l.Set("backend.url", backendURL); err != nil {
			return err
		}
	}
	if debugFlag {
		if err := l.Set("debug", true); err != nil {
			return err
		}
	}
	loader = l

	config.ApplyLogging(l.Config())
	l.Watch(func(_, next config.Config) {
		config.ApplyLogging(next)
	})

	log.Debug(log.CatConfig, "Starting", "command", cmd.Name(), "version", version)
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	logCleanup()
	logCleanup = func() {}
	return nil
}
