package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-gdb/internal/config"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/metrics"
	"github.com/ctagard/dap-gdb/internal/version"
)

// app carries what every subcommand needs once the persistent flags have
// been applied.
type app struct {
	log *logging.Logger
	cfg *config.Config

	configPath  string
	logFormat   string
	metricsAddr string
	levelFlag   *logging.LevelFlagValue
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dap-gdb",
		Short: "Debug Adapter Protocol server for gdb",
		Long: `dap-gdb drives gdb through its machine interface and speaks the Debug
Adapter Protocol to editors. The mcp command exposes the same sessions as
Model Context Protocol tools for agents.`,
		Version:           version.String(),
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	fs := rootCmd.PersistentFlags()
	fs.StringVar(&a.configPath, "config", "", "Path to a YAML or JSON configuration file")
	fs.StringVar(&a.logFormat, "log-format", "", "Log format: 'console' or 'json' (default from config)")
	fs.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	a.levelFlag = a.log.AddLevelFlag(fs)

	rootCmd.AddCommand(newServeCommand(a))
	rootCmd.AddCommand(newMCPCommand(a))
	rootCmd.AddCommand(newMICommand(a))
	rootCmd.AddCommand(newVersionCommand(a))
	return rootCmd
}

// setup loads the configuration and applies it under the command line flags.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	format := cfg.Log.Format
	if a.logFormat != "" {
		format = a.logFormat
	}
	if format != logging.FormatConsole && format != logging.FormatJSON {
		return fmt.Errorf("invalid log format %q", format)
	}
	level := a.log.Level()
	if !a.levelFlag.Changed() {
		if err := a.log.SetLevelString(cfg.Log.Level); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		level = a.log.Level()
	}
	if format != logging.FormatConsole {
		a.log.Flush()
		a.log = logging.New("dap-gdb", format)
	}
	a.log.SetLevel(level)

	addr := cfg.Metrics.Listen
	if a.metricsAddr != "" {
		addr = a.metricsAddr
	}
	if addr != "" {
		go func() {
			if err := metrics.Serve(cmd.Context(), addr, a.log.WithName("metrics")); err != nil {
				a.log.Error(err, "Metrics server stopped", "address", addr)
			}
		}()
	}
	return nil
}
