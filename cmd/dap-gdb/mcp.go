package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-gdb/internal/config"
	"github.com/ctagard/dap-gdb/internal/debugger"
	"github.com/ctagard/dap-gdb/internal/mcp"
	"github.com/ctagard/dap-gdb/internal/server"
	"github.com/ctagard/dap-gdb/internal/version"
)

func newMCPCommand(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Expose gdb debug sessions as MCP tools over stdio",
		Long: `Expose gdb debug sessions as Model Context Protocol tools over stdio.

Sessions talk DAP to an in-process server unless server.backendAddress
names an external one. In readonly mode only the session and inspection
tools are registered.

Example MCP client entry:

    {"mcpServers": {"gdb": {"command": "dap-gdb", "args": ["mcp", "--mode", "full"]}}}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if mode != "" {
				a.cfg.Mode = config.CapabilityMode(mode)
				if err := a.cfg.Validate(); err != nil {
					return err
				}
			}
			return runMCP(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Capability mode: 'readonly' or 'full' (default from config)")
	return cmd
}

func runMCP(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.log.WithName("mcp")

	backend := server.New(serverOptions(a))
	sessions := debugger.NewManager(debugger.ManagerOptions{
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
		BackendAddress: cfg.Server.BackendAddress,
		// The backend outlives the request that first needs it.
		StartBackend: func(context.Context) (string, error) {
			return backend.Start(ctx)
		},
		Session: debugger.Options{
			ConnectRetries: cfg.Server.ConnectRetries,
			RetryInterval:  cfg.Server.RetryInterval,
		},
		Log: a.log.WithName("sessions"),
	})

	go func() {
		if msg := version.NewChecker().CheckForUpdates(ctx).UpdateMessage(); msg != "" {
			log.Info(msg)
		}
	}()

	srv := mcp.NewServer(cfg, sessions, log)
	log.Info("MCP server starting", "version", version.String(), "mode", cfg.Mode)
	err := srv.ServeStdio()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Close(closeCtx)
	if err != nil {
		return fmt.Errorf("MCP server: %w", err)
	}
	return nil
}
