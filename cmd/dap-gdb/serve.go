package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-gdb/internal/config"
	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		listen string
		stdio  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Debug Adapter Protocol",
		Long: `Serve the Debug Adapter Protocol. Every connection gets its own gdb.
With --stdio a single client is served over stdin and stdout, the way
editors start debug adapters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := server.New(serverOptions(a))
			if stdio {
				a.log.Info("Serving DAP on stdio")
				return srv.ServeStdio(cmd.Context(), os.Stdin, os.Stdout)
			}
			if listen == "" {
				listen = a.cfg.Server.Listen
			}
			return srv.ListenAndServe(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP address to listen on (default from config, "+config.DefaultConfig().Server.Listen+")")
	cmd.Flags().BoolVar(&stdio, "stdio", false, "Serve one client over stdin and stdout")
	cmd.MarkFlagsMutuallyExclusive("listen", "stdio")
	return cmd
}

func serverOptions(a *app) server.Options {
	return server.Options{
		GDB:             gdb.Options{Path: a.cfg.GDB.Path, Args: a.cfg.GDB.Args},
		StartupCommands: a.cfg.GDB.StartupCommands,
		Reverse:         a.cfg.GDB.Reverse,
		RequestTimeout:  a.cfg.Server.RequestTimeout,
		Log:             a.log.WithName("dap"),
	}
}
