package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-gdb/internal/version"
)

func newVersionCommand(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dap-gdb %s\n", version.String())
			if !check {
				return nil
			}
			info := version.NewChecker().CheckForUpdates(cmd.Context())
			switch {
			case info.Error != "":
				a.log.V(1).Info("Update check failed", "error", info.Error)
				return fmt.Errorf("checking for updates: %s", info.Error)
			case info.UpdateAvailable:
				fmt.Fprintln(out, info.UpdateMessage())
			default:
				fmt.Fprintln(out, "Up to date.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check GitHub for a newer release")
	return cmd
}
