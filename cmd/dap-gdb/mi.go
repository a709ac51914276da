package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/mi"
)

// consoleClasses are the async records the console prints as they arrive.
var consoleClasses = []string{
	"stopped", "running",
	"thread-group-added", "thread-group-started", "thread-group-exited",
	"thread-created", "thread-exited",
	"library-loaded", "library-unloaded",
	"breakpoint-created", "breakpoint-modified", "breakpoint-deleted",
	"cmd-param-changed", "memory-changed",
}

func newMICommand(a *app) *cobra.Command {
	var gdbPath string
	cmd := &cobra.Command{
		Use:   "mi [program]",
		Short: "Interactive gdb/MI console showing parsed records",
		Long: `Start gdb and read MI or CLI commands from the terminal. Results and
async records are printed in their decoded form, which helps when checking
how a gdb version reports something.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := gdb.Options{Path: a.cfg.GDB.Path, Args: a.cfg.GDB.Args}
			if gdbPath != "" {
				opts.Path = gdbPath
			}

			history := ""
			if home, err := os.UserHomeDir(); err == nil {
				history = filepath.Join(home, ".dap-gdb-mi-history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "(mi) ",
				HistoryFile:     history,
				InterruptPrompt: "^C",
				EOFPrompt:       "quit",
			})
			if err != nil {
				return err
			}
			defer rl.Close()
			out := rl.Stdout()

			t := gdb.NewTransport(a.log.WithName("mi"))
			t.OnOutput(func(o gdb.Output) {
				fmt.Fprintf(out, "[%s] %s", o.Stream, o.Text)
			})
			for _, class := range consoleClasses {
				t.Subscribe(class, func(r mi.Record) {
					fmt.Fprintln(out, formatRecord(r))
				})
			}
			if err := t.Start(ctx, opts); err != nil {
				return err
			}
			defer t.Close()

			if len(args) == 1 {
				if _, err := t.Execute(ctx, "-file-exec-and-symbols "+mi.EscapeCString(args[0])); err != nil {
					fmt.Fprintln(out, "error:", err)
				}
			}

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
					continue
				case "quit", "-gdb-exit":
					return nil
				}

				r, err := t.Execute(ctx, line)
				if err != nil && !r.IsError() {
					fmt.Fprintln(out, "error:", err)
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				fmt.Fprintln(out, formatRecord(r))
			}
		},
	}
	cmd.Flags().StringVar(&gdbPath, "gdb", "", "gdb binary (default from config)")
	return cmd
}

// formatRecord renders a record as "^class key=value ..." with the payload
// re-encoded in MI syntax.
func formatRecord(r mi.Record) string {
	prefix := "^"
	if r.Type == mi.TypeNotify {
		prefix = string(r.Async)
	}
	payload := ""
	if r.Payload != nil && r.Payload.Len() > 0 {
		payload = "," + r.Payload.Encode()
	}
	return fmt.Sprintf("%s%s%s", prefix, r.Class, payload)
}
