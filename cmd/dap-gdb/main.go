// Command dap-gdb serves gdb over the Debug Adapter Protocol and exposes
// debug sessions to agents as MCP tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ctagard/dap-gdb/internal/logging"
)

func main() {
	a := &app{log: logging.New("dap-gdb", logging.FormatConsole)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand(a).ExecuteContext(ctx)
	stop()
	a.log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
