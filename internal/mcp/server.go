// Package mcp exposes gdb debug sessions as Model Context Protocol tools.
//
// Session management (always available):
//   - debug_launch: launch a program under gdb
//   - debug_attach: attach to a process or a gdbserver target
//   - debug_disconnect: end a session
//   - debug_list_sessions: list active sessions
//   - debug_list_configs: list the gdb configurations of a launch.json
//
// Inspection (always available):
//   - debug_snapshot: threads, stacks, scopes, variables and recent output
//   - debug_evaluate: evaluate expressions in a frame
//   - debug_disassemble: disassemble around an address or the current pc
//
// Control (full mode only):
//   - debug_breakpoints: replace the breakpoints of a file or the function breakpoints
//   - debug_step: step over, into, out or back
//   - debug_continue: resume, optionally in reverse
//   - debug_pause: interrupt the program
//   - debug_set_variable: modify a variable
//   - debug_run_to_line: continue to a line and report the stop
//   - debug_execute_command: run a gdb console command
package mcp

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ctagard/dap-gdb/internal/config"
	"github.com/ctagard/dap-gdb/internal/debugger"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/version"
)

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	sessions  *debugger.Manager
	config    *config.Config
	log       logr.Logger
}

// NewServer creates the MCP server over a session manager. The manager is
// closed with the server.
func NewServer(cfg *config.Config, sessions *debugger.Manager, log logr.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"dap-gdb",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		sessions:  sessions,
		config:    cfg,
		log:       logging.OrDiscard(log),
	}
	s.registerTools()
	return s
}

// ServeStdio serves MCP over stdin and stdout until the client goes away.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close terminates every debug session.
func (s *Server) Close(ctx context.Context) {
	s.sessions.Close(ctx)
}

// MCPServer returns the underlying server, for transports other than stdio.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}
