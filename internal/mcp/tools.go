package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	s.registerDebugLaunch()
	s.registerDebugAttach()
	s.registerDebugDisconnect()
	s.registerDebugListSessions()
	s.registerDebugListConfigs()

	s.registerDebugSnapshot()
	s.registerDebugEvaluate()
	s.registerDebugDisassemble()

	if s.config.CanUseControlTools() {
		s.registerDebugBreakpoints()
		s.registerDebugStep()
		s.registerDebugContinue()
		s.registerDebugPause()
		s.registerDebugSetVariable()
		s.registerDebugRunToLine()
		s.registerDebugExecuteCommand()
	}
}

func withSessionID() mcp.ToolOption {
	return mcp.WithString("sessionId", mcp.Required(), mcp.Description("The session ID"))
}

// launchJSONOptions are the parameters that select a launch.json
// configuration of the given request type.
func launchJSONOptions(request string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json. Discovered upward from workspace when omitted."),
		),
		mcp.WithString("configName",
			mcp.Description("Name of a gdb or cppdbg "+request+" configuration in launch.json. Explicit arguments override its fields."),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace folder for ${workspaceFolder} and launch.json discovery"),
		),
		mcp.WithString("inputValues",
			mcp.Description("JSON object of values for ${input:...} variables"),
		),
	}
}

// Session Management Tools

func (s *Server) registerDebugLaunch() {
	tool := mcp.NewTool("debug_launch", append([]mcp.ToolOption{
		mcp.WithDescription("Launch a program under gdb. Use direct arguments OR reference a VS Code launch.json gdb/cppdbg configuration. Returns the sessionId needed by all other tools. Use stopOnEntry=true to stop at the beginning of main."),
		mcp.WithString("program",
			mcp.Description("Path to the executable. Not required if configName is provided."),
		),
		mcp.WithString("args",
			mcp.Description("JSON array of program arguments, e.g. [\"--verbose\", \"input.txt\"]"),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the program"),
		),
		mcp.WithString("env",
			mcp.Description("JSON object of environment variables, e.g. {\"LD_LIBRARY_PATH\": \"/opt/lib\"}"),
		),
		mcp.WithBoolean("stopOnEntry",
			mcp.Description("Stop at the beginning of main (default: false)"),
		),
		mcp.WithString("breakpoints",
			mcp.Description("JSON object of breakpoints to set before the program starts, keyed by file: {\"/src/main.c\": [{\"line\": 12}]}"),
		),
		mcp.WithString("functionBreakpoints",
			mcp.Description("JSON array of function names to break on before the program starts, e.g. [\"abort\"]"),
		),
	}, launchJSONOptions("launch")...)...)
	s.mcpServer.AddTool(tool, s.handleDebugLaunch)
}

func (s *Server) registerDebugAttach() {
	tool := mcp.NewTool("debug_attach", append([]mcp.ToolOption{
		mcp.WithDescription("Attach gdb to a running process (pid) or a gdbserver target (target, e.g. 'localhost:2345'). Can also use a launch.json attach configuration. The program stays stopped after attaching."),
		mcp.WithNumber("pid",
			mcp.Description("Process ID to attach to"),
		),
		mcp.WithString("target",
			mcp.Description("Remote gdbserver target for 'target remote', e.g. 'localhost:2345'"),
		),
		mcp.WithString("program",
			mcp.Description("Executable with symbols for the attached process (optional for local processes)"),
		),
	}, launchJSONOptions("attach")...)...)
	s.mcpServer.AddTool(tool, s.handleDebugAttach)
}

func (s *Server) registerDebugDisconnect() {
	tool := mcp.NewTool("debug_disconnect",
		mcp.WithDescription("Disconnect from a debug session"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID to disconnect from"),
		),
		mcp.WithBoolean("terminateDebuggee",
			mcp.Description("Kill the debugged process (default: true for launched programs, false for attached ones)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugDisconnect)
}

func (s *Server) registerDebugListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List all active debug sessions"),
	)
	s.mcpServer.AddTool(tool, s.handleDebugListSessions)
}

func (s *Server) registerDebugListConfigs() {
	tool := mcp.NewTool("debug_list_configs",
		mcp.WithDescription("List the configurations of a VS Code launch.json and whether gdb can run them."),
		mcp.WithString("configPath",
			mcp.Description("Path to launch.json file. Auto-discovers from workspace if not provided."),
		),
		mcp.WithString("workspace",
			mcp.Description("Directory to start launch.json discovery from (default: current directory)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugListConfigs)
}

// Inspection Tools

func (s *Server) registerDebugSnapshot() {
	tool := mcp.NewTool("debug_snapshot",
		mcp.WithDescription("Get the complete debug state in ONE call: stop reason, threads, stack traces, scopes and variables of the top frames, and recent program output. This is the primary inspection tool."),
		withSessionID(),
		mcp.WithNumber("threadId",
			mcp.Description("Specific thread ID, or omit for all threads"),
		),
		mcp.WithNumber("maxStackDepth",
			mcp.Description("Maximum stack depth to return per thread (default: 10)"),
		),
		mcp.WithNumber("scopeFrames",
			mcp.Description("Number of top frames whose scopes are included (default: 1)"),
		),
		mcp.WithBoolean("expandVariables",
			mcp.Description("Include the variables of each scope (default: true)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSnapshot)
}

func (s *Server) registerDebugEvaluate() {
	tool := mcp.NewTool("debug_evaluate",
		mcp.WithDescription("Evaluate one or more C/C++ expressions in the current debug context. Supports a single expression OR batch mode."),
		withSessionID(),
		mcp.WithString("expression",
			mcp.Description("Single expression to evaluate (e.g., 'p->next', 'sizeof(buf)', 'x + y')"),
		),
		mcp.WithString("expressions",
			mcp.Description("JSON array of expressions for batch evaluation: [\"x\", \"y\", \"arr[3]\"]"),
		),
		mcp.WithNumber("frameId",
			mcp.Description("Stack frame ID for context (default: top frame of the stopped thread)"),
		),
		mcp.WithString("context",
			mcp.Description("Evaluation context: 'hover', 'watch' or 'repl' (default: 'hover'). Watch expressions are tracked across stops."),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugEvaluate)
}

func (s *Server) registerDebugDisassemble() {
	tool := mcp.NewTool("debug_disassemble",
		mcp.WithDescription("Disassemble machine instructions around a memory reference, or around the current instruction pointer when none is given."),
		withSessionID(),
		mcp.WithString("memoryReference",
			mcp.Description("Address or memory reference (e.g., '0x401136'). Default: pc of the top frame."),
		),
		mcp.WithNumber("instructionOffset",
			mcp.Description("Offset in instructions from the reference, may be negative (default: 0)"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of instructions (default: 20)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugDisassemble)
}

// Control Tools (Full mode only)

func (s *Server) registerDebugBreakpoints() {
	tool := mcp.NewTool("debug_breakpoints",
		mcp.WithDescription("Set source breakpoints in a file, or function breakpoints. This REPLACES the existing set: include all desired breakpoints of the file in each call."),
		withSessionID(),
		mcp.WithString("path",
			mcp.Description("The source file path (for source breakpoints)"),
		),
		mcp.WithString("breakpoints",
			mcp.Description("JSON array of breakpoints: [{line: number, condition?: string, hitCondition?: string, logMessage?: string}]"),
		),
		mcp.WithString("functions",
			mcp.Description("JSON array of function breakpoints, replacing all previous ones: [\"main\", {\"name\": \"free\", \"condition\": \"ptr == 0\"}]"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugBreakpoints)
}

func (s *Server) registerDebugStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Step the program and wait for it to stop. type='over' steps to the next line, 'into' enters calls, 'out' finishes the current function, 'back' steps backwards (needs gdb.reverse)."),
		withSessionID(),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Step type: 'over', 'into', 'out' or 'back'"),
		),
		mcp.WithNumber("threadId",
			mcp.Description("The thread to step (default: the thread of the last stop)"),
		),
		mcp.WithString("granularity",
			mcp.Description("'line' (default) or 'instruction'"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugStep)
}

func (s *Server) registerDebugContinue() {
	tool := mcp.NewTool("debug_continue",
		mcp.WithDescription("Resume the program. With wait=true, blocks until the next stop or exit and reports it."),
		withSessionID(),
		mcp.WithNumber("threadId",
			mcp.Description("The thread to continue (default: the thread of the last stop)"),
		),
		mcp.WithBoolean("reverse",
			mcp.Description("Run backwards to the previous stop (needs gdb.reverse)"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the program to stop again (default: false)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugContinue)
}

func (s *Server) registerDebugPause() {
	tool := mcp.NewTool("debug_pause",
		mcp.WithDescription("Interrupt the running program and report where it stopped."),
		withSessionID(),
		mcp.WithNumber("threadId",
			mcp.Description("The thread to pause; gdb interrupts all threads"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugPause)
}

func (s *Server) registerDebugSetVariable() {
	tool := mcp.NewTool("debug_set_variable",
		mcp.WithDescription("Modify the value of a variable. Use variablesReference from debug_snapshot to identify its scope or parent."),
		withSessionID(),
		mcp.WithNumber("variablesReference",
			mcp.Required(),
			mcp.Description("The variables reference containing the variable (from debug_snapshot)"),
		),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("The variable name to modify"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("The new value, as a C expression"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugSetVariable)
}

func (s *Server) registerDebugRunToLine() {
	tool := mcp.NewTool("debug_run_to_line",
		mcp.WithDescription("Run until execution reaches a line. Adds a temporary breakpoint, continues, waits for the stop and restores the file's breakpoints."),
		withSessionID(),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("The source file path"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("The line number to run to"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugRunToLine)
}

func (s *Server) registerDebugExecuteCommand() {
	tool := mcp.NewTool("debug_execute_command",
		mcp.WithDescription("Execute a gdb console command and return its output. Examples: 'info registers rip', 'x/8xw $sp', 'info sharedlibrary'."),
		withSessionID(),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The gdb command to execute"),
		),
		mcp.WithNumber("frameId",
			mcp.Description("Stack frame ID for context (default: top frame of the stopped thread)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleDebugExecuteCommand)
}
