package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/dap-gdb/internal/debugger"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/launchconfig"
	"github.com/ctagard/dap-gdb/pkg/types"
)

// stopTimeout bounds how long control tools wait for the program to stop.
const stopTimeout = 30 * time.Second

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(dgerrors.FromError(err).Error()), nil
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// decodeJSONParam decodes an optional JSON-encoded string argument. It
// reports false when the argument is absent.
func decodeJSONParam(request mcp.CallToolRequest, name, example string, v any) (bool, error) {
	raw, err := request.RequireString(name)
	if err != nil || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, dgerrors.InvalidJSON(name, err, example)
	}
	return true, nil
}

func optionalInt(request mcp.CallToolRequest, name string, def int) int {
	if f, err := request.RequireFloat(name); err == nil {
		return int(f)
	}
	return def
}

func (s *Server) getSession(request mcp.CallToolRequest) (*debugger.Entry, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, dgerrors.MissingParameter("sessionId", "Provide the sessionId returned from debug_launch or debug_attach. Use debug_list_sessions to see active sessions.")
	}
	e, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if e.Session.State() == debugger.StateTerminated {
		return e, dgerrors.SessionTerminated(sessionID)
	}
	return e, nil
}

// Session Management Handlers

func (s *Server) handleDebugLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanSpawn() {
		return toolError(dgerrors.PermissionDenied("spawn", string(s.config.Mode)))
	}
	if configName, _ := request.RequireString("configName"); configName != "" {
		return s.handleConfigBasedStart(ctx, request, configName, types.SessionKindLaunch)
	}

	program, err := request.RequireString("program")
	if err != nil || program == "" {
		return toolError(dgerrors.MissingParameter("program",
			"Specify the path to the executable to debug, built with -g. Alternatively, use configName to load from launch.json."))
	}

	args := map[string]any{"program": program}
	if cwd, err := request.RequireString("cwd"); err == nil && cwd != "" {
		args["cwd"] = cwd
	}
	var programArgs []string
	if ok, err := decodeJSONParam(request, "args", `["--verbose", "input.txt"]`, &programArgs); err != nil {
		return toolError(err)
	} else if ok {
		args["args"] = programArgs
	}
	var env map[string]string
	if ok, err := decodeJSONParam(request, "env", `{"LD_LIBRARY_PATH": "/opt/lib"}`, &env); err != nil {
		return toolError(err)
	} else if ok {
		args["env"] = env
	}
	stopOnEntry := request.GetBool("stopOnEntry", false)
	if stopOnEntry {
		args["stopOnEntry"] = true
	}

	req := debugger.StartRequest{Kind: types.SessionKindLaunch, Program: program, Args: args}
	if _, err := decodeJSONParam(request, "breakpoints", `{"/src/main.c": [{"line": 12}]}`, &req.Breakpoints); err != nil {
		return toolError(err)
	}
	if _, err := decodeJSONParam(request, "functionBreakpoints", `["abort"]`, &req.Functions); err != nil {
		return toolError(err)
	}
	return s.start(ctx, req, stopOnEntry || len(req.Breakpoints) > 0 || len(req.Functions) > 0)
}

func (s *Server) handleDebugAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanAttach() {
		return toolError(dgerrors.PermissionDenied("attach", string(s.config.Mode)))
	}
	if configName, _ := request.RequireString("configName"); configName != "" {
		return s.handleConfigBasedStart(ctx, request, configName, types.SessionKindAttach)
	}

	pid := optionalInt(request, "pid", 0)
	target, _ := request.RequireString("target")
	if pid <= 0 && target == "" {
		return toolError(dgerrors.MissingParameter("pid",
			"Specify the pid of a local process, or target (host:port) of a gdbserver."))
	}
	args := map[string]any{}
	if pid > 0 {
		args["pid"] = pid
	}
	if target != "" {
		args["target"] = target
	}
	program, _ := request.RequireString("program")
	if program != "" {
		args["program"] = program
	}
	return s.start(ctx, debugger.StartRequest{Kind: types.SessionKindAttach, Program: program, PID: pid, Args: args}, true)
}

// start brings a session up and reports it. When the program is expected
// to stop early, the first stop is waited for briefly and included.
func (s *Server) start(ctx context.Context, req debugger.StartRequest, expectStop bool) (*mcp.CallToolResult, error) {
	e, err := s.sessions.Start(ctx, req)
	if err != nil {
		return toolError(err)
	}
	s.log.Info("Debug session started", "sessionId", e.ID, "kind", req.Kind, "program", req.Program)

	result := map[string]any{"session": e.Info()}
	if expectStop {
		if stop := s.awaitStop(ctx, e, nil, 2*time.Second); stop != nil {
			result["stop"] = stop
		}
	}
	return jsonResult(result)
}

func (s *Server) handleConfigBasedStart(ctx context.Context, request mcp.CallToolRequest, configName string, kind types.SessionKind) (*mcp.CallToolResult, error) {
	lj, launchPath, err := s.loadLaunchJSON(request)
	if err != nil {
		return toolError(dgerrors.ConfigInvalid(configName, err.Error()))
	}
	cfg, err := launchconfig.FindConfiguration(lj, configName)
	if err != nil {
		var names []string
		for _, info := range launchconfig.ListConfigurations(lj) {
			if info.GDB {
				names = append(names, info.Name)
			}
		}
		return toolError(dgerrors.ConfigNotFound(configName, names))
	}
	if (kind == types.SessionKindAttach) != cfg.IsAttachRequest() {
		return toolError(dgerrors.ConfigInvalid(configName,
			fmt.Sprintf("it is a %q configuration; use the matching tool", cfg.Request)))
	}

	var inputs map[string]string
	if _, err := decodeJSONParam(request, "inputValues", `{"testFile": "tests/basic.c"}`, &inputs); err != nil {
		return toolError(err)
	}
	workspace, _ := request.RequireString("workspace")
	if workspace == "" {
		workspace = launchconfig.GetWorkspaceFolder(launchPath)
	}

	overrides := map[string]any{}
	for _, key := range []string{"program", "cwd", "target", "pid", "stopOnEntry"} {
		if v, ok := request.GetArguments()[key]; ok {
			overrides[key] = v
		}
	}
	cfg = launchconfig.MergeOverrides(cfg, overrides)

	resolved, err := launchconfig.ResolveConfiguration(cfg, &launchconfig.ResolutionContext{
		WorkspaceFolder: workspace,
		InputValues:     inputs,
	})
	if err != nil {
		if mie, ok := launchconfig.IsMissingInputsError(err); ok {
			return toolError(dgerrors.ConfigInvalid(configName, mie.Error()).
				WithDetails("missingInputs", mie.Inputs))
		}
		return toolError(dgerrors.ConfigInvalid(configName, err.Error()))
	}
	if resolved.GDBPath != "" && resolved.GDBPath != s.config.GDB.Path {
		s.log.Info("Ignoring miDebuggerPath of launch configuration; gdb.path is used",
			"config", configName, "miDebuggerPath", resolved.GDBPath, "gdbPath", s.config.GDB.Path)
	}

	req := debugger.StartRequest{Kind: kind, Program: resolved.Program, PID: resolved.PID}
	if kind == types.SessionKindAttach {
		req.Args = resolved.AttachArgs()
	} else {
		req.Args = resolved.LaunchArgs()
	}
	return s.start(ctx, req, kind == types.SessionKindAttach || resolved.StopAtEntry)
}

func (s *Server) loadLaunchJSON(request mcp.CallToolRequest) (*launchconfig.LaunchJSON, string, error) {
	if path, _ := request.RequireString("configPath"); path != "" {
		lj, err := launchconfig.LoadFromPath(path)
		return lj, path, err
	}
	workspace, _ := request.RequireString("workspace")
	return launchconfig.LoadAndDiscover(workspace)
}

func (s *Server) handleDebugListConfigs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lj, path, err := s.loadLaunchJSON(request)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]any{
		"path":           path,
		"configurations": launchconfig.ListConfigurations(lj),
	})
}

func (s *Server) handleDebugDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(dgerrors.MissingParameter("sessionId", "The session to disconnect, from debug_list_sessions."))
	}
	e, err := s.sessions.Get(sessionID)
	if err != nil {
		return toolError(err)
	}
	terminate := request.GetBool("terminateDebuggee", e.Kind == types.SessionKindLaunch)
	if err := s.sessions.Terminate(ctx, sessionID, terminate); err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]any{
		"sessionId": sessionID,
		"status":    "disconnected",
		"output":    e.Output.Text(),
	})
}

func (s *Server) handleDebugListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries := s.sessions.List()
	infos := make([]types.SessionInfo, len(entries))
	for i, e := range entries {
		infos[i] = e.Info()
	}
	return jsonResult(map[string]any{"sessions": infos})
}

// Inspection Handlers

// defaultFrame returns the top frame of the thread that stopped last.
func defaultFrame(ctx context.Context, e *debugger.Entry) (int, error) {
	thread, err := defaultThread(ctx, e)
	if err != nil {
		return 0, err
	}
	frames, err := e.Session.StackTrace(ctx, thread)
	if err != nil {
		return 0, err
	}
	if len(frames) == 0 {
		return 0, dgerrors.NoThreads()
	}
	return frames[0].Id, nil
}

// defaultThread returns the thread of the last stop, or the first thread.
func defaultThread(ctx context.Context, e *debugger.Entry) (int, error) {
	if stop, ok := e.Session.LastStop(); ok && stop.ThreadID > 0 {
		return stop.ThreadID, nil
	}
	threads, err := e.Session.Threads(ctx)
	if err != nil {
		return 0, err
	}
	if len(threads) == 0 {
		return 0, dgerrors.NoThreads()
	}
	return threads[0].ID, nil
}

func (s *Server) handleDebugEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanEvaluate() {
		return toolError(dgerrors.PermissionDenied("evaluate", string(s.config.Mode)))
	}
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}

	var expressions []string
	if expr, _ := request.RequireString("expression"); expr != "" {
		expressions = append(expressions, expr)
	}
	var batch []string
	if _, err := decodeJSONParam(request, "expressions", `["x", "p->next"]`, &batch); err != nil {
		return toolError(err)
	}
	expressions = append(expressions, batch...)
	if len(expressions) == 0 {
		return toolError(dgerrors.MissingParameter("expression", "Provide expression, or expressions as a JSON array."))
	}

	evalContext, _ := request.RequireString("context")
	if evalContext == "" {
		evalContext = "hover"
	}
	frameID := optionalInt(request, "frameId", 0)
	if frameID == 0 {
		if frameID, err = defaultFrame(ctx, e); err != nil {
			return toolError(err)
		}
	}

	type evalResult struct {
		Expression string `json:"expression"`
		*types.EvaluateResult
		Error string `json:"error,omitempty"`
	}
	results := make([]evalResult, 0, len(expressions))
	for _, expr := range expressions {
		body, err := e.Session.Evaluate(ctx, expr, frameID, evalContext)
		if err != nil {
			results = append(results, evalResult{Expression: expr, Error: dgerrors.EvaluationFailed(expr, err).Message})
			continue
		}
		results = append(results, evalResult{Expression: expr, EvaluateResult: &types.EvaluateResult{
			Result:             body.Result,
			Type:               body.Type,
			VariablesReference: body.VariablesReference,
			MemoryReference:    body.MemoryReference,
		}})
	}
	if len(results) == 1 {
		if results[0].Error != "" {
			return mcp.NewToolResultError(results[0].Error), nil
		}
		return jsonResult(results[0])
	}
	return jsonResult(map[string]any{"results": results})
}

func (s *Server) handleDebugDisassemble(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	ref, _ := request.RequireString("memoryReference")
	if ref == "" {
		thread, err := defaultThread(ctx, e)
		if err != nil {
			return toolError(err)
		}
		frames, err := e.Session.StackTrace(ctx, thread)
		if err != nil {
			return toolError(err)
		}
		if len(frames) == 0 || frames[0].InstructionPointerReference == "" {
			return toolError(dgerrors.MissingParameter("memoryReference", "The top frame has no instruction pointer; pass an address."))
		}
		ref = frames[0].InstructionPointerReference
	}
	count := optionalInt(request, "count", 20)
	if count <= 0 {
		return toolError(dgerrors.InvalidParameter("count", count, "a positive number"))
	}

	insns, err := e.Session.Disassemble(ctx, ref, optionalInt(request, "instructionOffset", 0), count)
	if err != nil {
		return toolError(err)
	}
	out := make([]types.Instruction, len(insns))
	for i, in := range insns {
		out[i] = types.Instruction{
			Address:     in.Address,
			Bytes:       in.InstructionBytes,
			Instruction: in.Instruction,
			Symbol:      in.Symbol,
			Line:        in.Line,
		}
	}
	return jsonResult(map[string]any{"memoryReference": ref, "instructions": out})
}

// Control Handlers

func (s *Server) handleDebugBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	result := map[string]any{}

	path, _ := request.RequireString("path")
	var bps []debugger.SourceBreakpoint
	hasSource, err := decodeJSONParam(request, "breakpoints", `[{"line": 10}, {"line": 20, "condition": "i > 5"}]`, &bps)
	if err != nil {
		return toolError(err)
	}
	if hasSource {
		if path == "" {
			return toolError(dgerrors.MissingParameter("path", "Source breakpoints need the file path."))
		}
		set, err := e.Session.SetBreakpoints(ctx, path, bps)
		if err != nil {
			return toolError(err)
		}
		result["breakpoints"] = set
	}

	var rawFuncs []json.RawMessage
	hasFuncs, err := decodeJSONParam(request, "functions", `["main", {"name": "free", "condition": "ptr == 0"}]`, &rawFuncs)
	if err != nil {
		return toolError(err)
	}
	if hasFuncs {
		funcs, err := functionBreakpoints(rawFuncs)
		if err != nil {
			return toolError(err)
		}
		set, err := e.Session.SetFunctionBreakpoints(ctx, funcs)
		if err != nil {
			return toolError(err)
		}
		result["functionBreakpoints"] = set
	}

	if !hasSource && !hasFuncs {
		return toolError(dgerrors.MissingParameter("breakpoints", "Provide breakpoints (with path) or functions. An empty array clears them."))
	}
	return jsonResult(result)
}

// functionBreakpoints accepts plain names and objects in one list.
func functionBreakpoints(raw []json.RawMessage) ([]debugger.FunctionBreakpoint, error) {
	out := make([]debugger.FunctionBreakpoint, 0, len(raw))
	for _, r := range raw {
		var name string
		if err := json.Unmarshal(r, &name); err == nil {
			out = append(out, debugger.FunctionBreakpoint{Name: name})
			continue
		}
		var fb debugger.FunctionBreakpoint
		if err := json.Unmarshal(r, &fb); err != nil || fb.Name == "" {
			return nil, dgerrors.InvalidParameter("functions", string(r), "a function name or {\"name\": ...}")
		}
		out = append(out, fb)
	}
	return out, nil
}

func (s *Server) handleDebugStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	stepType, err := request.RequireString("type")
	if err != nil {
		return toolError(dgerrors.MissingParameter("type", "One of 'over', 'into', 'out' or 'back'."))
	}
	thread := optionalInt(request, "threadId", 0)
	if thread == 0 {
		if thread, err = defaultThread(ctx, e); err != nil {
			return toolError(err)
		}
	}
	granularity, _ := request.RequireString("granularity")

	var step func(context.Context, int, string) error
	switch stepType {
	case "over":
		step = e.Session.Next
	case "into":
		step = e.Session.StepIn
	case "out":
		step = e.Session.StepOut
	case "back":
		step = e.Session.StepBack
	default:
		return toolError(dgerrors.InvalidParameter("type", stepType, "'over', 'into', 'out' or 'back'"))
	}

	next := e.Output.Next()
	if err := step(ctx, thread, granularity); err != nil {
		return toolError(dgerrors.StepFailed(stepType, err))
	}
	return jsonResult(s.stopReport(ctx, e, next))
}

func (s *Server) handleDebugContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	thread := optionalInt(request, "threadId", 0)
	if thread == 0 {
		if thread, err = defaultThread(ctx, e); err != nil {
			return toolError(err)
		}
	}

	next := e.Output.Next()
	if request.GetBool("reverse", false) {
		err = e.Session.ReverseContinue(ctx, thread)
	} else {
		err = e.Session.Continue(ctx, thread)
	}
	if err != nil {
		return toolError(err)
	}
	if !request.GetBool("wait", false) {
		return jsonResult(map[string]any{"sessionId": e.ID, "status": types.SessionStatusRunning})
	}
	return jsonResult(s.stopReport(ctx, e, next))
}

func (s *Server) handleDebugPause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	next := e.Output.Next()
	if err := e.Session.Pause(ctx, optionalInt(request, "threadId", 0)); err != nil {
		return toolError(err)
	}
	return jsonResult(s.stopReport(ctx, e, next))
}

func (s *Server) handleDebugSetVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanModifyVariables() {
		return toolError(dgerrors.PermissionDenied("modify", string(s.config.Mode)))
	}
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	ref, err := request.RequireFloat("variablesReference")
	if err != nil {
		return toolError(dgerrors.MissingParameter("variablesReference", "The variablesReference of the scope or parent variable, from debug_snapshot."))
	}
	name, err := request.RequireString("name")
	if err != nil {
		return toolError(dgerrors.MissingParameter("name", "The variable to modify."))
	}
	value, err := request.RequireString("value")
	if err != nil {
		return toolError(dgerrors.MissingParameter("value", "The new value, as a C expression."))
	}

	body, err := e.Session.SetVariable(ctx, int(ref), name, value)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(types.Variable{
		Name:               name,
		Value:              body.Value,
		Type:               body.Type,
		VariablesReference: body.VariablesReference,
	})
}

// handleDebugRunToLine adds a breakpoint at the line next to the file's
// existing ones, continues until a stop and puts the file's set back.
func (s *Server) handleDebugRunToLine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	path, err := request.RequireString("path")
	if err != nil {
		return toolError(dgerrors.MissingParameter("path", "The source file to run to."))
	}
	lineF, err := request.RequireFloat("line")
	if err != nil {
		return toolError(dgerrors.MissingParameter("line", "The line to run to."))
	}
	line := int(lineF)

	var existing []debugger.SourceBreakpoint
	for _, bp := range e.Session.Breakpoints() {
		if bp.Kind == debugger.BreakpointSource && bp.Path == path {
			existing = append(existing, debugger.SourceBreakpoint{
				Line:         bp.Line,
				Column:       bp.Column,
				Condition:    bp.Condition,
				HitCondition: bp.HitCondition,
				LogMessage:   bp.LogMessage,
			})
		}
	}
	withTemp := append(append([]debugger.SourceBreakpoint(nil), existing...), debugger.SourceBreakpoint{Line: line})
	set, err := e.Session.SetBreakpoints(ctx, path, withTemp)
	if err != nil {
		return toolError(err)
	}
	if len(set) != len(withTemp) || !set[len(set)-1].Verified {
		_, _ = e.Session.SetBreakpoints(ctx, path, existing)
		reason := "not verified"
		if len(set) == len(withTemp) {
			reason = firstNonEmpty(set[len(set)-1].Message, reason)
		}
		return toolError(dgerrors.BreakpointFailed(path, line, reason))
	}

	thread, err := defaultThread(ctx, e)
	if err != nil {
		return toolError(err)
	}
	next := e.Output.Next()
	if err := e.Session.Continue(ctx, thread); err != nil {
		return toolError(err)
	}
	report := s.stopReport(ctx, e, next)

	if _, err := e.Session.SetBreakpoints(ctx, path, existing); err != nil {
		s.log.Info("Restoring breakpoints after run to line failed", "sessionId", e.ID, "path", path, "error", err.Error())
	}
	return jsonResult(report)
}

func (s *Server) handleDebugExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanEvaluate() {
		return toolError(dgerrors.PermissionDenied("evaluate", string(s.config.Mode)))
	}
	e, err := s.getSession(request)
	if err != nil {
		return toolError(err)
	}
	command, err := request.RequireString("command")
	if err != nil || command == "" {
		return toolError(dgerrors.MissingParameter("command", "The gdb console command, e.g. 'info registers'."))
	}
	frameID := optionalInt(request, "frameId", 0)
	if frameID == 0 && e.Session.State() == debugger.StateStopped {
		frameID, _ = defaultFrame(ctx, e)
	}

	body, err := e.Session.Evaluate(ctx, "-exec "+command, frameID, "repl")
	if err != nil {
		return toolError(dgerrors.EvaluationFailed(command, err))
	}
	return jsonResult(map[string]any{"command": command, "output": body.Result})
}

// stopReport waits on next for the program to stop or end and describes
// the outcome with the top frame of the stopped thread.
func (s *Server) stopReport(ctx context.Context, e *debugger.Entry, next <-chan debugger.Event) map[string]any {
	report := map[string]any{"sessionId": e.ID}
	stop := s.awaitStop(ctx, e, next, stopTimeout)
	info := e.Info()
	report["status"] = info.Status
	switch {
	case stop != nil:
		report["stop"] = stop
		if frames, err := e.Session.StackTrace(ctx, stop.ThreadID); err == nil && len(frames) > 0 {
			report["frame"] = toStackFrame(frames[0])
		}
	case info.ExitCode != nil:
		report["exitCode"] = *info.ExitCode
	case info.Status == types.SessionStatusRunning:
		report["note"] = "program still running after " + strconv.Itoa(int(stopTimeout/time.Second)) + "s; use debug_pause or debug_snapshot"
	}
	if out := e.Output.Text(debugger.CategoryStdout, debugger.CategoryStderr); out != "" {
		report["output"] = lastBytes(out, 4096)
	}
	return report
}

// awaitStop waits for the next stop. A nil next means the stop may already
// have happened, in which case the current one is returned.
func (s *Server) awaitStop(ctx context.Context, e *debugger.Entry, next <-chan debugger.Event, timeout time.Duration) *types.StopInfo {
	if next == nil {
		next = e.Output.Next()
		if e.Session.State() == debugger.StateStopped {
			if stop, ok := e.Session.LastStop(); ok {
				return toStopInfo(stop)
			}
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-next:
		if ev.Kind == debugger.EventStopped && ev.Stop != nil {
			return toStopInfo(*ev.Stop)
		}
	case <-e.Session.Terminated():
	case <-timer.C:
	case <-ctx.Done():
	}
	return nil
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
