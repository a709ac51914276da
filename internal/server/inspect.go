package server

import (
	"context"
	"os"
	"strings"

	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/mi"
)

// consolePrefixes mark REPL input that is a gdb command, not an expression.
var consolePrefixes = []string{"`", "-exec "}

func consoleCommand(expr string) (string, bool) {
	for _, p := range consolePrefixes {
		if strings.HasPrefix(expr, p) {
			return strings.TrimPrefix(expr, p), true
		}
	}
	return "", false
}

func (s *Session) onThreads(ctx context.Context, req *dap.ThreadsRequest) error {
	threads := []dap.Thread{}
	if s.engine != nil {
		ev, err := s.engine.ThreadInfo(ctx)
		if err != nil {
			return err
		}
		for _, t := range ev.Threads {
			threads = append(threads, dap.Thread{Id: t.ID, Name: t.DisplayName()})
		}
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.ThreadsResponse{Response: r, Body: dap.ThreadsResponseBody{Threads: threads}}
	})
	return nil
}

func (s *Session) onStackTrace(ctx context.Context, req *dap.StackTraceRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	start := a.StartFrame
	if start < 0 {
		start = 0
	}

	depth := -1
	high := -1
	switch {
	case a.Levels > 0:
		high = start + a.Levels - 1
	case start > 0:
		if depth, err = e.StackInfoDepth(ctx, a.ThreadId, 0); err != nil {
			return err
		}
		high = depth - 1
	}
	var frames []mi.Frame
	if high < 0 || high >= start {
		if frames, err = e.StackListFrames(ctx, a.ThreadId, start, high); err != nil {
			return err
		}
	}

	total := start + len(frames)
	if a.Levels > 0 && len(frames) == a.Levels && depth < 0 {
		if d, err := e.StackInfoDepth(ctx, a.ThreadId, 0); err == nil {
			total = d
		}
	}

	stack := make([]dap.StackFrame, 0, len(frames))
	for _, f := range frames {
		stack = append(stack, s.stackFrame(ctx, e, a.ThreadId, f))
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.StackTraceResponse{Response: r, Body: dap.StackTraceResponseBody{StackFrames: stack, TotalFrames: total}}
	})
	return nil
}

func (s *Session) stackFrame(ctx context.Context, e *gdb.Engine, thread int, f mi.Frame) dap.StackFrame {
	name := f.Func
	if name == "" {
		name = "??"
	}
	sf := dap.StackFrame{
		Id:                          s.handles.addFrame(frameRef{thread: thread, level: f.Level, frame: f}),
		Name:                        name,
		InstructionPointerReference: memoryReference(f.Addr),
	}
	if path := firstNonEmpty(f.Fullname, f.File); path != "" {
		sf.Source = &dap.Source{Name: baseName(path), Path: path}
		sf.Line = f.Line
		sf.Column = s.columnsBase
		return sf
	}

	src, line, err := s.sourceForFrame(ctx, e, f)
	if err != nil {
		s.log.V(1).Info("No disassembly for frame", "frame", f.Level, "address", f.Addr, "error", err.Error())
		return sf
	}
	sf.Source = &dap.Source{Name: src.name, SourceReference: src.ref, PresentationHint: "deemphasize"}
	sf.Line = line
	sf.Column = s.columnsBase
	sf.PresentationHint = "subtle"
	return sf
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Session) onScopes(req *dap.ScopesRequest) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	f, ok := s.handles.frame(req.Arguments.FrameId)
	if !ok {
		return dgerrors.InvalidParameter("frameId", req.Arguments.FrameId, "a frame id from the current stop")
	}
	args := s.handles.addVar(varRef{kind: refArguments, thread: f.thread, frame: f.level})
	locals := s.handles.addVar(varRef{kind: refLocals, thread: f.thread, frame: f.level})
	scopes := []dap.Scope{
		{Name: "Arguments", PresentationHint: "arguments", VariablesReference: args},
		{Name: "Locals", PresentationHint: "locals", VariablesReference: locals},
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.ScopesResponse{Response: r, Body: dap.ScopesResponseBody{Scopes: scopes}}
	})
	return nil
}

// toVariable describes a variable object. Objects with children get a
// reference the client can expand.
func (s *Session) toVariable(name, evaluateName string, v mi.Variable, thread, frame int) dap.Variable {
	d := dap.Variable{
		Name:            name,
		Value:           v.Value,
		Type:            v.Type,
		EvaluateName:    evaluateName,
		MemoryReference: memoryReference(v.Value),
	}
	if v.NumChild > 0 || (v.Dynamic && v.HasMore) {
		d.VariablesReference = s.handles.addVar(varRef{kind: refVarObject, thread: thread, frame: frame, varObject: v.Name})
	}
	return d
}

func (s *Session) trackVarObject(name string) {
	s.mu.Lock()
	s.scopeVarObjects = append(s.scopeVarObjects, name)
	s.mu.Unlock()
}

func (s *Session) onVariables(ctx context.Context, req *dap.VariablesRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	ref, ok := s.handles.variable(a.VariablesReference)
	if !ok {
		return dgerrors.InvalidParameter("variablesReference", a.VariablesReference, "a reference from the current stop")
	}

	vars, cached := s.handles.listedVars(a.VariablesReference)
	if !cached {
		if ref.kind == refVarObject {
			vars, err = s.childVariables(ctx, e, a.VariablesReference, ref)
		} else {
			vars, err = s.scopeVariables(ctx, e, a.VariablesReference, ref)
		}
		if err != nil {
			return err
		}
		s.handles.setListed(a.VariablesReference, vars)
	}

	page := vars
	if a.Start > 0 {
		if a.Start >= len(page) {
			page = nil
		} else {
			page = page[a.Start:]
		}
	}
	if a.Count > 0 && a.Count < len(page) {
		page = page[:a.Count]
	}
	out := append([]dap.Variable{}, page...)
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.VariablesResponse{Response: r, Body: dap.VariablesResponseBody{Variables: out}}
	})
	return nil
}

// scopeVariables lists the arguments or locals of a frame, each backed by a
// variable object that is deleted when the program resumes.
func (s *Session) scopeVariables(ctx context.Context, e *gdb.Engine, parent int, ref varRef) ([]dap.Variable, error) {
	listed, err := e.StackListVariables(ctx, ref.thread, ref.frame)
	if err != nil {
		return nil, err
	}
	wantArgs := ref.kind == refArguments
	var out []dap.Variable
	for _, v := range listed {
		if v.IsArg != wantArgs {
			continue
		}
		obj, err := e.VarCreate(ctx, v.Name, gdb.InFrame(ref.thread, ref.frame), false)
		if err != nil {
			value := v.Value
			if value == "" {
				value = "<" + dgerrors.BackendMessage(err) + ">"
			}
			out = append(out, dap.Variable{Name: v.Name, Value: value, Type: v.Type, EvaluateName: v.Name})
			continue
		}
		s.trackVarObject(obj.Name)
		s.handles.setChild(parent, v.Name, obj.Name)
		out = append(out, s.toVariable(v.Name, v.Name, obj, ref.thread, ref.frame))
	}
	return out, nil
}

// accessSpecifiers are the pseudo children gdb inserts for C++ classes.
var accessSpecifiers = map[string]bool{"public": true, "private": true, "protected": true}

func (s *Session) childVariables(ctx context.Context, e *gdb.Engine, parent int, ref varRef) ([]dap.Variable, error) {
	children, err := listChildren(ctx, e, ref.varObject)
	if err != nil {
		return nil, err
	}
	out := make([]dap.Variable, 0, len(children))
	for _, c := range children {
		s.handles.setChild(parent, c.Exp, c.Name)
		out = append(out, s.toVariable(c.Exp, "", c, ref.thread, ref.frame))
	}
	return out, nil
}

// listChildren lists the children of a variable object, replacing C++
// access specifier groups by their members.
func listChildren(ctx context.Context, e *gdb.Engine, name string) ([]mi.Variable, error) {
	children, err := e.VarListChildren(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []mi.Variable
	for _, c := range children {
		if c.Type == "" && accessSpecifiers[c.Exp] {
			members, err := listChildren(ctx, e, c.Name)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Session) onSetVariable(ctx context.Context, req *dap.SetVariableRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	obj, ok := s.handles.child(a.VariablesReference, a.Name)
	if !ok {
		return dgerrors.InvalidParameter("name", a.Name, "a variable listed under the given reference")
	}
	value, err := e.VarAssign(ctx, obj, a.Value)
	if err != nil {
		return err
	}
	// Other listed values may depend on the one assigned.
	s.handles.clearListed()

	body := dap.SetVariableResponseBody{Value: value}
	if v, ok := e.VarObject(obj); ok {
		body.Type = v.Type
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetVariableResponse{Response: r, Body: body}
	})
	return nil
}

func (s *Session) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments

	var scope gdb.Scope
	thread, frame := 0, 0
	if a.FrameId > 0 {
		f, ok := s.handles.frame(a.FrameId)
		if !ok {
			return dgerrors.InvalidParameter("frameId", a.FrameId, "a frame id from the current stop")
		}
		scope = gdb.InFrame(f.thread, f.level)
		thread, frame = f.thread, f.level
	}

	if cmd, ok := consoleCommand(a.Expression); ok && a.Context == "repl" {
		out, err := s.console(ctx, cmd)
		if err != nil {
			return err
		}
		s.respond(&req.Request, func(r dap.Response) dap.Message {
			return &dap.EvaluateResponse{Response: r, Body: dap.EvaluateResponseBody{Result: strings.TrimRight(out, "\n")}}
		})
		return nil
	}

	var v mi.Variable
	if a.Context == "watch" {
		v, err = s.watch(ctx, e, a.Expression, scope)
	} else {
		v, err = e.VarCreate(ctx, a.Expression, scope, false)
		if err == nil {
			s.trackVarObject(v.Name)
		}
	}
	if err != nil {
		return dgerrors.EvaluationFailed(a.Expression, err)
	}

	d := s.toVariable(a.Expression, a.Expression, v, thread, frame)
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.EvaluateResponse{Response: r, Body: dap.EvaluateResponseBody{
			Result:             d.Value,
			Type:               d.Type,
			VariablesReference: d.VariablesReference,
			MemoryReference:    d.MemoryReference,
		}}
	})
	return nil
}

// watch returns the current value of a watch expression. Its variable
// object floats with the selected frame and survives resumes.
func (s *Session) watch(ctx context.Context, e *gdb.Engine, expr string, scope gdb.Scope) (mi.Variable, error) {
	s.mu.Lock()
	name, ok := s.watches[expr]
	s.mu.Unlock()

	if ok {
		if _, err := e.VarUpdate(ctx); err != nil {
			return mi.Variable{}, err
		}
		if v, found := e.VarObject(name); found {
			return v, nil
		}
	}

	v, err := e.VarCreate(ctx, expr, scope, true)
	if err != nil {
		return mi.Variable{}, err
	}
	s.mu.Lock()
	s.watches[expr] = v.Name
	s.mu.Unlock()
	return v, nil
}

func (s *Session) onCompletions(ctx context.Context, req *dap.CompletionsRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	col := a.Column - s.columnsBase
	if col < 0 {
		col = 0
	}
	if col > len(a.Text) {
		col = len(a.Text)
	}
	prefix := a.Text[:col]
	skipped := 0
	if cmd, ok := consoleCommand(prefix); ok {
		skipped = len(prefix) - len(cmd)
		prefix = cmd
	}

	matches, err := e.Complete(ctx, prefix)
	if err != nil {
		return err
	}
	items := make([]dap.CompletionItem, 0, len(matches))
	for _, m := range matches {
		items = append(items, dap.CompletionItem{
			Label:  m,
			Text:   m,
			Start:  s.columnsBase + skipped,
			Length: len(prefix),
		})
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.CompletionsResponse{Response: r, Body: dap.CompletionsResponseBody{Targets: items}}
	})
	return nil
}

// onSource serves disassembly listings by reference and other files from
// disk.
func (s *Session) onSource(req *dap.SourceRequest) error {
	a := req.Arguments
	ref := a.SourceReference
	if a.Source != nil && a.Source.SourceReference > 0 {
		ref = a.Source.SourceReference
	}

	var body dap.SourceResponseBody
	switch {
	case ref > 0:
		content, ok := s.synthetic.content(ref)
		if !ok {
			return dgerrors.InvalidParameter("sourceReference", ref, "a reference from a stack frame")
		}
		body = dap.SourceResponseBody{Content: content, MimeType: "text/x-asm"}
	case a.Source != nil && a.Source.Path != "":
		data, err := os.ReadFile(a.Source.Path)
		if err != nil {
			return err
		}
		body = dap.SourceResponseBody{Content: string(data)}
	default:
		return dgerrors.MissingParameter("sourceReference", "reference of the source to fetch")
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SourceResponse{Response: r, Body: body}
	})
	return nil
}

func (s *Session) onModules(req *dap.ModulesRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	libs := e.Libraries()
	a := req.Arguments
	if a.StartModule > 0 {
		if a.StartModule >= len(libs) {
			libs = nil
		} else {
			libs = libs[a.StartModule:]
		}
	}
	if a.ModuleCount > 0 && a.ModuleCount < len(libs) {
		libs = libs[:a.ModuleCount]
	}
	modules := make([]dap.Module, 0, len(libs))
	for _, lib := range libs {
		modules = append(modules, moduleFromLibrary(lib))
	}
	total := len(e.Libraries())
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.ModulesResponse{Response: r, Body: dap.ModulesResponseBody{Modules: modules, TotalModules: total}}
	})
	return nil
}
