package gdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ctagard/dap-gdb/internal/mi"
)

var quote = mi.EscapeCString

// Scope selects the thread and frame a command runs in. Zero values leave
// gdb's current selection alone.
type Scope struct {
	Thread int
	Frame  int
	// HasFrame distinguishes frame 0 from no frame.
	HasFrame bool
}

func (s Scope) options() string {
	var sb strings.Builder
	if s.Thread > 0 {
		fmt.Fprintf(&sb, " --thread %d", s.Thread)
		if s.HasFrame {
			fmt.Fprintf(&sb, " --frame %d", s.Frame)
		}
	}
	return sb.String()
}

// InFrame returns a Scope for a thread and frame.
func InFrame(thread, frame int) Scope {
	return Scope{Thread: thread, Frame: frame, HasFrame: true}
}

func (e *Engine) exec(ctx context.Context, command string) (mi.Record, error) {
	return e.transport.Execute(ctx, command)
}

func (e *Engine) execDone(ctx context.Context, command string) error {
	_, err := e.exec(ctx, command)
	return err
}

// --- program setup ---

// FileExecAndSymbols loads the program and its symbols.
func (e *Engine) FileExecAndSymbols(ctx context.Context, path string) error {
	return e.execDone(ctx, "-file-exec-and-symbols "+quote(path))
}

// ExecArguments sets the inferior's command line arguments.
func (e *Engine) ExecArguments(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return e.execDone(ctx, "-exec-arguments "+strings.Join(quoted, " "))
}

// EnvironmentCd sets the inferior's working directory.
func (e *Engine) EnvironmentCd(ctx context.Context, dir string) error {
	return e.execDone(ctx, "-environment-cd "+quote(dir))
}

// SetEnvironment sets one environment variable of the inferior.
func (e *Engine) SetEnvironment(ctx context.Context, name, value string) error {
	_, err := e.Console(ctx, fmt.Sprintf("set environment %s=%s", name, value))
	return err
}

// GdbSet changes a gdb setting.
func (e *Engine) GdbSet(ctx context.Context, setting string) error {
	return e.execDone(ctx, "-gdb-set "+setting)
}

// --- execution start ---

// ExecRun starts the inferior. With start set it stops at the beginning of
// main.
func (e *Engine) ExecRun(ctx context.Context, start bool) error {
	cmd := "-exec-run"
	if start {
		cmd += " --start"
	}
	return e.execDone(ctx, cmd)
}

// TargetAttach attaches to a running process.
func (e *Engine) TargetAttach(ctx context.Context, pid int) error {
	return e.execDone(ctx, "-target-attach "+strconv.Itoa(pid))
}

// TargetSelectRemote connects to a gdbserver.
func (e *Engine) TargetSelectRemote(ctx context.Context, target string) error {
	return e.execDone(ctx, "-target-select remote "+target)
}

// TargetDetach detaches from the inferior and lets it run.
func (e *Engine) TargetDetach(ctx context.Context) error {
	return e.execDone(ctx, "-target-detach")
}

// Kill terminates the inferior.
func (e *Engine) Kill(ctx context.Context) error {
	_, err := e.Console(ctx, "kill")
	return err
}

// --- breakpoints ---

// BreakpointSpec describes a -break-insert request.
type BreakpointSpec struct {
	// Location is a linespec such as "file.c:10", "func" or "*0x401000".
	Location    string
	Condition   string
	IgnoreCount int
	Temporary   bool
	Disabled    bool
	Hardware    bool
	Thread      int
}

// BreakInsert inserts a breakpoint, allowing it to stay pending until a
// library providing the location is loaded.
func (e *Engine) BreakInsert(ctx context.Context, spec BreakpointSpec) (mi.Breakpoint, error) {
	var sb strings.Builder
	sb.WriteString("-break-insert -f")
	if spec.Temporary {
		sb.WriteString(" -t")
	}
	if spec.Disabled {
		sb.WriteString(" -d")
	}
	if spec.Hardware {
		sb.WriteString(" -h")
	}
	if spec.Condition != "" {
		sb.WriteString(" -c " + quote(spec.Condition))
	}
	if spec.IgnoreCount > 0 {
		fmt.Fprintf(&sb, " -i %d", spec.IgnoreCount)
	}
	if spec.Thread > 0 {
		fmt.Fprintf(&sb, " -p %d", spec.Thread)
	}
	sb.WriteString(" " + quote(spec.Location))
	return e.insert(ctx, sb.String())
}

// DprintfInsert inserts a dynamic printf at location. Each "{expr}" in
// message is printed through gdb's $_as_string.
func (e *Engine) DprintfInsert(ctx context.Context, location, condition, message string) (mi.Breakpoint, error) {
	format, args := DprintfFormat(message)
	var sb strings.Builder
	sb.WriteString("-dprintf-insert -f")
	if condition != "" {
		sb.WriteString(" -c " + quote(condition))
	}
	sb.WriteString(" " + quote(location) + " " + quote(format))
	for _, a := range args {
		sb.WriteString(" " + quote(a))
	}
	return e.insert(ctx, sb.String())
}

// DprintfFormat converts a log message with {expr} placeholders to a printf
// format and its arguments. "{{" and "}}" are literal braces.
func DprintfFormat(message string) (string, []string) {
	var format strings.Builder
	var args []string
	for i := 0; i < len(message); i++ {
		c := message[i]
		switch {
		case c == '{' && i+1 < len(message) && message[i+1] == '{':
			format.WriteByte('{')
			i++
		case c == '}' && i+1 < len(message) && message[i+1] == '}':
			format.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(message[i:], '}')
			if end < 0 {
				format.WriteString(strings.ReplaceAll(message[i:], "%", "%%"))
				i = len(message)
				continue
			}
			args = append(args, "$_as_string("+message[i+1:i+end]+")")
			format.WriteString("%s")
			i += end
		case c == '%':
			format.WriteString("%%")
		default:
			format.WriteByte(c)
		}
	}
	format.WriteString("\n")
	return format.String(), args
}

// WatchAccess selects the kind of watchpoint.
type WatchAccess int

const (
	WatchWrite WatchAccess = iota
	WatchRead
	WatchReadWrite
)

// BreakWatch inserts a watchpoint on expr.
func (e *Engine) BreakWatch(ctx context.Context, expr string, access WatchAccess, scope Scope) (mi.Breakpoint, error) {
	cmd := "-break-watch" + scope.options()
	switch access {
	case WatchRead:
		cmd += " -r"
	case WatchReadWrite:
		cmd += " -a"
	}
	bp, err := e.insert(ctx, cmd+" "+quote(expr))
	if err == nil && bp.What == "" {
		bp.What = expr
	}
	return bp, err
}

// CatchThrow stops when a C++ exception is thrown.
func (e *Engine) CatchThrow(ctx context.Context) (mi.Breakpoint, error) {
	return e.insert(ctx, "-catch-throw")
}

// CatchCatch stops when a C++ exception is caught.
func (e *Engine) CatchCatch(ctx context.Context) (mi.Breakpoint, error) {
	return e.insert(ctx, "-catch-catch")
}

func (e *Engine) insert(ctx context.Context, cmd string) (mi.Breakpoint, error) {
	r, err := e.exec(ctx, cmd)
	if err != nil {
		return mi.Breakpoint{}, err
	}
	bp, ok := mi.FindBreakpoint(r.Payload)
	if !ok {
		return mi.Breakpoint{}, fmt.Errorf("%s: no breakpoint in result", cmd)
	}
	e.upsertBreakpoint(bp)
	e.Events.BreakpointInserted.Publish(bp)
	return bp, nil
}

// BreakDelete deletes breakpoints.
func (e *Engine) BreakDelete(ctx context.Context, numbers ...int) error {
	if len(numbers) == 0 {
		return nil
	}
	ids := make([]string, len(numbers))
	for i, n := range numbers {
		ids[i] = strconv.Itoa(n)
	}
	if err := e.execDone(ctx, "-break-delete "+strings.Join(ids, " ")); err != nil {
		return err
	}
	for _, n := range numbers {
		e.removeBreakpoint(n)
	}
	return nil
}

// BreakCondition replaces the condition of a breakpoint. An empty condition
// removes it.
func (e *Engine) BreakCondition(ctx context.Context, number int, condition string) error {
	cmd := "-break-condition " + strconv.Itoa(number)
	if condition != "" {
		cmd += " " + condition
	}
	if err := e.execDone(ctx, cmd); err != nil {
		return err
	}
	e.updateBreakpoint(number, func(bp *mi.Breakpoint) { bp.Condition = condition })
	return nil
}

// BreakAfter sets the ignore count of a breakpoint.
func (e *Engine) BreakAfter(ctx context.Context, number, count int) error {
	if err := e.execDone(ctx, fmt.Sprintf("-break-after %d %d", number, count)); err != nil {
		return err
	}
	e.updateBreakpoint(number, func(bp *mi.Breakpoint) { bp.IgnoreCount = count })
	return nil
}

func (e *Engine) updateBreakpoint(number int, fn func(*mi.Breakpoint)) {
	e.mu.Lock()
	bp, ok := e.breakpoints[number]
	if ok {
		fn(&bp)
		e.breakpoints[number] = bp
	}
	e.mu.Unlock()
	if ok {
		e.Events.BreakpointModified.Publish(bp)
	}
}

// --- execution control ---

// Continue resumes all threads.
func (e *Engine) Continue(ctx context.Context, reverse bool) error {
	return e.execDone(ctx, "-exec-continue"+reverseFlag(reverse))
}

// Next steps over one source line in thread.
func (e *Engine) Next(ctx context.Context, thread int, reverse bool) error {
	return e.step(ctx, "-exec-next", thread, reverse)
}

// Step steps into one source line in thread.
func (e *Engine) Step(ctx context.Context, thread int, reverse bool) error {
	return e.step(ctx, "-exec-step", thread, reverse)
}

// Finish runs until the selected frame returns.
func (e *Engine) Finish(ctx context.Context, thread int, reverse bool) error {
	return e.step(ctx, "-exec-finish", thread, reverse)
}

// NextInstruction steps over one machine instruction.
func (e *Engine) NextInstruction(ctx context.Context, thread int, reverse bool) error {
	return e.step(ctx, "-exec-next-instruction", thread, reverse)
}

// StepInstruction steps into one machine instruction.
func (e *Engine) StepInstruction(ctx context.Context, thread int, reverse bool) error {
	return e.step(ctx, "-exec-step-instruction", thread, reverse)
}

func (e *Engine) step(ctx context.Context, cmd string, thread int, reverse bool) error {
	return e.execDone(ctx, cmd+Scope{Thread: thread}.options()+reverseFlag(reverse))
}

func reverseFlag(reverse bool) string {
	if reverse {
		return " --reverse"
	}
	return ""
}

// Interrupt stops every thread.
func (e *Engine) Interrupt(ctx context.Context) error {
	return e.execDone(ctx, "-exec-interrupt --all")
}

// Jump resumes thread at location.
func (e *Engine) Jump(ctx context.Context, thread int, location string) error {
	return e.execDone(ctx, "-exec-jump"+Scope{Thread: thread}.options()+" "+quote(location))
}

// --- threads and stack ---

// ThreadInfo lists the threads and replaces the thread cache.
func (e *Engine) ThreadInfo(ctx context.Context) (ThreadsEvent, error) {
	r, err := e.exec(ctx, "-thread-info")
	if err != nil {
		return ThreadsEvent{}, err
	}
	return e.storeThreads(r.Payload), nil
}

// StackListFrames lists frames low..high of thread. A negative high lists
// the whole stack. Listing from frame 0 replaces the thread's cached stack.
func (e *Engine) StackListFrames(ctx context.Context, thread, low, high int) ([]mi.Frame, error) {
	cmd := "-stack-list-frames" + Scope{Thread: thread}.options()
	if high >= 0 {
		cmd += fmt.Sprintf(" %d %d", low, high)
	}
	r, err := e.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	frames := mi.DecodeFrames(r.Payload)

	if low == 0 {
		e.mu.Lock()
		e.frames[thread] = frames
		e.mu.Unlock()
		e.Events.StackUpdated.Publish(StackEvent{ThreadID: thread, Frames: frames})
	}
	return frames, nil
}

// StackInfoDepth returns the number of frames of thread.
func (e *Engine) StackInfoDepth(ctx context.Context, thread, maxDepth int) (int, error) {
	cmd := "-stack-info-depth" + Scope{Thread: thread}.options()
	if maxDepth > 0 {
		cmd += " " + strconv.Itoa(maxDepth)
	}
	r, err := e.exec(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return r.Payload.IntOr("depth", 0), nil
}

// StackListVariables lists arguments and locals of a frame with simple
// values, replacing the cached locals of that frame.
func (e *Engine) StackListVariables(ctx context.Context, thread, frame int) ([]mi.Variable, error) {
	r, err := e.exec(ctx, "-stack-list-variables"+InFrame(thread, frame).options()+" --simple-values")
	if err != nil {
		return nil, err
	}
	vars := mi.DecodeVariables(r.Payload, "variables")

	e.mu.Lock()
	e.locals[frameKey{thread, frame}] = vars
	e.mu.Unlock()
	e.Events.LocalsUpdated.Publish(LocalsEvent{ThreadID: thread, Frame: frame, Variables: vars})
	return vars, nil
}

// --- variable objects ---

// VarCreate creates a variable object for expr in the given frame. A zero
// Scope evaluates in the current frame; floating objects track the
// selected frame.
func (e *Engine) VarCreate(ctx context.Context, expr string, scope Scope, floating bool) (mi.Variable, error) {
	frame := "*"
	if floating {
		frame = "@"
	}
	r, err := e.exec(ctx, "-var-create"+scope.options()+" - "+frame+" "+quote(expr))
	if err != nil {
		return mi.Variable{}, err
	}
	v := mi.DecodeVariable(r.Payload)
	v.Exp = expr

	e.mu.Lock()
	cached := v
	e.varObjects[v.Name] = &cached
	e.mu.Unlock()
	return v, nil
}

// VarListChildren lists the children of a variable object with values.
func (e *Engine) VarListChildren(ctx context.Context, name string) ([]mi.Variable, error) {
	r, err := e.exec(ctx, "-var-list-children --all-values "+quote(name))
	if err != nil {
		return nil, err
	}
	children := mi.DecodeChildren(r.Payload)

	e.mu.Lock()
	for i := range children {
		c := children[i]
		e.varObjects[c.Name] = &c
	}
	e.mu.Unlock()
	return children, nil
}

// VarUpdate refreshes every variable object. Only the fields gdb reports
// for a changed object are merged into the cache; unchanged objects are
// left alone.
func (e *Engine) VarUpdate(ctx context.Context) ([]mi.VarChange, error) {
	r, err := e.exec(ctx, "-var-update --all-values *")
	if err != nil {
		return nil, err
	}
	changes := mi.DecodeVarChanges(r.Payload)
	e.mergeVarChanges(changes)
	return changes, nil
}

func (e *Engine) mergeVarChanges(changes []mi.VarChange) {
	names := make([]string, 0, len(changes))

	e.mu.Lock()
	for _, c := range changes {
		names = append(names, c.Name)
		v, ok := e.varObjects[c.Name]
		if !ok {
			continue
		}
		if c.HasValue {
			v.Value = c.Value
		}
		if c.TypeChanged {
			v.Type = c.NewType
		}
		if c.HasNumChildren {
			v.NumChild = c.NewNumChildren
		}
		v.HasMore = c.HasMore
	}
	e.mu.Unlock()

	if len(names) > 0 {
		e.Events.VariablesChanged.Publish(names)
	}
}

// VarDelete deletes a variable object and its children.
func (e *Engine) VarDelete(ctx context.Context, name string) error {
	if err := e.execDone(ctx, "-var-delete "+quote(name)); err != nil {
		return err
	}
	e.mu.Lock()
	prefix := name + "."
	for n := range e.varObjects {
		if n == name || strings.HasPrefix(n, prefix) {
			delete(e.varObjects, n)
		}
	}
	e.mu.Unlock()
	return nil
}

// VarInfoPathExpression returns an expression that evaluates to the value
// of a variable object child, such as "(s).field" or "*(p)".
func (e *Engine) VarInfoPathExpression(ctx context.Context, name string) (string, error) {
	r, err := e.exec(ctx, "-var-info-path-expression "+quote(name))
	if err != nil {
		return "", err
	}
	return r.Payload.String("path_expr"), nil
}

// VarAssign assigns value to a variable object and returns the new value.
func (e *Engine) VarAssign(ctx context.Context, name, value string) (string, error) {
	r, err := e.exec(ctx, "-var-assign "+quote(name)+" "+quote(value))
	if err != nil {
		return "", err
	}
	newValue := r.Payload.String("value")

	e.mu.Lock()
	if v, ok := e.varObjects[name]; ok {
		v.Value = newValue
	}
	e.mu.Unlock()
	e.Events.VariablesChanged.Publish([]string{name})
	return newValue, nil
}

// --- data and memory ---

// Evaluate evaluates expr in the given scope.
func (e *Engine) Evaluate(ctx context.Context, expr string, scope Scope) (string, error) {
	r, err := e.exec(ctx, "-data-evaluate-expression"+scope.options()+" "+quote(expr))
	if err != nil {
		return "", err
	}
	return r.Payload.String("value"), nil
}

// Disassemble disassembles the address range [start, end). With source set
// the instructions carry their file and line.
func (e *Engine) Disassemble(ctx context.Context, start, end string, source bool) ([]mi.Instruction, error) {
	mode := 2
	if source {
		mode = 5
	}
	r, err := e.exec(ctx, fmt.Sprintf("-data-disassemble -s %s -e %s -- %d", start, end, mode))
	if err != nil {
		return nil, err
	}
	return mi.DecodeInstructions(r.Payload), nil
}

// DisassembleFunction disassembles the whole function containing addr.
func (e *Engine) DisassembleFunction(ctx context.Context, addr string) ([]mi.Instruction, error) {
	r, err := e.exec(ctx, "-data-disassemble -a "+addr+" -- 2")
	if err != nil {
		return nil, err
	}
	return mi.DecodeInstructions(r.Payload), nil
}

// ReadMemory reads count bytes at addr+offset.
func (e *Engine) ReadMemory(ctx context.Context, addr string, offset, count int) ([]mi.MemoryBlock, error) {
	cmd := "-data-read-memory-bytes"
	if offset != 0 {
		cmd += fmt.Sprintf(" -o %d", offset)
	}
	r, err := e.exec(ctx, fmt.Sprintf("%s %s %d", cmd, quote(addr), count))
	if err != nil {
		return nil, err
	}
	return mi.DecodeMemory(r.Payload), nil
}

// --- miscellaneous ---

// Complete returns gdb's completions for a partial command line.
func (e *Engine) Complete(ctx context.Context, text string) ([]string, error) {
	r, err := e.exec(ctx, "-complete "+quote(text))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range r.Payload.List("matches") {
		out = append(out, m.Str)
	}
	return out, nil
}

// Console runs a CLI command and returns the console output it produced.
func (e *Engine) Console(ctx context.Context, command string) (string, error) {
	var sb strings.Builder
	var mu sync.Mutex
	unsubscribe := e.transport.OnOutput(func(o Output) {
		if o.Stream == StreamConsole {
			mu.Lock()
			sb.WriteString(o.Text)
			mu.Unlock()
		}
	})
	_, err := e.exec(ctx, "-interpreter-exec console "+quote(command))
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	return sb.String(), err
}

// shellQuote quotes an inferior argument for gdb's startup shell.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
