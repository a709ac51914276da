package mi

import (
	"strconv"
	"strings"
)

// Breakpoint is a decoded bkpt (or wpt) tuple.
type Breakpoint struct {
	Number           int
	Type             string
	Disposition      string
	Enabled          bool
	Addr             string
	Func             string
	File             string
	Fullname         string
	Line             int
	Condition        string
	Times            int
	IgnoreCount      int
	OriginalLocation string
	Pending          string
	What             string
	Locations        []BreakpointLocation
}

// BreakpointLocation is one resolved location of a multi-location breakpoint.
type BreakpointLocation struct {
	Number   string
	Enabled  bool
	Addr     string
	Func     string
	File     string
	Fullname string
	Line     int
}

// IsPending reports whether gdb could not resolve the location yet.
func (b Breakpoint) IsPending() bool {
	return b.Pending != "" || b.Addr == "<PENDING>"
}

// SourceLine returns the file and line of the breakpoint, falling back to
// the first resolved location of a multi-location breakpoint.
func (b Breakpoint) SourceLine() (string, int) {
	if b.Line > 0 {
		return firstNonEmpty(b.Fullname, b.File), b.Line
	}
	for _, loc := range b.Locations {
		if loc.Line > 0 {
			return firstNonEmpty(loc.Fullname, loc.File), loc.Line
		}
	}
	return "", 0
}

// breakpointKeys are the keys under which a command result may carry a
// breakpoint: -break-insert, -dprintf-insert, -catch-*, -break-watch.
var breakpointKeys = []string{"bkpt", "wpt", "hw-rwpt", "hw-awpt"}

// FindBreakpoint returns the breakpoint carried by a result payload.
func FindBreakpoint(t *Tuple) (Breakpoint, bool) {
	for _, key := range breakpointKeys {
		values := t.All(key)
		if len(values) == 0 {
			continue
		}
		bp := DecodeBreakpoint(values[0].Tuple())
		switch key {
		case "wpt":
			bp.Type = firstNonEmpty(bp.Type, "watchpoint")
		case "hw-rwpt":
			bp.Type = firstNonEmpty(bp.Type, "read watchpoint")
		case "hw-awpt":
			bp.Type = firstNonEmpty(bp.Type, "acc watchpoint")
		}
		// Legacy multi-location form: bkpt={...},{...}
		for _, extra := range values[1:] {
			bp.Locations = append(bp.Locations, decodeLocation(extra.Tuple()))
		}
		return bp, true
	}
	return Breakpoint{}, false
}

// DecodeBreakpoint decodes a bkpt tuple.
func DecodeBreakpoint(t *Tuple) Breakpoint {
	bp := Breakpoint{
		Number:           leadingInt(t.String("number")),
		Type:             t.String("type"),
		Disposition:      t.String("disp"),
		Enabled:          t.String("enabled") != "n",
		Addr:             t.String("addr"),
		Func:             t.String("func"),
		File:             t.String("file"),
		Fullname:         t.String("fullname"),
		Line:             t.IntOr("line", 0),
		Condition:        t.String("cond"),
		Times:            t.IntOr("times", 0),
		IgnoreCount:      t.IntOr("ignore", 0),
		OriginalLocation: t.String("original-location"),
		Pending:          t.String("pending"),
		What:             firstNonEmpty(t.String("what"), t.String("exp")),
	}
	for _, loc := range t.List("locations") {
		bp.Locations = append(bp.Locations, decodeLocation(loc.Tuple()))
	}
	return bp
}

func decodeLocation(t *Tuple) BreakpointLocation {
	return BreakpointLocation{
		Number:   t.String("number"),
		Enabled:  t.String("enabled") != "n",
		Addr:     t.String("addr"),
		Func:     t.String("func"),
		File:     t.String("file"),
		Fullname: t.String("fullname"),
		Line:     t.IntOr("line", 0),
	}
}

// Frame is a decoded frame tuple.
type Frame struct {
	Level    int
	Addr     string
	Func     string
	File     string
	Fullname string
	Line     int
	From     string
	Arch     string
	Args     []Variable
}

// DecodeFrame decodes a frame tuple.
func DecodeFrame(t *Tuple) Frame {
	f := Frame{
		Level:    t.IntOr("level", 0),
		Addr:     t.String("addr"),
		Func:     t.String("func"),
		File:     t.String("file"),
		Fullname: t.String("fullname"),
		Line:     t.IntOr("line", 0),
		From:     t.String("from"),
		Arch:     t.String("arch"),
	}
	for _, arg := range t.List("args") {
		f.Args = append(f.Args, DecodeVariable(arg.Tuple()))
	}
	return f
}

// DecodeFrames decodes the stack list of a -stack-list-frames result.
func DecodeFrames(t *Tuple) []Frame {
	items := t.List("stack")
	frames := make([]Frame, 0, len(items))
	for _, item := range items {
		frames = append(frames, DecodeFrame(item.Tuple()))
	}
	return frames
}

// Thread is a decoded -thread-info entry.
type Thread struct {
	ID       int
	TargetID string
	Name     string
	State    string
	Core     string
	Frame    *Frame
}

// Stopped reports whether gdb lists the thread as stopped.
func (t Thread) Stopped() bool {
	return t.State != "running"
}

// DisplayName returns the name shown to users.
func (t Thread) DisplayName() string {
	switch {
	case t.Name != "" && t.TargetID != "":
		return t.Name + " (" + t.TargetID + ")"
	case t.Name != "":
		return t.Name
	case t.TargetID != "":
		return t.TargetID
	default:
		return "Thread " + strconv.Itoa(t.ID)
	}
}

// DecodeThread decodes a thread tuple.
func DecodeThread(t *Tuple) Thread {
	th := Thread{
		ID:       t.IntOr("id", 0),
		TargetID: t.String("target-id"),
		Name:     t.String("name"),
		State:    t.String("state"),
		Core:     t.String("core"),
	}
	if ft := t.Tuple("frame"); ft != nil {
		f := DecodeFrame(ft)
		th.Frame = &f
	}
	return th
}

// DecodeThreads decodes a -thread-info result.
func DecodeThreads(t *Tuple) (threads []Thread, current int) {
	for _, item := range t.List("threads") {
		threads = append(threads, DecodeThread(item.Tuple()))
	}
	return threads, t.IntOr("current-thread-id", 0)
}

// Variable is a local, an argument, or a variable object.
type Variable struct {
	Name     string
	Exp      string
	Value    string
	Type     string
	NumChild int
	HasMore  bool
	Dynamic  bool
	IsArg    bool
	ThreadID int
}

// DecodeVariable decodes a variable tuple from -stack-list-variables,
// -var-create or a -var-list-children child.
func DecodeVariable(t *Tuple) Variable {
	return Variable{
		Name:     t.String("name"),
		Exp:      t.String("exp"),
		Value:    t.String("value"),
		Type:     t.String("type"),
		NumChild: t.IntOr("numchild", 0),
		HasMore:  t.Bool("has_more"),
		Dynamic:  t.Bool("dynamic"),
		IsArg:    t.Bool("arg"),
		ThreadID: t.IntOr("thread-id", 0),
	}
}

// DecodeVariables decodes the variables list of -stack-list-variables.
func DecodeVariables(t *Tuple, key string) []Variable {
	items := t.List(key)
	vars := make([]Variable, 0, len(items))
	for _, item := range items {
		vars = append(vars, DecodeVariable(item.Tuple()))
	}
	return vars
}

// DecodeChildren decodes a -var-list-children result.
func DecodeChildren(t *Tuple) []Variable {
	items := t.List("children")
	vars := make([]Variable, 0, len(items))
	for _, item := range items {
		vars = append(vars, DecodeVariable(item.Tuple()))
	}
	return vars
}

// VarChange is one entry of a -var-update changelist. Fields that gdb did
// not report are left at their zero value and flagged by the Has fields.
type VarChange struct {
	Name           string
	Value          string
	HasValue       bool
	InScope        string
	TypeChanged    bool
	NewType        string
	NewNumChildren int
	HasNumChildren bool
	HasMore        bool
}

// DecodeVarChanges decodes a -var-update changelist.
func DecodeVarChanges(t *Tuple) []VarChange {
	items := t.List("changelist")
	out := make([]VarChange, 0, len(items))
	for _, item := range items {
		ct := item.Tuple()
		c := VarChange{
			Name:        ct.String("name"),
			InScope:     ct.String("in_scope"),
			TypeChanged: ct.String("type_changed") == "true",
			NewType:     ct.String("new_type"),
			HasMore:     ct.Bool("has_more"),
		}
		if ct.Has("value") {
			c.Value, c.HasValue = ct.String("value"), true
		}
		if n, ok := ct.Int("new_num_children"); ok {
			c.NewNumChildren, c.HasNumChildren = n, true
		}
		out = append(out, c)
	}
	return out
}

// StoppedDetails describes one *stopped record. It is built once and not
// modified afterwards.
type StoppedDetails struct {
	Reason            StopReason
	RawReason         string
	ThreadID          int
	AllThreadsStopped bool
	Frame             *Frame
	BreakpointNumber  int
	SignalName        string
	SignalMeaning     string
	ExitCode          int
	HasExitCode       bool
	Watchpoint        *WatchpointHit
}

// WatchpointHit carries the expression and values of a watchpoint trigger.
type WatchpointHit struct {
	Number   int
	Exp      string
	OldValue string
	NewValue string
}

// Description renders a short human readable summary of the stop.
func (d StoppedDetails) Description() string {
	switch {
	case d.Reason == ReasonBreakpointHit:
		return "Breakpoint " + strconv.Itoa(d.BreakpointNumber)
	case d.Watchpoint != nil:
		return "Watchpoint " + strconv.Itoa(d.Watchpoint.Number) + ": " + d.Watchpoint.Exp
	case d.SignalName != "":
		if d.SignalMeaning != "" {
			return d.SignalName + ", " + d.SignalMeaning
		}
		return d.SignalName
	case d.Reason.Exited() && d.HasExitCode:
		return "Exited with code " + strconv.Itoa(d.ExitCode)
	case d.Reason == ReasonUnknown:
		return "Paused"
	default:
		return strings.ReplaceAll(d.Reason.String(), "-", " ")
	}
}

// DecodeStopped decodes the payload of a *stopped record.
func DecodeStopped(t *Tuple) StoppedDetails {
	d := StoppedDetails{
		RawReason:        t.String("reason"),
		ThreadID:         t.IntOr("thread-id", 0),
		BreakpointNumber: t.IntOr("bkptno", 0),
		SignalName:       t.String("signal-name"),
		SignalMeaning:    t.String("signal-meaning"),
	}
	d.Reason = ParseStopReason(d.RawReason)
	if v, ok := t.Get("stopped-threads"); ok && v.Kind == KindString && v.Str == "all" {
		d.AllThreadsStopped = true
	}
	if ft := t.Tuple("frame"); ft != nil {
		f := DecodeFrame(ft)
		d.Frame = &f
	}
	if s := t.String("exit-code"); s != "" {
		// gdb prints exit codes in octal with a leading zero.
		if n, err := strconv.ParseInt(s, 0, 32); err == nil {
			d.ExitCode, d.HasExitCode = int(n), true
		}
	} else if d.Reason == ReasonExitedNormally {
		d.HasExitCode = true
	}
	for _, key := range []string{"wpt", "hw-rwpt", "hw-awpt"} {
		if wt := t.Tuple(key); wt != nil {
			w := &WatchpointHit{Number: leadingInt(wt.String("number")), Exp: wt.String("exp")}
			if vt := t.Tuple("value"); vt != nil {
				w.OldValue = vt.String("old")
				w.NewValue = firstNonEmpty(vt.String("new"), vt.String("value"))
			}
			d.Watchpoint = w
			break
		}
	}
	return d
}

// ThreadGroup is a decoded thread-group notification.
type ThreadGroup struct {
	ID          string
	PID         int
	ExitCode    int
	HasExitCode bool
}

// DecodeThreadGroup decodes =thread-group-* payloads.
func DecodeThreadGroup(t *Tuple) ThreadGroup {
	g := ThreadGroup{ID: t.String("id"), PID: t.IntOr("pid", 0)}
	if s := t.String("exit-code"); s != "" {
		if n, err := strconv.ParseInt(s, 0, 32); err == nil {
			g.ExitCode, g.HasExitCode = int(n), true
		}
	}
	return g
}

// Library is a decoded library-loaded/unloaded payload.
type Library struct {
	ID            string
	TargetName    string
	HostName      string
	SymbolsLoaded bool
	ThreadGroup   string
	LowAddress    string
	HighAddress   string
}

// DecodeLibrary decodes =library-* payloads.
func DecodeLibrary(t *Tuple) Library {
	lib := Library{
		ID:            t.String("id"),
		TargetName:    t.String("target-name"),
		HostName:      t.String("host-name"),
		SymbolsLoaded: t.Bool("symbols-loaded"),
		ThreadGroup:   t.String("thread-group"),
	}
	if ranges := t.List("ranges"); len(ranges) > 0 {
		r := ranges[0].Tuple()
		lib.LowAddress, lib.HighAddress = r.String("from"), r.String("to")
	}
	return lib
}

// Instruction is one disassembled instruction.
type Instruction struct {
	Address string
	Func    string
	Offset  int
	Inst    string
	Opcodes string
	File    string
	Line    int
}

// DecodeInstructions decodes a -data-disassemble result in either the plain
// or the source-interleaved form.
func DecodeInstructions(t *Tuple) []Instruction {
	var out []Instruction
	for _, item := range t.List("asm_insns") {
		it := item.Tuple()
		if src := it.List("line_asm_insn"); it.Has("line_asm_insn") {
			file := firstNonEmpty(it.String("fullname"), it.String("file"))
			line := it.IntOr("line", 0)
			for _, ins := range src {
				in := decodeInstruction(ins.Tuple())
				in.File, in.Line = file, line
				out = append(out, in)
			}
			continue
		}
		out = append(out, decodeInstruction(it))
	}
	return out
}

func decodeInstruction(t *Tuple) Instruction {
	return Instruction{
		Address: t.String("address"),
		Func:    t.String("func-name"),
		Offset:  t.IntOr("offset", 0),
		Inst:    t.String("inst"),
		Opcodes: t.String("opcodes"),
	}
}

// MemoryBlock is one block of a -data-read-memory-bytes result.
type MemoryBlock struct {
	Begin    string
	Offset   string
	End      string
	Contents string
}

// DecodeMemory decodes a -data-read-memory-bytes result.
func DecodeMemory(t *Tuple) []MemoryBlock {
	var out []MemoryBlock
	for _, item := range t.List("memory") {
		mt := item.Tuple()
		out = append(out, MemoryBlock{
			Begin:    mt.String("begin"),
			Offset:   mt.String("offset"),
			End:      mt.String("end"),
			Contents: mt.String("contents"),
		})
	}
	return out
}

func leadingInt(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
