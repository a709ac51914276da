package server

import (
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-gdb/internal/mi"
)

func TestInitializeCapabilities(t *testing.T) {
	t.Parallel()

	for _, reverse := range []bool{false, true} {
		c := startSession(t, func(o *Options) { o.Reverse = reverse })
		caps := c.initialize().Body
		assert.True(t, caps.SupportsConfigurationDoneRequest)
		assert.True(t, caps.SupportsFunctionBreakpoints)
		assert.True(t, caps.SupportsLogPoints)
		assert.True(t, caps.SupportsDisassembleRequest)
		assert.Equal(t, reverse, caps.SupportsStepBack)
		require.Len(t, caps.ExceptionBreakpointFilters, 2)
		assert.Equal(t, filterThrow, caps.ExceptionBreakpointFilters[0].Filter)
	}
}

func TestLaunchLoadsProgramThenInitialized(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.initialize()
	resp := c.launch(`{"program": "/bin/prog", "cwd": "/work", "env": {"B": "2", "A": "1"}}`)
	require.True(t, resp.(dap.ResponseMessage).GetResponse().Success)
	c.event("initialized")

	cmds := c.gdb.received()
	assert.Contains(t, cmds, `-file-exec-and-symbols "/bin/prog"`)
	assert.Contains(t, cmds, `-environment-cd "/work"`)
	assert.Less(t, indexOfPrefix(cmds, `-interpreter-exec console "set environment A=1"`),
		indexOfPrefix(cmds, `-interpreter-exec console "set environment B=2"`))
	assert.GreaterOrEqual(t, indexOfPrefix(cmds, `-interpreter-exec console "set environment A=1"`), 0)
	assert.Zero(t, c.gdb.count("-exec-run"), "the program starts at configurationDone")

	c.gdb.reply("-exec-run", "%s^running", `*running,thread-id="all"`)
	c.send(&dap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	c.response("configurationDone")
	assert.Equal(t, 1, c.gdb.count("-exec-run"))
	assert.Zero(t, c.seen("continued"), "the initial run is not reported as continued")
}

func indexOfPrefix(cmds []string, prefix string) int {
	for i, c := range cmds {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			return i
		}
	}
	return -1
}

func TestStopOnEntryUsesStartAndReportsEntry(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.gdb.reply("-exec-run --start", "%s^running", `*running,thread-id="all"`)
	c.initialize()
	c.launch(`{"program": "/bin/prog", "stopOnEntry": true}`)
	c.event("initialized")
	c.send(&dap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	c.response("configurationDone")
	require.Equal(t, 1, c.gdb.count("-exec-run --start"))

	// -exec-run --start stops on a temporary breakpoint the client never set.
	c.gdb.emit(`*stopped,reason="breakpoint-hit",disp="del",bkptno="99",thread-id="1",stopped-threads="all"`)
	stopped := c.event("stopped").(*dap.StoppedEvent)
	assert.Equal(t, reasonEntry, stopped.Body.Reason)
	assert.Empty(t, stopped.Body.HitBreakpointIds)
}

func TestLaunchErrors(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.initialize()
	resp := c.launch(`{"args": ["x"]}`)
	errResp, ok := resp.(*dap.ErrorResponse)
	require.True(t, ok, "got %T", resp)
	assert.False(t, errResp.Success)
	assert.Contains(t, errResp.Message, "program")

	c.gdb.reply("-file-exec-and-symbols", `%s^error,msg="/nope: No such file or directory."`)
	resp = c.launch(`{"program": "/nope"}`)
	errResp, ok = resp.(*dap.ErrorResponse)
	require.True(t, ok, "got %T", resp)
	assert.Equal(t, "/nope: No such file or directory.", errResp.Message)
}

func TestRequestsBeforeLaunch(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.initialize()

	c.send(&dap.ThreadsRequest{Request: c.request("threads")})
	threads := responseAs[*dap.ThreadsResponse](c, "threads")
	assert.Empty(t, threads.Body.Threads)

	c.send(&dap.StackTraceRequest{Request: c.request("stackTrace"), Arguments: dap.StackTraceArguments{ThreadId: 1}})
	errResp := responseAs[*dap.ErrorResponse](c, "stackTrace")
	assert.Contains(t, errResp.Message, "launch or attach")
}

func TestUnknownCommandIsRejected(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	require.NoError(t, dap.WriteBaseMessage(c.conn, []byte(`{"seq":7,"type":"request","command":"frobnicate","arguments":{}}`)))
	errResp := responseAs[*dap.ErrorResponse](c, "frobnicate")
	assert.Equal(t, 7, errResp.RequestSeq)

	// The session keeps serving.
	c.initialize()
}

func TestSetBreakpointsReusesAndDeletes(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.initialize()
	c.launch(`{"program": "/bin/prog"}`)
	c.gdb.reply(`-break-insert -f "/src/m.c:10"`,
		`%s^done,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x0000000000401136",func="main",file="m.c",fullname="/src/m.c",line="10",times="0"}`)
	c.gdb.reply(`-break-insert -f "/src/m.c:20"`,
		`%s^done,bkpt={number="2",type="breakpoint",disp="keep",enabled="y",addr="<PENDING>",pending="/src/m.c:20",times="0"}`)

	set := func(lines ...int) []dap.Breakpoint {
		bps := make([]dap.SourceBreakpoint, len(lines))
		for i, l := range lines {
			bps[i] = dap.SourceBreakpoint{Line: l}
		}
		c.send(&dap.SetBreakpointsRequest{Request: c.request("setBreakpoints"), Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "/src/m.c"},
			Breakpoints: bps,
		}})
		return responseAs[*dap.SetBreakpointsResponse](c, "setBreakpoints").Body.Breakpoints
	}

	got := set(10, 20)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Id)
	assert.True(t, got[0].Verified)
	assert.Equal(t, 10, got[0].Line)
	assert.Equal(t, "0x0000000000401136", got[0].InstructionReference)
	assert.Equal(t, 2, got[1].Id)
	assert.False(t, got[1].Verified, "a pending breakpoint is not verified")

	got = set(10)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Id)
	assert.Equal(t, 2, c.gdb.count("-break-insert"), "line 10 keeps its breakpoint")
	assert.Equal(t, 1, c.gdb.count("-break-delete 2"))

	set()
	assert.Equal(t, 1, c.gdb.count("-break-delete 1"))
}

func TestSetBreakpointsFailuresAndLogPoints(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.initialize()
	c.launch(`{"program": "/bin/prog"}`)
	c.gdb.reply(`-break-insert -f "/src/m.c:1"`, `%s^error,msg="No line 1 in file \"m.c\"."`)
	c.gdb.reply(`-dprintf-insert`,
		`%s^done,bkpt={number="3",type="dprintf",disp="keep",enabled="y",addr="0x401140",file="m.c",fullname="/src/m.c",line="12",times="0"}`)

	c.send(&dap.SetBreakpointsRequest{Request: c.request("setBreakpoints"), Arguments: dap.SetBreakpointsArguments{
		Source: dap.Source{Path: "/src/m.c"},
		Breakpoints: []dap.SourceBreakpoint{
			{Line: 1},
			{Line: 12, LogMessage: "x={x}", HitCondition: ">2"},
			{Line: 14, HitCondition: "often"},
		},
	}})
	got := responseAs[*dap.SetBreakpointsResponse](c, "setBreakpoints").Body.Breakpoints
	require.Len(t, got, 3)

	assert.False(t, got[0].Verified)
	assert.Equal(t, `No line 1 in file "m.c".`, got[0].Message)
	assert.Equal(t, "/src/m.c", got[0].Source.Path)

	assert.True(t, got[1].Verified)
	assert.Equal(t, 3, got[1].Id)
	assert.Equal(t, 1, c.gdb.count(`-dprintf-insert -f "/src/m.c:12" "x=%s\n" "$_as_string(x)"`))
	assert.Equal(t, 1, c.gdb.count("-break-after 3 2"))

	assert.False(t, got[2].Verified)
	assert.Contains(t, got[2].Message, "hit condition")
}

func TestParseHitCondition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "1", want: 0},
		{in: "5", want: 4},
		{in: "==5", want: 4},
		{in: ">=5", want: 4},
		{in: ">5", want: 5},
		{in: " 3 ", want: 2},
		{in: "0", want: 0},
		{in: "x", wantErr: true},
		{in: "<3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseHitCondition(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStopAtOwnedBreakpoint(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.gdb.reply(`-break-insert -f "main"`,
		`%s^done,bkpt={number="1",type="breakpoint",disp="keep",enabled="y",addr="0x0000000000401136",func="main",file="m.c",fullname="/src/m.c",line="10",times="0"}`)
	c.running()

	c.send(&dap.SetFunctionBreakpointsRequest{Request: c.request("setFunctionBreakpoints"), Arguments: dap.SetFunctionBreakpointsArguments{
		Breakpoints: []dap.FunctionBreakpoint{{Name: "main"}},
	}})
	got := responseAs[*dap.SetFunctionBreakpointsResponse](c, "setFunctionBreakpoints").Body.Breakpoints
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].Id)

	c.gdb.emit(stopAtLine10)
	stopped := c.event("stopped").(*dap.StoppedEvent)
	assert.Equal(t, "function breakpoint", stopped.Body.Reason)
	assert.Equal(t, []int{1}, stopped.Body.HitBreakpointIds)
	assert.Equal(t, 1, stopped.Body.ThreadId)
	assert.True(t, stopped.Body.AllThreadsStopped)
}

func TestStackScopesAndVariables(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.stopped()
	f := c.gdb
	f.reply("-stack-list-frames",
		`%s^done,stack=[frame={level="0",addr="0x0000000000401136",func="main",file="m.c",fullname="/src/m.c",line="10"},`+
			`frame={level="1",addr="0x00007ffff7829d90",func="__libc_start_call_main",from="/lib/libc.so.6"}]`)
	f.reply("-data-disassemble -a", `%s^done,asm_insns=[`+
		`{address="0x00007ffff7829d80",func-name="__libc_start_call_main",offset="0",inst="push %rax"},`+
		`{address="0x00007ffff7829d90",func-name="__libc_start_call_main",offset="16",inst="mov %eax,%edi"}]`)
	f.reply("-stack-list-variables",
		`%s^done,variables=[{name="argc",arg="1",type="int",value="1"},{name="p",type="struct point"}]`)
	f.reply(`-var-create --thread 1 --frame 0 - * "argc"`, `%s^done,name="var1",numchild="0",value="1",type="int",thread-id="1",has_more="0"`)
	f.reply(`-var-create --thread 1 --frame 0 - * "p"`, `%s^done,name="var2",numchild="2",value="{...}",type="struct point",thread-id="1",has_more="0"`)
	f.reply(`-var-list-children --all-values "var2"`,
		`%s^done,numchild="2",children=[child={name="var2.x",exp="x",numchild="0",value="3",type="int"},`+
			`child={name="var2.next",exp="next",numchild="1",value="0x4052a0",type="struct point *"}],has_more="0"`)

	c.send(&dap.StackTraceRequest{Request: c.request("stackTrace"), Arguments: dap.StackTraceArguments{ThreadId: 1}})
	stack := responseAs[*dap.StackTraceResponse](c, "stackTrace").Body
	require.Len(t, stack.StackFrames, 2)
	assert.Equal(t, 2, stack.TotalFrames)
	top := stack.StackFrames[0]
	assert.Equal(t, "main", top.Name)
	assert.Equal(t, "/src/m.c", top.Source.Path)
	assert.Equal(t, 10, top.Line)
	libc := stack.StackFrames[1]
	require.NotNil(t, libc.Source)
	assert.Positive(t, libc.Source.SourceReference)
	assert.Equal(t, 2, libc.Line, "the pc is the second instruction of the listing")
	assert.Equal(t, "subtle", libc.PresentationHint)

	c.send(&dap.SourceRequest{Request: c.request("source"), Arguments: dap.SourceArguments{SourceReference: libc.Source.SourceReference}})
	listing := responseAs[*dap.SourceResponse](c, "source").Body.Content
	assert.Contains(t, listing, "mov %eax,%edi")

	c.send(&dap.ScopesRequest{Request: c.request("scopes"), Arguments: dap.ScopesArguments{FrameId: top.Id}})
	scopes := responseAs[*dap.ScopesResponse](c, "scopes").Body.Scopes
	require.Len(t, scopes, 2)

	variables := func(ref int) []dap.Variable {
		c.send(&dap.VariablesRequest{Request: c.request("variables"), Arguments: dap.VariablesArguments{VariablesReference: ref}})
		return responseAs[*dap.VariablesResponse](c, "variables").Body.Variables
	}
	args := variables(scopes[0].VariablesReference)
	require.Len(t, args, 1)
	assert.Equal(t, "argc", args[0].Name)
	assert.Zero(t, args[0].VariablesReference)

	locals := variables(scopes[1].VariablesReference)
	require.Len(t, locals, 1)
	assert.Equal(t, "p", locals[0].Name)
	require.Positive(t, locals[0].VariablesReference)

	// Listing the same scope again reuses the variable objects.
	variables(scopes[1].VariablesReference)
	assert.Equal(t, 1, f.count(`-var-create --thread 1 --frame 0 - * "p"`))

	children := variables(locals[0].VariablesReference)
	require.Len(t, children, 2)
	assert.Equal(t, "x", children[0].Name)
	assert.Equal(t, "3", children[0].Value)
	assert.Equal(t, "0x4052a0", children[1].MemoryReference)
	assert.Positive(t, children[1].VariablesReference)

	f.reply(`-var-assign "var2.x"`, `%s^done,value="7"`)
	c.send(&dap.SetVariableRequest{Request: c.request("setVariable"), Arguments: dap.SetVariableArguments{
		VariablesReference: locals[0].VariablesReference, Name: "x", Value: "7",
	}})
	assert.Equal(t, "7", responseAs[*dap.SetVariableResponse](c, "setVariable").Body.Value)

	// Resuming drops the frame ids and deletes the scope variable objects.
	f.reply("-exec-continue", "%s^running", `*running,thread-id="all"`)
	c.send(&dap.ContinueRequest{Request: c.request("continue"), Arguments: dap.ContinueArguments{ThreadId: 1}})
	assert.True(t, responseAs[*dap.ContinueResponse](c, "continue").Body.AllThreadsContinued)

	c.send(&dap.ScopesRequest{Request: c.request("scopes"), Arguments: dap.ScopesArguments{FrameId: top.Id}})
	responseAs[*dap.ErrorResponse](c, "scopes")
	assert.Equal(t, 1, f.count(`-var-delete "var1"`))
	assert.Equal(t, 1, f.count(`-var-delete "var2"`))
	assert.Zero(t, c.seen("continued"))
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.stopped()
	f := c.gdb
	f.reply(`-interpreter-exec console "info registers rip"`, `~"rip 0x401136 <main+4>\n"`, "%s^done")
	f.reply(`-var-create - * "x + 1"`, `%s^done,name="var1",numchild="0",value="4",type="int",has_more="0"`)
	f.reply(`-var-create - @ "counter"`, `%s^done,name="var2",numchild="0",value="1",type="int",has_more="0"`)
	f.reply(`-var-update --all-values *`, `%s^done,changelist=[{name="var2",value="2",in_scope="true",type_changed="false",has_more="0"}]`)
	f.reply(`-var-create - * "nope"`, `%s^error,msg="No symbol \"nope\" in current context."`)

	evaluate := func(expr, context string) dap.Message {
		c.send(&dap.EvaluateRequest{Request: c.request("evaluate"), Arguments: dap.EvaluateArguments{Expression: expr, Context: context}})
		return c.response("evaluate")
	}

	repl := evaluate("`info registers rip", "repl").(*dap.EvaluateResponse)
	assert.Equal(t, "rip 0x401136 <main+4>", repl.Body.Result)

	hover := evaluate("x + 1", "hover").(*dap.EvaluateResponse)
	assert.Equal(t, "4", hover.Body.Result)
	assert.Equal(t, "int", hover.Body.Type)

	first := evaluate("counter", "watch").(*dap.EvaluateResponse)
	assert.Equal(t, "1", first.Body.Result)
	second := evaluate("counter", "watch").(*dap.EvaluateResponse)
	assert.Equal(t, "2", second.Body.Result)
	assert.Equal(t, 1, f.count(`-var-create - @ "counter"`), "watches keep their variable object")

	failed := evaluate("nope", "hover").(*dap.ErrorResponse)
	assert.Equal(t, `No symbol "nope" in current context.`, failed.Message)
}

func TestExitReportsExitedAndTerminatedOnce(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.running()
	c.gdb.emit(`*stopped,reason="exited",exit-code="03"`)
	exited := c.event("exited").(*dap.ExitedEvent)
	assert.Equal(t, 3, exited.Body.ExitCode)
	c.event("terminated")

	c.gdb.emit(`=thread-group-exited,id="i1",exit-code="03"`)
	c.send(&dap.DisconnectRequest{Request: c.request("disconnect")})
	c.response("disconnect")
	assert.Zero(t, c.seen("exited"))
	assert.Zero(t, c.seen("terminated"))

	select {
	case err := <-c.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after disconnect")
	}
}

func TestDisconnectInterruptsAndKills(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.gdb.reply("-exec-interrupt", "%s^done", `*stopped,reason="signal-received",signal-name="SIGINT",thread-id="1",stopped-threads="all"`)
	c.running()

	c.send(&dap.DisconnectRequest{Request: c.request("disconnect")})
	c.response("disconnect")
	c.event("terminated")
	assert.Zero(t, c.seen("stopped"), "the interrupt for disconnect is not reported")

	cmds := c.gdb.received()
	interrupt := indexOfPrefix(cmds, "-exec-interrupt")
	kill := indexOfPrefix(cmds, `-interpreter-exec console "kill"`)
	require.GreaterOrEqual(t, interrupt, 0)
	assert.Greater(t, kill, interrupt)
}

func TestPauseReportsStop(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.gdb.reply("-exec-interrupt", "%s^done", `*stopped,reason="signal-received",signal-name="SIGINT",signal-meaning="Interrupt",thread-id="2",stopped-threads="all"`)
	c.running()

	c.send(&dap.PauseRequest{Request: c.request("pause"), Arguments: dap.PauseArguments{ThreadId: 2}})
	c.response("pause")
	stopped := c.event("stopped").(*dap.StoppedEvent)
	assert.Equal(t, "pause", stopped.Body.Reason)
	assert.Equal(t, 2, stopped.Body.ThreadId)
}

func TestStepBackRequiresRecording(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.stopped()
	c.send(&dap.StepBackRequest{Request: c.request("stepBack"), Arguments: dap.StepBackArguments{ThreadId: 1}})
	responseAs[*dap.ErrorResponse](c, "stepBack")
	assert.Zero(t, c.gdb.count("-exec-next"))

	c.gdb.reply("-exec-next-instruction", "%s^running", `*running,thread-id="all"`)
	c.send(&dap.NextRequest{Request: c.request("next"), Arguments: dap.NextArguments{ThreadId: 1, Granularity: "instruction"}})
	c.response("next")
	assert.Equal(t, 1, c.gdb.count("-exec-next-instruction --thread 1"))
}

func TestReadMemoryAndDisassemble(t *testing.T) {
	t.Parallel()

	c := startSession(t, nil)
	c.stopped()
	f := c.gdb
	f.reply(`-data-read-memory-bytes "0x1000" 4`,
		`%s^done,memory=[{begin="0x0000000000001000",offset="0x0000000000000000",end="0x0000000000001002",contents="cafe"}]`)
	c.send(&dap.ReadMemoryRequest{Request: c.request("readMemory"), Arguments: dap.ReadMemoryArguments{MemoryReference: "0x1000", Count: 4}})
	mem := responseAs[*dap.ReadMemoryResponse](c, "readMemory").Body
	assert.Equal(t, "0x1000", mem.Address)
	assert.Equal(t, "yv4=", mem.Data)
	assert.Equal(t, 2, mem.UnreadableBytes)

	f.reply("-data-disassemble -s 0x1000", `%s^done,asm_insns=[`+
		`{address="0x1000",func-name="f",offset="0",inst="push %rbp",opcodes="55"},`+
		`{address="0x1001",func-name="f",offset="1",inst="mov %rsp,%rbp",opcodes="48 89 e5"}]`)
	c.send(&dap.DisassembleRequest{Request: c.request("disassemble"), Arguments: dap.DisassembleArguments{
		MemoryReference: "0x1000", InstructionCount: 3, ResolveSymbols: true,
	}})
	insns := responseAs[*dap.DisassembleResponse](c, "disassemble").Body.Instructions
	require.Len(t, insns, 3)
	assert.Equal(t, "push %rbp", insns[0].Instruction)
	assert.Equal(t, "f+1", insns[1].Symbol)
	assert.Equal(t, "??", insns[2].Instruction, "missing instructions are padded")
}

func TestContiguousStopsAtGap(t *testing.T) {
	t.Parallel()

	data, err := contiguous(0x10, []mi.MemoryBlock{
		{Begin: "0x10", End: "0x12", Contents: "0102"},
		{Begin: "0x20", End: "0x21", Contents: "03"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, data)

	_, err = contiguous(0x10, []mi.MemoryBlock{{Begin: "0x10", Contents: "zz"}})
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{in: "0x401136", want: 0x401136, ok: true},
		{in: "0x0000000000401136 <main+4>", want: 0x401136, ok: true},
		{in: "  0X10", want: 0x10, ok: true},
		{in: "4198710", ok: false},
		{in: "{...}", ok: false},
		{in: "0xzz", ok: false},
	}
	for _, tt := range tests {
		got, ok := parseAddress(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.in)
		}
	}
	assert.Equal(t, "0x4052a0", memoryReference("0x00000000004052a0"))
	assert.Empty(t, memoryReference("42"))
}
