package gdb

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-gdb/internal/mi"
)

func attachEngine(t *testing.T) (*Engine, *fakeGDB) {
	t.Helper()
	f := newFakeGDB(t)
	e := NewEngine(logr.Discard())
	require.NoError(t, e.Attach(context.Background(), f.stdoutR, f.stdinW))
	t.Cleanup(func() { _ = e.Close() })
	return e, f
}

func TestEngineSetupEnablesAsyncMode(t *testing.T) {
	t.Parallel()

	_, f := attachEngine(t)
	assert.True(t, f.sawCommand("-gdb-set mi-async on"))
	assert.True(t, f.sawCommand("-enable-pretty-printing"))
}

func TestEngineUnclaimedBreakpointResultIsCached(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	inserted := make(chan mi.Breakpoint, 1)
	e.Events.BreakpointInserted.Subscribe(func(bp mi.Breakpoint) { inserted <- bp })

	f.emit(`000001^done,bkpt={number="1",line="10"}`)

	bp := waitFor(t, inserted)
	assert.Equal(t, 1, bp.Number)
	assert.Equal(t, 10, bp.Line)

	cached, ok := e.Breakpoint(1)
	require.True(t, ok)
	assert.Equal(t, bp, cached)
}

func TestEngineStopThenThreadInfo(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	f.reply("-stack-list-frames", `%s^done,stack=[frame={level="0",func="main",file="m.c",line="3"}]`)
	f.reply("-thread-info", `%s^done,threads=[{id="1",target-id="Thread 0x1",state="stopped"},{id="2",target-id="Thread 0x2",state="running"}],current-thread-id="1"`)

	_, err := e.StackListFrames(context.Background(), 1, 0, -1)
	require.NoError(t, err)
	_, ok := e.Frames(1)
	require.True(t, ok)

	stopped := make(chan mi.StoppedDetails, 1)
	e.Events.Stopped.Subscribe(func(d mi.StoppedDetails) { stopped <- d })
	f.emit(`*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",thread-id="1",stopped-threads="all"`)

	d := waitFor(t, stopped)
	assert.Equal(t, mi.ReasonBreakpointHit, d.Reason)
	assert.False(t, e.IsRunning())
	_, ok = e.Frames(1)
	assert.False(t, ok, "stale stack must be cleared on stop")

	ev, err := e.ThreadInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, ev.Threads, 2)
	assert.True(t, ev.Threads[0].Stopped())
	require.NotNil(t, ev.Stop)
	assert.Equal(t, 1, ev.Stop.ThreadID)
	assert.Equal(t, 1, ev.Current)
}

func TestEngineRunningInvalidatesStacks(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	f.reply("-stack-list-frames", `%s^done,stack=[frame={level="0",func="main"}]`)
	_, err := e.StackListFrames(context.Background(), 1, 0, -1)
	require.NoError(t, err)

	running := make(chan RunningEvent, 1)
	e.Events.Running.Subscribe(func(ev RunningEvent) { running <- ev })
	f.emit(`*running,thread-id="all"`)

	assert.True(t, waitFor(t, running).AllThreads())
	assert.True(t, e.IsRunning())
	_, ok := e.Frames(1)
	assert.False(t, ok)
	_, ok = e.LastStop()
	assert.False(t, ok)
}

func TestEngineLocalsCache(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		invalidate string
	}{
		{"running", `*running,thread-id="all"`},
		{"stopped", `*stopped,reason="end-stepping-range",thread-id="1",stopped-threads="all"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, f := attachEngine(t)
			f.reply("-stack-list-variables --thread 1", `%s^done,variables=[{name="x",value="1",type="int"}]`)
			f.reply("-stack-list-variables --thread 2", `%s^done,variables=[{name="y",value="2",type="int"},{name="z",value="3",type="int"}]`)

			updated := make(chan LocalsEvent, 4)
			e.Events.LocalsUpdated.Subscribe(func(ev LocalsEvent) { updated <- ev })
			ctx := context.Background()

			_, err := e.StackListVariables(ctx, 1, 0)
			require.NoError(t, err)
			ev := waitFor(t, updated)
			assert.Equal(t, 1, ev.ThreadID)
			assert.Equal(t, 0, ev.Frame)
			require.Len(t, ev.Variables, 1)

			_, err = e.StackListVariables(ctx, 2, 0)
			require.NoError(t, err)
			assert.Equal(t, 2, waitFor(t, updated).ThreadID)

			one, ok := e.Locals(1, 0)
			require.True(t, ok)
			assert.Equal(t, "x", one[0].Name)
			two, ok := e.Locals(2, 0)
			require.True(t, ok)
			assert.Len(t, two, 2)

			f.reply("-stack-list-variables --thread 1", `%s^done,variables=[{name="x",value="5",type="int"}]`)
			_, err = e.StackListVariables(ctx, 1, 0)
			require.NoError(t, err)
			assert.Equal(t, "5", waitFor(t, updated).Variables[0].Value)
			one, ok = e.Locals(1, 0)
			require.True(t, ok)
			require.Len(t, one, 1)
			assert.Equal(t, "5", one[0].Value)

			done := make(chan struct{}, 1)
			signal := func() {
				select {
				case done <- struct{}{}:
				default:
				}
			}
			e.Events.Running.Subscribe(func(RunningEvent) { signal() })
			e.Events.Stopped.Subscribe(func(mi.StoppedDetails) { signal() })
			f.emit(tt.invalidate)
			waitFor(t, done)

			_, ok = e.Locals(1, 0)
			assert.False(t, ok)
			_, ok = e.Locals(2, 0)
			assert.False(t, ok)
		})
	}
}

func TestEngineIgnoresBreakpointWithoutNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record string
	}{
		{"missing number", `=breakpoint-modified,bkpt={type="breakpoint",file="a.c",line="3"}`},
		{"non-numeric number", `=breakpoint-modified,bkpt={number="x",type="breakpoint",line="3"}`},
		{"created without number", `=breakpoint-created,bkpt={type="breakpoint",line="3"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, f := attachEngine(t)
			modified := make(chan mi.Breakpoint, 2)
			e.Events.BreakpointModified.Subscribe(func(bp mi.Breakpoint) { modified <- bp })

			f.emit(tt.record)
			f.emit(`=breakpoint-modified,bkpt={number="5",type="breakpoint",file="b.c",line="9"}`)

			assert.Equal(t, 5, waitFor(t, modified).Number)
			_, ok := e.Breakpoint(0)
			assert.False(t, ok)
			require.Len(t, e.Breakpoints(), 1)
		})
	}
}

func TestEngineBreakpointDeletedPublishesFinalSnapshot(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	modified := make(chan mi.Breakpoint, 1)
	removed := make(chan mi.Breakpoint, 1)
	e.Events.BreakpointModified.Subscribe(func(bp mi.Breakpoint) { modified <- bp })
	e.Events.BreakpointRemoved.Subscribe(func(bp mi.Breakpoint) { removed <- bp })

	f.emit(`=breakpoint-modified,bkpt={number="4",type="breakpoint",file="a.c",line="7",times="2"}`)
	assert.Equal(t, 2, waitFor(t, modified).Times)

	f.emit(`=breakpoint-deleted,id="4"`)
	bp := waitFor(t, removed)
	assert.Equal(t, 4, bp.Number)
	assert.Equal(t, "a.c", bp.File)
	assert.Equal(t, 2, bp.Times)
	assert.Empty(t, e.Breakpoints())
}

func TestEngineBreakInsertCommandLine(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	f.reply("-break-insert", `%s^done,bkpt={number="2",type="breakpoint",enabled="y",file="main.c",fullname="/src/main.c",line="10",cond="x > 1"}`)

	bp, err := e.BreakInsert(context.Background(), BreakpointSpec{Location: "/src/main.c:10", Condition: "x > 1", IgnoreCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 2, bp.Number)
	assert.True(t, f.sawCommand(`-break-insert -f -c "x > 1" -i 3 "/src/main.c:10"`))

	require.NoError(t, e.BreakDelete(context.Background(), 2))
	assert.True(t, f.sawCommand("-break-delete 2"))
	_, ok := e.Breakpoint(2)
	assert.False(t, ok)
}

func TestEngineVarUpdateMergesOnlyReportedFields(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	f.reply("-var-create", `%s^done,name="var1",numchild="0",value="1",type="int",has_more="0"`)
	f.reply("-var-update", `%s^done,changelist=[{name="var1",value="3",in_scope="true",type_changed="false",has_more="0"},{name="var9",in_scope="false",type_changed="false",has_more="0"}]`)

	v, err := e.VarCreate(context.Background(), "count", InFrame(1, 0), false)
	require.NoError(t, err)
	assert.Equal(t, "var1", v.Name)
	assert.True(t, f.sawCommand(`-var-create --thread 1 --frame 0 - * "count"`))

	changed := make(chan []string, 1)
	e.Events.VariablesChanged.Subscribe(func(names []string) { changed <- names })

	changes, err := e.VarUpdate(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, []string{"var1", "var9"}, waitFor(t, changed))

	cached, ok := e.VarObject("var1")
	require.True(t, ok)
	assert.Equal(t, "3", cached.Value)
	assert.Equal(t, "int", cached.Type)
	assert.Equal(t, "count", cached.Exp)
}

func TestEngineLibraryAndThreadGroupEvents(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	groups := make(chan ThreadGroupEvent, 2)
	e.Events.ThreadGroup.Subscribe(func(ev ThreadGroupEvent) { groups <- ev })
	libs := make(chan LibraryEvent, 1)
	e.Events.Library.Subscribe(func(ev LibraryEvent) { libs <- ev })

	f.emit(`=thread-group-started,id="i1",pid="4242"`)
	f.emit(`=library-loaded,id="/lib/libc.so.6",target-name="/lib/libc.so.6",host-name="/lib/libc.so.6",symbols-loaded="0",thread-group="i1",ranges=[{from="0x1000",to="0x2000"}]`)
	f.emit(`=thread-group-exited,id="i1",exit-code="03"`)

	assert.Equal(t, 4242, waitFor(t, groups).Group.PID)
	lib := waitFor(t, libs)
	assert.True(t, lib.Loaded)
	assert.Equal(t, "0x1000", lib.Library.LowAddress)

	exited := waitFor(t, groups)
	assert.Equal(t, "exited", exited.Kind)
	assert.Equal(t, 3, exited.Group.ExitCode)
	assert.Equal(t, 4242, exited.Group.PID)
	require.Len(t, e.Libraries(), 1)
}

func TestEngineConsoleCapturesOutput(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	f.reply("-interpreter-exec console", `~"rax            0x0\n"`, "%s^done")

	out, err := e.Console(context.Background(), "info registers rax")
	require.NoError(t, err)
	assert.Equal(t, "rax            0x0\n", out)
	assert.True(t, f.sawCommand(`-interpreter-exec console "info registers rax"`))
}

func TestEngineExitedFiresOnce(t *testing.T) {
	t.Parallel()

	e, f := attachEngine(t)
	exited := make(chan error, 2)
	e.Events.Exited.Subscribe(func(err error) { exited <- err })

	f.kill()
	waitFor(t, exited)
	<-e.Done()
	select {
	case <-exited:
		t.Fatal("exited published twice")
	default:
	}
}

func TestDprintfFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		format string
		args   []string
	}{
		{in: "hello", format: "hello\n"},
		{in: "x={x} y={p->y}", format: "x=%s y=%s\n", args: []string{"$_as_string(x)", "$_as_string(p->y)"}},
		{in: "100% {{literal}}", format: "100%% {literal}\n"},
		{in: "open {brace", format: "open {brace\n"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			format, args := DprintfFormat(tt.in)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain", shellQuote("plain"))
	assert.Equal(t, "'two words'", shellQuote("two words"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}
