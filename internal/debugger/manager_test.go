package debugger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/pkg/types"
)

func codeOf(t *testing.T, err error) dgerrors.ErrorCode {
	t.Helper()
	var de *dgerrors.DebugError
	require.ErrorAs(t, err, &de)
	return de.Code
}

func TestManagerLimitAndLookup(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerOptions{MaxSessions: 2, Log: logr.Discard()})
	t.Cleanup(func() { m.Close(context.Background()) })

	first, err := m.Create(types.SessionKindLaunch, "/bin/a")
	require.NoError(t, err)
	_, err = m.Create(types.SessionKindAttach, "")
	require.NoError(t, err)

	_, err = m.Create(types.SessionKindLaunch, "/bin/c")
	assert.Equal(t, dgerrors.CodeSessionLimitReached, codeOf(t, err))

	got, err := m.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, got)

	_, err = m.Get("missing")
	assert.Equal(t, dgerrors.CodeSessionNotFound, codeOf(t, err))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)

	info := first.Info()
	assert.Equal(t, types.SessionKindLaunch, info.Kind)
	assert.Equal(t, types.SessionStatusInitializing, info.Status)
	assert.Nil(t, info.ExitCode)

	require.NoError(t, m.Terminate(context.Background(), first.ID, true))
	_, err = m.Get(first.ID)
	assert.Error(t, err)
	assert.Equal(t, dgerrors.CodeSessionNotFound, codeOf(t, m.Terminate(context.Background(), first.ID, true)))
}

func TestManagerReapsIdleSessions(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerOptions{SessionTimeout: time.Minute, Log: logr.Discard()})
	t.Cleanup(func() { m.Close(context.Background()) })

	idle, err := m.Create(types.SessionKindLaunch, "/bin/idle")
	require.NoError(t, err)
	busy, err := m.Create(types.SessionKindLaunch, "/bin/busy")
	require.NoError(t, err)

	idle.mu.Lock()
	idle.lastActive = time.Now().Add(-2 * time.Minute)
	idle.mu.Unlock()

	m.cleanupExpired(time.Now())

	_, err = m.Get(idle.ID)
	assert.Error(t, err)
	_, err = m.Get(busy.ID)
	assert.NoError(t, err)
	assert.Equal(t, StateTerminated, idle.Session.State())
}

func TestManagerStartStagesBreakpoints(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	m := NewManager(ManagerOptions{
		BackendAddress: "fake",
		Session:        Options{Dial: a.dial, RetryInterval: time.Millisecond},
		Log:            logr.Discard(),
	})
	t.Cleanup(func() { m.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e, err := m.Start(ctx, StartRequest{
		Kind:        types.SessionKindLaunch,
		Program:     "/bin/prog",
		Args:        map[string]any{"program": "/bin/prog"},
		Breakpoints: map[string][]SourceBreakpoint{"/src/main.c": {{Line: 4}}},
		Functions:   []string{"main"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.SessionStatusStopped, e.Info().Status)
	assert.Len(t, e.Session.Breakpoints(), 2)

	cmds := a.commands()
	require.GreaterOrEqual(t, len(cmds), 5)
	assert.Equal(t, []string{"initialize", "launch", "setFunctionBreakpoints", "setBreakpoints", "configurationDone"}, cmds[:5])
}

func TestManagerStartFailureUnregisters(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	a.handle("launch", func(req dap.RequestMessage) []dap.Message {
		r := resp(req)
		r.Success = false
		r.Message = "No executable specified"
		return []dap.Message{&dap.ErrorResponse{Response: r}}
	})
	m := NewManager(ManagerOptions{
		BackendAddress: "fake",
		Session:        Options{Dial: a.dial, RetryInterval: time.Millisecond},
		Log:            logr.Discard(),
	})
	t.Cleanup(func() { m.Close(context.Background()) })

	_, err := m.Start(context.Background(), StartRequest{Kind: types.SessionKindLaunch, Program: "/nope"})
	assert.Equal(t, dgerrors.CodeDAPLaunchFailed, codeOf(t, err))
	assert.Empty(t, m.List())
}

func TestOutputBuffer(t *testing.T) {
	t.Parallel()

	b := NewOutputBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Output(s, CategoryStdout)
	}
	b.Output("warn", CategoryStderr)

	assert.Equal(t, []OutputLine{
		{Category: CategoryStdout, Text: "c"},
		{Category: CategoryStdout, Text: "d"},
		{Category: CategoryStderr, Text: "warn"},
	}, b.Recent(0))
	assert.Len(t, b.Recent(1), 1)
	assert.Equal(t, "cd", b.Text(CategoryStdout))
	assert.Equal(t, "cdwarn", b.Text())

	_, ok := b.Last()
	assert.False(t, ok)

	next := b.Next()
	b.Event(Event{Kind: EventThreadsUpdated})
	select {
	case <-next:
		t.Fatal("non-stop events must not wake waiters")
	default:
	}

	b.Event(Event{Kind: EventStopped, ThreadID: 3})
	ev := <-next
	assert.Equal(t, 3, ev.ThreadID)
	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, EventStopped, last.Kind)
}

func TestCategoryFromDAP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Category
	}{
		{"stdout", CategoryStdout},
		{"stderr", CategoryStderr},
		{"", CategoryConsole},
		{"console", CategoryConsole},
		{"important", CategoryError},
		{"telemetry", CategoryLog},
		{"something", CategoryNormal},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, categoryFromDAP(tt.in))
		})
	}
}

func TestSourceCache(t *testing.T) {
	t.Parallel()

	c := NewSourceCache()

	first := &dap.Source{Name: "main.c", Path: "/src/main.c"}
	assert.Same(t, first, c.Intern(first))
	assert.Same(t, first, c.Intern(&dap.Source{Path: "/src/main.c"}))

	synthetic := &dap.Source{Name: "disassembly", SourceReference: 9}
	assert.Same(t, synthetic, c.Intern(synthetic))
	assert.Same(t, synthetic, c.Intern(&dap.Source{SourceReference: 9, Name: "other"}))
	assert.Nil(t, c.Intern(nil))

	path := filepath.Join(t.TempDir(), "prog.c")
	require.NoError(t, os.WriteFile(path, []byte("int main(void) {}\n"), 0o600))
	content, err := c.Content(context.Background(), nil, dap.Source{Path: path})
	require.NoError(t, err)
	assert.Equal(t, "int main(void) {}\n", content)

	require.NoError(t, os.Remove(path))
	content, err = c.Content(context.Background(), nil, dap.Source{Path: path})
	require.NoError(t, err, "contents are cached")
	assert.NotEmpty(t, content)

	c.Clear()
	_, err = c.Content(context.Background(), nil, dap.Source{Path: path})
	assert.Error(t, err)
}
