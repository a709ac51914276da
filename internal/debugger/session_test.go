package debugger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
)

func TestSessionBreakpointsBeforeInitializeAreStaged(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	s := newTestSession(t, a, nil)

	bps, err := s.SetBreakpoints(context.Background(), "/src/main.c", []SourceBreakpoint{{Line: 10}})
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.NotEmpty(t, bps[0].ID)
	assert.False(t, bps[0].Verified)
	assert.Empty(t, a.commands(), "nothing may be sent before the session is ready")
	assert.Equal(t, StateInactive, s.State())
}

func TestSessionReplaysStagedBreakpointsInOrder(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	a.handle("setBreakpoints", func(req dap.RequestMessage) []dap.Message {
		args := req.(*dap.SetBreakpointsRequest).Arguments
		out := make([]dap.Breakpoint, len(args.Breakpoints))
		for i, bp := range args.Breakpoints {
			out[i] = dap.Breakpoint{Id: 7 + i, Verified: true, Line: bp.Line + 1}
		}
		return []dap.Message{&dap.SetBreakpointsResponse{Response: resp(req), Body: dap.SetBreakpointsResponseBody{Breakpoints: out}}}
	})
	s := newTestSession(t, a, nil)
	ctx := context.Background()

	_, err := s.SetBreakpoints(ctx, "/src/main.c", []SourceBreakpoint{{Line: 10}, {Line: 20, Condition: "i > 3"}})
	require.NoError(t, err)
	_, err = s.SetFunctionBreakpoints(ctx, []FunctionBreakpoint{{Name: "main"}})
	require.NoError(t, err)
	require.NoError(t, s.SetExceptionBreakpoints(ctx, []string{"throw"}))

	startSession(t, s)
	require.Eventually(t, func() bool { return a.saw("threads") }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		"initialize", "launch",
		"setFunctionBreakpoints", "setBreakpoints", "setExceptionBreakpoints",
		"configurationDone", "threads",
	}, a.commands())

	var source []Breakpoint
	for _, bp := range s.Breakpoints() {
		if bp.Kind == BreakpointSource {
			source = append(source, bp)
		}
	}
	require.Len(t, source, 2)
	assert.Equal(t, 7, source[0].AdapterID)
	assert.Equal(t, 11, source[0].ConfirmedLine)
	assert.Equal(t, 8, source[1].AdapterID)
	assert.Equal(t, 21, source[1].ConfirmedLine)
	assert.True(t, source[1].Verified)
	assert.Equal(t, "i > 3", source[1].Condition)
}

func TestSessionSetBreakpointsIsIdempotent(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	a.handle("setBreakpoints", func(req dap.RequestMessage) []dap.Message {
		args := req.(*dap.SetBreakpointsRequest).Arguments
		out := make([]dap.Breakpoint, len(args.Breakpoints))
		for i, bp := range args.Breakpoints {
			out[i] = dap.Breakpoint{Id: bp.Line, Verified: true, Line: bp.Line}
		}
		return []dap.Message{&dap.SetBreakpointsResponse{Response: resp(req), Body: dap.SetBreakpointsResponseBody{Breakpoints: out}}}
	})
	s := newTestSession(t, a, nil)
	startSession(t, s)

	want := []SourceBreakpoint{{Line: 3}, {Line: 9, LogMessage: "x={x}"}}
	first, err := s.SetBreakpoints(context.Background(), "/src/a.c", want)
	require.NoError(t, err)
	second, err := s.SetBreakpoints(context.Background(), "/src/a.c", want)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSessionStopFetchesOnlyStoppedThreadStack(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)
	startSession(t, s)
	sink.waitEvent(t, EventThreadsUpdated)

	a.send(t, &dap.StoppedEvent{
		Event: event("stopped"),
		Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 2, AllThreadsStopped: true, HitBreakpointIds: []int{4}},
	})

	ev := sink.waitEvent(t, EventStopped)
	require.NotNil(t, ev.Stop)
	assert.Equal(t, 2, ev.ThreadID)
	assert.Equal(t, []int{4}, ev.Stop.HitBreakpointIDs)
	assert.Equal(t, StateStopped, s.State())

	stacks := a.requestsFor("stackTrace")
	require.Len(t, stacks, 1)
	assert.Equal(t, 2, stacks[0].(*dap.StackTraceRequest).Arguments.ThreadId)

	_, ok := s.CachedStack(2)
	assert.True(t, ok)
	_, ok = s.CachedStack(1)
	assert.False(t, ok, "other threads are fetched lazily")

	threads := s.CachedThreads()
	require.Len(t, threads, 2)
	assert.True(t, threads[0].Stopped)
	assert.Nil(t, threads[0].Stop)
	require.NotNil(t, threads[1].Stop)
	assert.Equal(t, "breakpoint", threads[1].Stop.Reason)

	frames, err := s.StackTrace(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1001, frames[0].Id)
	assert.Len(t, a.requestsFor("stackTrace"), 2)
}

func TestSessionResumeClearsStacksBeforeSending(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)

	var cachedAtSend atomic.Bool
	a.handle("continue", func(req dap.RequestMessage) []dap.Message {
		_, ok := s.CachedStack(2)
		cachedAtSend.Store(ok)
		return []dap.Message{&dap.ContinueResponse{Response: resp(req), Body: dap.ContinueResponseBody{AllThreadsContinued: true}}}
	})
	startSession(t, s)

	a.send(t, &dap.StoppedEvent{Event: event("stopped"), Body: dap.StoppedEventBody{Reason: "step", ThreadId: 2}})
	sink.waitEvent(t, EventStopped)
	_, ok := s.CachedStack(2)
	require.True(t, ok)

	require.NoError(t, s.Continue(context.Background(), 2))
	assert.False(t, cachedAtSend.Load())
	assert.Equal(t, StateRunning, s.State())
	for _, th := range s.CachedThreads() {
		assert.False(t, th.Stopped)
	}
}

func TestSessionContinuedEventScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        dap.ContinuedEventBody
		wantState   State
		wantStopped map[int]bool
		wantCached2 bool
	}{
		{
			name:        "single thread",
			body:        dap.ContinuedEventBody{ThreadId: 1},
			wantState:   StateStopped,
			wantStopped: map[int]bool{1: false, 2: true},
			wantCached2: true,
		},
		{
			name:        "all threads",
			body:        dap.ContinuedEventBody{ThreadId: 1, AllThreadsContinued: true},
			wantState:   StateRunning,
			wantStopped: map[int]bool{1: false, 2: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := newFakeAdapter()
			scriptGDBAdapter(a, defaultCaps)
			sink := newRecordingSink()
			s := newTestSession(t, a, sink)
			startSession(t, s)

			a.send(t, &dap.StoppedEvent{
				Event: event("stopped"),
				Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 2, AllThreadsStopped: true},
			})
			sink.waitEvent(t, EventStopped)
			_, ok := s.CachedStack(2)
			require.True(t, ok)

			a.send(t, &dap.ContinuedEvent{Event: event("continued"), Body: tt.body})
			sink.waitEvent(t, EventRunning)

			assert.Equal(t, tt.wantState, s.State())
			for _, th := range s.CachedThreads() {
				assert.Equal(t, tt.wantStopped[th.ID], th.Stopped, "thread %d", th.ID)
			}
			_, ok = s.CachedStack(2)
			assert.Equal(t, tt.wantCached2, ok)
		})
	}
}

func TestSessionStackFetchDiscardedAfterContinue(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)
	startSession(t, s)

	a.send(t, &dap.StoppedEvent{
		Event: event("stopped"),
		Body:  dap.StoppedEventBody{Reason: "breakpoint", ThreadId: 2, AllThreadsStopped: true},
	})
	sink.waitEvent(t, EventStopped)

	release := make(chan struct{})
	a.handle("stackTrace", func(req dap.RequestMessage) []dap.Message {
		<-release
		return []dap.Message{&dap.StackTraceResponse{
			Response: resp(req),
			Body:     dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{{Id: 7, Name: "late"}}, TotalFrames: 1},
		}}
	})

	fetched := make(chan error, 1)
	go func() {
		_, err := s.StackTrace(context.Background(), 1)
		fetched <- err
	}()
	require.Eventually(t, func() bool { return len(a.requestsFor("stackTrace")) == 2 }, 5*time.Second, 5*time.Millisecond)

	a.send(t, &dap.ContinuedEvent{Event: event("continued"), Body: dap.ContinuedEventBody{ThreadId: 1, AllThreadsContinued: true}})
	sink.waitEvent(t, EventRunning)
	close(release)

	select {
	case err := <-fetched:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stack fetch did not complete")
	}
	_, ok := s.CachedStack(1)
	assert.False(t, ok)
}

func TestSessionUnsupportedRequestSendsNothing(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	s := newTestSession(t, a, nil)
	startSession(t, s)
	before := len(a.commands())

	err := s.StepBack(context.Background(), 1, "")
	assert.ErrorIs(t, err, dgerrors.ErrNotSupported)
	err = s.ReverseContinue(context.Background(), 1)
	assert.ErrorIs(t, err, dgerrors.ErrNotSupported)
	_, err = s.Disassemble(context.Background(), "0x1000", 0, 10)
	assert.ErrorIs(t, err, dgerrors.ErrNotSupported)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.commands(), before)
	assert.NotEqual(t, StateRunning, s.State())
}

func TestSessionTransportDeathTerminatesOnce(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	a.handle("pause", func(dap.RequestMessage) []dap.Message { return nil })
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)
	startSession(t, s)

	paused := make(chan error, 1)
	go func() { paused <- s.Pause(context.Background(), 1) }()
	require.Eventually(t, func() bool { return a.saw("pause") }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, a.transport.Close())

	select {
	case <-s.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
	assert.ErrorIs(t, <-paused, dgerrors.ErrTransportClosed)
	assert.Equal(t, StateTerminated, s.State())

	require.NoError(t, s.Disconnect(context.Background(), true))
	assert.ErrorIs(t, s.Continue(context.Background(), 1), dgerrors.ErrSessionTerminated)
	assert.Equal(t, 1, sink.count(EventTerminated))
}

func TestSessionTerminatedEventShutsDown(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)
	startSession(t, s)

	a.send(t, &dap.ExitedEvent{Event: event("exited"), Body: dap.ExitedEventBody{ExitCode: 3}})
	a.send(t, &dap.TerminatedEvent{Event: event("terminated")})

	sink.waitEvent(t, EventTerminated)
	code, ok := s.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, 1, sink.count(EventExited))
}

func TestSessionRoutesOutputAndThreadEvents(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)
	startSession(t, s)
	sink.waitEvent(t, EventThreadsUpdated)

	a.send(t, &dap.OutputEvent{Event: event("output"), Body: dap.OutputEventBody{Category: "stdout", Output: "hello\n"}})
	a.send(t, &dap.ThreadEvent{Event: event("thread"), Body: dap.ThreadEventBody{Reason: "exited", ThreadId: 2}})
	sink.waitEvent(t, EventThreadsUpdated)

	sink.mu.Lock()
	assert.Equal(t, []OutputLine{{Category: CategoryStdout, Text: "hello\n"}}, sink.outputs)
	sink.mu.Unlock()

	threads := s.CachedThreads()
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].ID)
}

func TestSessionInitializeRetriesConnection(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)

	var dials atomic.Int32
	s := New(Options{
		ConnectRetries: 3,
		RetryInterval:  time.Millisecond,
		Log:            logr.Discard(),
		Dial: func(ctx context.Context, addr string) (dapclient.Transport, error) {
			if dials.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return a.dial(ctx, addr)
		},
	})
	t.Cleanup(func() { _ = s.Disconnect(context.Background(), true) })

	require.NoError(t, s.Initialize(context.Background(), "fake", dap.InitializeRequestArguments{}))
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, StateInitializing, s.State())
}

func TestSessionDisconnectDuringInitializeClosesConnection(t *testing.T) {
	t.Parallel()

	a := newFakeAdapter()
	scriptGDBAdapter(a, defaultCaps)
	release := make(chan struct{})
	a.handle("initialize", func(req dap.RequestMessage) []dap.Message {
		<-release
		return []dap.Message{&dap.InitializeResponse{Response: resp(req), Body: defaultCaps}}
	})
	sink := newRecordingSink()
	s := newTestSession(t, a, sink)

	initialized := make(chan error, 1)
	go func() {
		initialized <- s.Initialize(context.Background(), "fake", dap.InitializeRequestArguments{AdapterID: "gdb"})
	}()
	require.Eventually(t, func() bool { return a.saw("initialize") }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Disconnect(context.Background(), true))
	assert.Equal(t, StateTerminated, s.State())
	close(release)

	select {
	case err := <-initialized:
		assert.ErrorIs(t, err, dgerrors.ErrSessionTerminated)
	case <-time.After(5 * time.Second):
		t.Fatal("initialize did not return")
	}
	select {
	case <-a.served:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter connection left open")
	}

	assert.Equal(t, StateTerminated, s.State())
	assert.ErrorIs(t, s.Continue(context.Background(), 1), dgerrors.ErrSessionTerminated)
	assert.Equal(t, 1, sink.count(EventTerminated))
}

func TestSessionInitializeGivesUp(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	s := New(Options{
		ConnectRetries: 2,
		RetryInterval:  time.Millisecond,
		Log:            logr.Discard(),
		Dial: func(context.Context, string) (dapclient.Transport, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	})

	err := s.Initialize(context.Background(), "127.0.0.1:1", dap.InitializeRequestArguments{})
	var de *dgerrors.DebugError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dgerrors.CodeBackendConnectFailed, de.Code)
	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, StateInactive, s.State())
}
