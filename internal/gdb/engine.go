package gdb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/mi"
)

const exitTimeout = 2 * time.Second

type frameKey struct {
	thread int
	frame  int
}

// Engine turns MI records into typed events and caches the debugger state.
type Engine struct {
	log       logr.Logger
	transport *Transport

	// Events are published on the goroutine that observed the change: the
	// reader for notifications, the caller for typed commands.
	Events Events

	mu            sync.Mutex
	breakpoints   map[int]mi.Breakpoint
	threads       []mi.Thread
	currentThread int
	frames        map[int][]mi.Frame
	locals        map[frameKey][]mi.Variable
	varObjects    map[string]*mi.Variable
	groups        map[string]mi.ThreadGroup
	libraries     map[string]mi.Library
	running       bool
	lastStop      *mi.StoppedDetails
}

// NewEngine creates an engine with its own transport.
func NewEngine(log logr.Logger) *Engine {
	log = logging.OrDiscard(log)
	e := &Engine{
		log:       log,
		transport: NewTransport(log.WithName("mi")),
		Events:    newEvents(),
	}
	e.reset()

	t := e.transport
	t.Subscribe("stopped", e.onStopped)
	t.Subscribe("running", e.onRunning)
	t.Subscribe("breakpoint-created", e.onBreakpointChanged)
	t.Subscribe("breakpoint-modified", e.onBreakpointChanged)
	t.Subscribe("breakpoint-deleted", e.onBreakpointDeleted)
	for _, kind := range []string{"added", "removed", "started", "exited"} {
		kind := kind
		t.Subscribe("thread-group-"+kind, func(r mi.Record) { e.onThreadGroup(kind, r) })
	}
	for _, kind := range []string{"created", "exited", "selected"} {
		kind := kind
		t.Subscribe("thread-"+kind, func(r mi.Record) { e.onThread(kind, r) })
	}
	t.Subscribe("library-loaded", func(r mi.Record) { e.onLibrary(true, r) })
	t.Subscribe("library-unloaded", func(r mi.Record) { e.onLibrary(false, r) })
	t.Subscribe(mi.ClassDone, e.onOrphanResult)
	t.Subscribe(mi.ClassError, e.onOrphanError)
	t.OnOutput(e.Events.Output.Publish)
	t.OnExit(e.onExit)
	return e
}

// Transport returns the underlying MI transport.
func (e *Engine) Transport() *Transport {
	return e.transport
}

// Start launches gdb and prepares it for asynchronous execution.
func (e *Engine) Start(ctx context.Context, opts Options, startupCommands ...string) error {
	e.reset()
	if err := e.transport.Start(ctx, opts); err != nil {
		return err
	}
	return e.setup(ctx, startupCommands)
}

// Attach runs the engine over an existing MI stream.
func (e *Engine) Attach(ctx context.Context, r io.Reader, w io.WriteCloser, startupCommands ...string) error {
	e.reset()
	if err := e.transport.Attach(r, w); err != nil {
		return err
	}
	return e.setup(ctx, startupCommands)
}

func (e *Engine) setup(ctx context.Context, startupCommands []string) error {
	commands := append([]string{
		"-gdb-set mi-async on",
		"-enable-pretty-printing",
		"-gdb-set print object on",
	}, startupCommands...)
	for _, cmd := range commands {
		if _, err := e.transport.Execute(ctx, cmd); err != nil {
			return fmt.Errorf("gdb setup %q: %w", cmd, err)
		}
	}
	return nil
}

// Close asks gdb to exit and tears down the transport.
func (e *Engine) Close() error {
	if e.transport.Running() {
		ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
		_, _ = e.transport.Send("-gdb-exit")
		select {
		case <-e.transport.Done():
		case <-ctx.Done():
		}
		cancel()
	}
	return e.transport.Close()
}

// Done is closed when gdb exits.
func (e *Engine) Done() <-chan struct{} {
	return e.transport.Done()
}

// reset clears every cache, including variable objects of a previous run.
func (e *Engine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.breakpoints = make(map[int]mi.Breakpoint)
	e.threads = nil
	e.currentThread = 0
	e.frames = make(map[int][]mi.Frame)
	e.locals = make(map[frameKey][]mi.Variable)
	e.varObjects = make(map[string]*mi.Variable)
	e.groups = make(map[string]mi.ThreadGroup)
	e.libraries = make(map[string]mi.Library)
	e.running = false
	e.lastStop = nil
}

// --- notification handlers (reader goroutine) ---

func (e *Engine) onStopped(r mi.Record) {
	d := mi.DecodeStopped(r.Payload)

	e.mu.Lock()
	e.running = false
	e.lastStop = &d
	e.invalidateStacksLocked()
	for i := range e.threads {
		if d.AllThreadsStopped || e.threads[i].ID == d.ThreadID {
			e.threads[i].State = "stopped"
		}
	}
	if d.ThreadID != 0 {
		e.currentThread = d.ThreadID
	}
	e.mu.Unlock()

	e.log.V(1).Info("stopped", "reason", d.RawReason, "thread", d.ThreadID)
	e.Events.Stopped.Publish(d)
}

func (e *Engine) onRunning(r mi.Record) {
	ev := RunningEvent{ThreadID: r.Payload.String("thread-id")}

	e.mu.Lock()
	e.running = true
	e.lastStop = nil
	e.invalidateStacksLocked()
	for i := range e.threads {
		if ev.AllThreads() || strconv.Itoa(e.threads[i].ID) == ev.ThreadID {
			e.threads[i].State = "running"
		}
	}
	e.mu.Unlock()

	e.Events.Running.Publish(ev)
}

func (e *Engine) invalidateStacksLocked() {
	e.frames = make(map[int][]mi.Frame)
	e.locals = make(map[frameKey][]mi.Variable)
}

func (e *Engine) onBreakpointChanged(r mi.Record) {
	bp, ok := mi.FindBreakpoint(r.Payload)
	if !ok || bp.Number == 0 {
		return
	}
	e.upsertBreakpoint(bp)
	e.Events.BreakpointModified.Publish(bp)
}

func (e *Engine) onBreakpointDeleted(r mi.Record) {
	number, err := strconv.Atoi(r.Payload.String("id"))
	if err != nil {
		return
	}
	e.removeBreakpoint(number)
}

func (e *Engine) onThreadGroup(kind string, r mi.Record) {
	g := mi.DecodeThreadGroup(r.Payload)

	e.mu.Lock()
	if kind == "removed" {
		delete(e.groups, g.ID)
	} else {
		prev := e.groups[g.ID]
		if g.PID == 0 {
			g.PID = prev.PID
		}
		e.groups[g.ID] = g
	}
	e.mu.Unlock()

	e.Events.ThreadGroup.Publish(ThreadGroupEvent{Kind: kind, Group: g})
}

func (e *Engine) onThread(kind string, r mi.Record) {
	e.Events.ThreadLifecycle.Publish(ThreadEvent{
		Kind:     kind,
		ThreadID: r.Payload.IntOr("id", 0),
		GroupID:  r.Payload.String("group-id"),
	})
}

func (e *Engine) onLibrary(loaded bool, r mi.Record) {
	lib := mi.DecodeLibrary(r.Payload)

	e.mu.Lock()
	if loaded {
		e.libraries[lib.ID] = lib
	} else {
		delete(e.libraries, lib.ID)
	}
	e.mu.Unlock()

	e.Events.Library.Publish(LibraryEvent{Loaded: loaded, Library: lib})
}

// onOrphanResult handles ^done records that no handler claimed, such as the
// result of a command sent with Send.
func (e *Engine) onOrphanResult(r mi.Record) {
	if bp, ok := mi.FindBreakpoint(r.Payload); ok {
		e.upsertBreakpoint(bp)
		e.Events.BreakpointInserted.Publish(bp)
		return
	}
	if r.Payload.Has("threads") {
		e.storeThreads(r.Payload)
	}
}

func (e *Engine) onOrphanError(r mi.Record) {
	msg := r.ErrorMessage()
	e.log.Info("unclaimed MI error", "token", r.Token, "message", msg)
	e.Events.Output.Publish(Output{Stream: StreamLog, Text: msg + "\n"})
}

func (e *Engine) onExit(err error) {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.Events.Exited.Publish(err)
}

// --- cache maintenance ---

func (e *Engine) upsertBreakpoint(bp mi.Breakpoint) {
	e.mu.Lock()
	e.breakpoints[bp.Number] = bp
	e.mu.Unlock()
}

// removeBreakpoint publishes the removed snapshot. The entry is looked up
// before it is deleted so listeners see its final state.
func (e *Engine) removeBreakpoint(number int) {
	e.mu.Lock()
	bp, ok := e.breakpoints[number]
	if !ok {
		bp = mi.Breakpoint{Number: number}
	}
	delete(e.breakpoints, number)
	e.mu.Unlock()

	e.Events.BreakpointRemoved.Publish(bp)
}

func (e *Engine) storeThreads(payload *mi.Tuple) ThreadsEvent {
	threads, current := mi.DecodeThreads(payload)

	e.mu.Lock()
	e.threads = threads
	if current != 0 {
		e.currentThread = current
	}
	ev := ThreadsEvent{Threads: append([]mi.Thread(nil), threads...), Current: e.currentThread}
	if !e.running && e.lastStop != nil {
		stop := *e.lastStop
		ev.Stop = &stop
	}
	e.mu.Unlock()

	e.Events.ThreadsUpdated.Publish(ev)
	return ev
}

// --- cache accessors ---

// Breakpoints returns the cached breakpoints ordered by number.
func (e *Engine) Breakpoints() []mi.Breakpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mi.Breakpoint, 0, len(e.breakpoints))
	for _, bp := range e.breakpoints {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Breakpoint returns the cached breakpoint with the given number.
func (e *Engine) Breakpoint(number int) (mi.Breakpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bp, ok := e.breakpoints[number]
	return bp, ok
}

// Threads returns the cached thread list and the current thread.
func (e *Engine) Threads() ([]mi.Thread, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]mi.Thread(nil), e.threads...), e.currentThread
}

// Frames returns the cached frames of a thread.
func (e *Engine) Frames(thread int) ([]mi.Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	frames, ok := e.frames[thread]
	return frames, ok
}

// Locals returns the cached variables of a frame.
func (e *Engine) Locals(thread, frame int) ([]mi.Variable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vars, ok := e.locals[frameKey{thread, frame}]
	return vars, ok
}

// VarObject returns the cached variable object with the given name.
func (e *Engine) VarObject(name string) (mi.Variable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.varObjects[name]
	if !ok {
		return mi.Variable{}, false
	}
	return *v, true
}

// Libraries returns the loaded shared libraries ordered by id.
func (e *Engine) Libraries() []mi.Library {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mi.Library, 0, len(e.libraries))
	for _, lib := range e.libraries {
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ThreadGroups returns the known inferiors.
func (e *Engine) ThreadGroups() []mi.ThreadGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mi.ThreadGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsRunning reports whether the inferior is executing.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// LastStop returns the details of the most recent stop while stopped.
func (e *Engine) LastStop() (mi.StoppedDetails, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastStop == nil {
		return mi.StoppedDetails{}, false
	}
	return *e.lastStop, true
}
