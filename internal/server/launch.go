package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/gdb"
)

const interruptGrace = time.Second

// launchArgs are the gdb-specific fields of a launch request.
type launchArgs struct {
	Program                         string            `json:"program"`
	Args                            []string          `json:"args,omitempty"`
	Cwd                             string            `json:"cwd,omitempty"`
	Env                             map[string]string `json:"env,omitempty"`
	StopOnEntry                     bool              `json:"stopOnEntry,omitempty"`
	StopAtBeginningOfMainSubprogram bool              `json:"stopAtBeginningOfMainSubprogram,omitempty"`
	InitCommands                    []string          `json:"initCommands,omitempty"`
}

func (a launchArgs) stopAtEntry() bool {
	return a.StopOnEntry || a.StopAtBeginningOfMainSubprogram
}

// attachArgs selects a local process by pid or a remote gdbserver target.
type attachArgs struct {
	PID          flexInt  `json:"pid,omitempty"`
	ProcessID    flexInt  `json:"processId,omitempty"`
	Target       string   `json:"target,omitempty"`
	Program      string   `json:"program,omitempty"`
	InitCommands []string `json:"initCommands,omitempty"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexInt(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid process id %q", s)
	}
	*f = flexInt(n)
	return nil
}

func (s *Session) capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsFunctionBreakpoints:       true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsLogPoints:                 true,
		SupportsEvaluateForHovers:         true,
		SupportsSetVariable:               true,
		SupportsGotoTargetsRequest:        true,
		SupportsCompletionsRequest:        true,
		SupportsModulesRequest:            true,
		SupportsDataBreakpoints:           true,
		SupportsInstructionBreakpoints:    true,
		SupportsDisassembleRequest:        true,
		SupportsReadMemoryRequest:         true,
		SupportsSteppingGranularity:       true,
		SupportsTerminateRequest:          true,
		SupportsRestartRequest:            true,
		SupportTerminateDebuggee:          true,
		SupportsStepBack:                  s.opts.Reverse,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: filterThrow, Label: "C++: on throw"},
			{Filter: filterCatch, Label: "C++: on catch"},
		},
	}
}

func (s *Session) onInitialize(req *dap.InitializeRequest) error {
	s.mu.Lock()
	if !req.Arguments.ColumnsStartAt1 {
		s.columnsBase = 0
	}
	s.mu.Unlock()

	caps := s.capabilities()
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.InitializeResponse{Response: r, Body: caps}
	})
	return nil
}

// startEngine creates the session's gdb and subscribes to its events before
// any command runs.
func (s *Session) startEngine(ctx context.Context) error {
	if s.engine != nil {
		return errors.New("the debugger is already started")
	}
	e := gdb.NewEngine(s.log.WithName("gdb"))
	s.subscribe(e)
	if err := s.opts.StartGDB(ctx, e); err != nil {
		for _, unsubscribe := range s.unsub {
			unsubscribe()
		}
		s.unsub = nil
		return dgerrors.BackendStartFailed(s.opts.GDB.Path, err)
	}
	s.engine = e
	return nil
}

func (s *Session) runInitCommands(ctx context.Context, commands []string) error {
	for _, cmd := range commands {
		if _, err := s.console(ctx, cmd); err != nil {
			return fmt.Errorf("init command %q: %w", cmd, err)
		}
	}
	return nil
}

func (s *Session) onLaunch(ctx context.Context, req *dap.LaunchRequest) error {
	var args launchArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return dgerrors.InvalidJSON("arguments", err, `{"program": "/path/to/a.out"}`)
	}
	if args.Program == "" {
		return dgerrors.MissingParameter("program", "path of the executable to debug")
	}
	if err := s.startEngine(ctx); err != nil {
		return err
	}

	e := s.engine
	if err := e.FileExecAndSymbols(ctx, args.Program); err != nil {
		return err
	}
	if err := e.ExecArguments(ctx, args.Args); err != nil {
		return err
	}
	if args.Cwd != "" {
		if err := e.EnvironmentCd(ctx, args.Cwd); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(args.Env))
	for name := range args.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.SetEnvironment(ctx, name, args.Env[name]); err != nil {
			return err
		}
	}
	if err := s.runInitCommands(ctx, args.InitCommands); err != nil {
		return err
	}

	s.mu.Lock()
	s.mode = modeLaunch
	s.launch = args
	s.mu.Unlock()

	s.ack(&req.Request)
	s.emit("initialized", func(ev dap.Event) dap.Message { return &dap.InitializedEvent{Event: ev} })
	return nil
}

func (s *Session) onAttach(ctx context.Context, req *dap.AttachRequest) error {
	var args attachArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return dgerrors.InvalidJSON("arguments", err, `{"pid": 1234} or {"target": "localhost:2345"}`)
	}
	pid := int(args.PID)
	if pid == 0 {
		pid = int(args.ProcessID)
	}
	if pid == 0 && args.Target == "" {
		return dgerrors.MissingParameter("pid", "process id to attach to, or target for a remote gdbserver")
	}
	if err := s.startEngine(ctx); err != nil {
		return err
	}

	e := s.engine
	if args.Program != "" {
		if err := e.FileExecAndSymbols(ctx, args.Program); err != nil {
			return err
		}
	}
	if err := s.runInitCommands(ctx, args.InitCommands); err != nil {
		return err
	}
	var err error
	if args.Target != "" {
		err = e.TargetSelectRemote(ctx, args.Target)
	} else {
		err = e.TargetAttach(ctx, pid)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mode = modeAttach
	s.mu.Unlock()

	s.ack(&req.Request)
	s.emit("initialized", func(ev dap.Event) dap.Message { return &dap.InitializedEvent{Event: ev} })
	return nil
}

// onConfigurationDone starts a launched program. An attached process stays
// stopped and the client is told so.
func (s *Session) onConfigurationDone(ctx context.Context, req *dap.ConfigurationDoneRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.configured = true
	mode, args := s.mode, s.launch
	s.mu.Unlock()

	if mode == modeAttach {
		s.ack(&req.Request)
		s.reportAttachStop(ctx)
		return nil
	}

	wantEntry := args.stopAtEntry()
	start := wantEntry || s.opts.Reverse

	s.mu.Lock()
	switch {
	case wantEntry:
		s.pendingReason = reasonEntry
	case start:
		s.quietStops++
	}
	s.selfResume = true
	s.mu.Unlock()

	var stopped <-chan struct{}
	if s.opts.Reverse {
		stopped = s.expectStop()
	}
	if err := e.ExecRun(ctx, start); err != nil {
		return err
	}

	if s.opts.Reverse {
		select {
		case <-stopped:
		case <-ctx.Done():
			return fmt.Errorf("waiting for the program to reach main: %w", ctx.Err())
		}
		if _, err := s.console(ctx, "record full"); err != nil {
			return err
		}
		if !wantEntry {
			if err := s.resume(func() error { return e.Continue(ctx, false) }); err != nil {
				return err
			}
		}
	}

	s.ack(&req.Request)
	return nil
}

// reportAttachStop tells the client where the attached process stopped.
func (s *Session) reportAttachStop(ctx context.Context) {
	threadID := 0
	if stop, ok := s.engine.LastStop(); ok {
		threadID = stop.ThreadID
	}
	if threadID == 0 {
		if ev, err := s.engine.ThreadInfo(ctx); err == nil {
			threadID = ev.Current
		}
	}
	s.emit("stopped", func(ev dap.Event) dap.Message {
		return &dap.StoppedEvent{Event: ev, Body: dap.StoppedEventBody{
			Reason:            reasonEntry,
			Description:       "Attached",
			ThreadId:          threadID,
			AllThreadsStopped: true,
		}}
	})
}

// interruptIfRunning stops the debuggee without reporting the stop.
func (s *Session) interruptIfRunning(ctx context.Context) {
	if s.engine == nil || !s.engine.IsRunning() {
		return
	}
	s.mu.Lock()
	s.quietStops++
	s.mu.Unlock()

	stopped := s.expectStop()
	if err := s.engine.Interrupt(ctx); err != nil {
		s.log.V(1).Info("Interrupt failed", "error", err.Error())
		return
	}
	select {
	case <-stopped:
	case <-time.After(interruptGrace):
	case <-ctx.Done():
	}
}

func (s *Session) onDisconnect(ctx context.Context, req *dap.DisconnectRequest) error {
	s.mu.Lock()
	mode := s.mode
	s.mu.Unlock()

	terminate := mode == modeLaunch
	if req.Arguments != nil && req.Arguments.TerminateDebuggee {
		terminate = true
	}

	if s.engine != nil {
		s.interruptIfRunning(ctx)
		var err error
		switch {
		case mode == modeAttach && !terminate:
			err = s.engine.TargetDetach(ctx)
		case mode != modeNone:
			err = s.engine.Kill(ctx)
		}
		if err != nil && !dgerrors.IsTransportClosed(err) {
			s.log.V(1).Info("Failed to release the debuggee", "terminate", terminate, "error", err.Error())
		}
	}

	s.emitTerminated()
	s.ack(&req.Request)

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	return nil
}

func (s *Session) onTerminate(ctx context.Context, req *dap.TerminateRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	s.interruptIfRunning(ctx)
	if err := e.Kill(ctx); err != nil && !dgerrors.IsTransportClosed(err) {
		return err
	}
	s.ack(&req.Request)
	s.emitTerminated()
	return nil
}

// onRestart kills and reruns a launched program. Breakpoints stay inserted.
func (s *Session) onRestart(ctx context.Context, req *dap.RestartRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	s.mu.Lock()
	mode, args, terminated := s.mode, s.launch, s.terminated
	if mode == modeLaunch && !terminated {
		s.restarting = true
	}
	s.mu.Unlock()
	if mode != modeLaunch {
		return fmt.Errorf("restart of an attached process: %w", dgerrors.ErrNotSupported)
	}
	if terminated {
		return dgerrors.ErrSessionTerminated
	}
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	s.interruptIfRunning(ctx)
	if err := e.Kill(ctx); err != nil {
		return err
	}
	s.synthetic.clear()

	s.mu.Lock()
	if args.stopAtEntry() {
		s.pendingReason = reasonEntry
	}
	s.selfResume = true
	s.mu.Unlock()
	if err := s.resume(func() error { return e.ExecRun(ctx, args.stopAtEntry()) }); err != nil {
		return err
	}
	s.ack(&req.Request)
	return nil
}
