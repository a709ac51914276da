package server

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/mi"
)

const (
	reasonEntry                 = "entry"
	reasonGoto                  = "goto"
	reasonInstructionBreakpoint = "instruction breakpoint"
)

// subscribe maps engine events onto DAP events. The callbacks run on the MI
// reader goroutine and never issue MI commands.
func (s *Session) subscribe(e *gdb.Engine) {
	s.unsub = append(s.unsub,
		e.Events.Stopped.Subscribe(s.onStopped),
		e.Events.Running.Subscribe(s.onRunning),
		e.Events.BreakpointModified.Subscribe(s.onBreakpointModified),
		e.Events.BreakpointRemoved.Subscribe(s.onBreakpointRemoved),
		e.Events.ThreadLifecycle.Subscribe(s.onThread),
		e.Events.ThreadGroup.Subscribe(s.onThreadGroup),
		e.Events.Library.Subscribe(s.onLibrary),
		e.Events.Output.Subscribe(s.onOutput),
		e.Events.Exited.Subscribe(s.onGDBExited),
	)
}

// expectStop returns a channel closed by the next stop.
func (s *Session) expectStop() <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.stopWaiters = append(s.stopWaiters, ch)
	s.mu.Unlock()
	return ch
}

// invalidateLocked forgets every frame id and variable reference. Variable
// objects of the old stop are deleted before the next request is handled.
func (s *Session) invalidateLocked() {
	s.handles.reset()
	s.staleVarObjects = append(s.staleVarObjects, s.scopeVarObjects...)
	s.scopeVarObjects = nil
}

func (s *Session) onStopped(d mi.StoppedDetails) {
	if d.Reason.Exited() {
		s.inferiorExited(d.ExitCode, d.HasExitCode)
		return
	}

	s.mu.Lock()
	s.invalidateLocked()
	for _, w := range s.stopWaiters {
		close(w)
	}
	s.stopWaiters = nil

	reason := d.Reason.DAPReason(d.SignalName)
	var hit []int
	if d.Reason == mi.ReasonBreakpointHit {
		if owner, ok := s.breakpoints.ownerOf(d.BreakpointNumber); ok {
			hit = []int{d.BreakpointNumber}
			switch owner {
			case ownFunction:
				reason = mi.DAPReasonFunctionBP
			case ownInstruction:
				reason = reasonInstructionBreakpoint
			case ownException:
				reason = mi.DAPReasonException
			}
		} else if s.pendingReason != "" {
			reason = s.pendingReason
		}
	}
	if d.Watchpoint != nil {
		if _, ok := s.breakpoints.ownerOf(d.Watchpoint.Number); ok {
			hit = []int{d.Watchpoint.Number}
		}
	}
	s.pendingReason = ""

	quiet := !s.configured || s.quietStops > 0
	if s.quietStops > 0 {
		s.quietStops--
	}
	s.mu.Unlock()

	if quiet {
		return
	}
	text := d.SignalMeaning
	if d.Watchpoint != nil {
		text = d.Watchpoint.Exp + " = " + d.Watchpoint.NewValue
	}
	s.emit("stopped", func(ev dap.Event) dap.Message {
		return &dap.StoppedEvent{Event: ev, Body: dap.StoppedEventBody{
			Reason:            reason,
			Description:       d.Description(),
			Text:              text,
			ThreadId:          d.ThreadID,
			AllThreadsStopped: d.AllThreadsStopped,
			HitBreakpointIds:  hit,
		}}
	})
}

func (s *Session) onRunning(ev gdb.RunningEvent) {
	s.mu.Lock()
	s.invalidateLocked()
	self := s.selfResume
	s.selfResume = false
	quiet := self || !s.configured
	s.mu.Unlock()

	if quiet {
		return
	}
	threadID, _ := strconv.Atoi(ev.ThreadID)
	s.emit("continued", func(e dap.Event) dap.Message {
		return &dap.ContinuedEvent{Event: e, Body: dap.ContinuedEventBody{
			ThreadId:            threadID,
			AllThreadsContinued: ev.AllThreads(),
		}}
	})
}

// inferiorExited reports the exit code once, then ends the session.
func (s *Session) inferiorExited(code int, hasCode bool) {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return
	}
	report := hasCode && !s.exited
	if report {
		s.exited = true
	}
	s.mu.Unlock()

	if report {
		s.emit("exited", func(ev dap.Event) dap.Message {
			return &dap.ExitedEvent{Event: ev, Body: dap.ExitedEventBody{ExitCode: code}}
		})
	}
	s.emitTerminated()
}

func (s *Session) onThreadGroup(ev gdb.ThreadGroupEvent) {
	if ev.Kind == "exited" {
		s.inferiorExited(ev.Group.ExitCode, ev.Group.HasExitCode)
	}
}

func (s *Session) onThread(ev gdb.ThreadEvent) {
	var reason string
	switch ev.Kind {
	case "created":
		reason = "started"
	case "exited":
		reason = "exited"
	default:
		return
	}
	s.emit("thread", func(e dap.Event) dap.Message {
		return &dap.ThreadEvent{Event: e, Body: dap.ThreadEventBody{Reason: reason, ThreadId: ev.ThreadID}}
	})
}

func moduleFromLibrary(lib mi.Library) dap.Module {
	m := dap.Module{
		Id:           lib.ID,
		Name:         filepath.Base(lib.TargetName),
		Path:         lib.HostName,
		SymbolStatus: "Symbols not loaded.",
	}
	if lib.SymbolsLoaded {
		m.SymbolStatus = "Symbols loaded."
	}
	if lib.LowAddress != "" {
		m.AddressRange = lib.LowAddress + "-" + lib.HighAddress
	}
	return m
}

func (s *Session) onLibrary(ev gdb.LibraryEvent) {
	reason := "new"
	if !ev.Loaded {
		reason = "removed"
	}
	module := moduleFromLibrary(ev.Library)
	s.emit("module", func(e dap.Event) dap.Message {
		return &dap.ModuleEvent{Event: e, Body: dap.ModuleEventBody{Reason: reason, Module: module}}
	})
}

func outputCategory(stream gdb.Stream) string {
	switch stream {
	case gdb.StreamTarget, gdb.StreamRaw:
		return "stdout"
	case gdb.StreamStderr:
		return "stderr"
	default:
		return "console"
	}
}

func (s *Session) onOutput(o gdb.Output) {
	s.mu.Lock()
	capturing := s.capturing
	s.mu.Unlock()
	if capturing && o.Stream == gdb.StreamConsole {
		return
	}
	category := outputCategory(o.Stream)
	s.emit("output", func(ev dap.Event) dap.Message {
		return &dap.OutputEvent{Event: ev, Body: dap.OutputEventBody{Category: category, Output: o.Text}}
	})
}

// onGDBExited ends the debug session when gdb itself goes away. The client
// still gets to disconnect.
func (s *Session) onGDBExited(err error) {
	if err != nil {
		s.log.Info("gdb exited", "error", err.Error())
	}
	s.emitTerminated()
}

// console runs a CLI command and returns its output. The output is not
// repeated as output events.
func (s *Session) console(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	s.capturing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.capturing = false
		s.mu.Unlock()
	}()
	return s.engine.Console(ctx, command)
}

// resume issues an execution command the client asked for. Handles are
// dropped before the command is sent.
func (s *Session) resume(fn func() error) error {
	s.mu.Lock()
	s.selfResume = true
	s.invalidateLocked()
	s.mu.Unlock()

	if err := fn(); err != nil {
		s.mu.Lock()
		s.selfResume = false
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) dropStaleVarObjects(ctx context.Context) {
	s.mu.Lock()
	stale := s.staleVarObjects
	s.staleVarObjects = nil
	s.mu.Unlock()

	if s.engine == nil {
		return
	}
	for _, name := range stale {
		if err := s.engine.VarDelete(ctx, name); err != nil {
			s.log.V(2).Info("Failed to delete variable object", "name", name, "error", err.Error())
		}
	}
}
