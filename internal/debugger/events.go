package debugger

import (
	"errors"
	"fmt"

	"github.com/google/go-dap"
)

// handleEvent runs on the DAP read goroutine. It updates the caches and
// schedules follow-up requests as continuations; it never waits for the
// adapter.
func (s *Session) handleEvent(msg dap.Message) {
	switch m := msg.(type) {
	case *dap.InitializedEvent:
		s.onInitialized()

	case *dap.StoppedEvent:
		s.onStopped(&StoppedDetails{
			Reason:            m.Body.Reason,
			Description:       m.Body.Description,
			Text:              m.Body.Text,
			ThreadID:          m.Body.ThreadId,
			AllThreadsStopped: m.Body.AllThreadsStopped,
			HitBreakpointIDs:  m.Body.HitBreakpointIds,
		})

	case *dap.ContinuedEvent:
		threadID := m.Body.ThreadId
		if m.Body.AllThreadsContinued {
			threadID = 0
		}
		s.invalidateStacks(threadID)
		s.sink.Event(Event{Kind: EventRunning, ThreadID: m.Body.ThreadId})

	case *dap.ThreadEvent:
		s.mu.Lock()
		switch m.Body.Reason {
		case "started":
			if _, ok := s.threads[m.Body.ThreadId]; !ok {
				s.threads[m.Body.ThreadId] = &Thread{ID: m.Body.ThreadId, Name: fmt.Sprintf("Thread %d", m.Body.ThreadId)}
				s.threadOrder = append(s.threadOrder, m.Body.ThreadId)
			}
		case "exited":
			delete(s.threads, m.Body.ThreadId)
			delete(s.stacks, m.Body.ThreadId)
			for i, id := range s.threadOrder {
				if id == m.Body.ThreadId {
					s.threadOrder = append(s.threadOrder[:i], s.threadOrder[i+1:]...)
					break
				}
			}
		}
		s.mu.Unlock()
		s.sink.Event(Event{Kind: EventThreadsUpdated, ThreadID: m.Body.ThreadId})

	case *dap.OutputEvent:
		s.sink.Output(m.Body.Output, categoryFromDAP(m.Body.Category))

	case *dap.BreakpointEvent:
		s.updateFromAdapter(m.Body.Reason, m.Body.Breakpoint)

	case *dap.ModuleEvent:
		s.mu.Lock()
		if m.Body.Reason == "removed" {
			s.removeModuleLocked(m.Body.Module)
		} else {
			s.upsertModuleLocked(m.Body.Module)
		}
		s.mu.Unlock()

	case *dap.ExitedEvent:
		code := m.Body.ExitCode
		s.mu.Lock()
		s.exitCode = &code
		s.mu.Unlock()
		s.sink.Event(Event{Kind: EventExited, ExitCode: code})

	case *dap.TerminatedEvent:
		// shutdown waits for this goroutine to finish.
		go s.shutdown(nil)

	case *dap.CapabilitiesEvent:
		s.log.V(1).Info("Adapter capabilities changed")

	default:
		s.log.V(2).Info("Ignoring DAP message", "type", fmt.Sprintf("%T", msg))
	}
}

// onStopped clears stale stacks, then fetches the thread list with the stop
// attached and the call stack of the stopped thread only. The stopped event
// reaches the sink once both are cached.
func (s *Session) onStopped(stop *StoppedDetails) {
	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = StateStopped
	}
	s.stopGen++
	gen := s.stopGen
	s.lastStop = stop
	s.stacks = make(map[int][]dap.StackFrame)
	for id, t := range s.threads {
		t.Stop = nil
		if stop.AllThreadsStopped || id == stop.ThreadID {
			t.Stopped = true
		}
	}
	if t, ok := s.threads[stop.ThreadID]; ok {
		t.Stop = stop
	}
	raw := s.raw
	s.mu.Unlock()

	if raw == nil {
		return
	}

	emit := func() {
		s.sink.Event(Event{Kind: EventStopped, ThreadID: stop.ThreadID, Stop: stop})
	}
	s.refreshThreads(raw, stop, gen).OnComplete(func(_ []Thread, err error) {
		if errors.Is(err, errStale) {
			return
		}
		if err != nil {
			s.log.Error(err, "Failed to fetch threads after stop")
		}
		if stop.ThreadID == 0 {
			emit()
			return
		}
		s.fetchStack(raw, stop.ThreadID, gen).OnComplete(func(_ []dap.StackFrame, err error) {
			if err != nil {
				s.log.Error(err, "Failed to fetch stack after stop", "threadId", stop.ThreadID)
			}
			if gen == s.generation() {
				emit()
			}
		})
	})
}
