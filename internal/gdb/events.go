package gdb

import (
	"github.com/ctagard/dap-gdb/internal/event"
	"github.com/ctagard/dap-gdb/internal/mi"
)

// RunningEvent reports that execution resumed. ThreadID is "all" or a
// thread number.
type RunningEvent struct {
	ThreadID string
}

// AllThreads reports whether every thread resumed.
func (e RunningEvent) AllThreads() bool {
	return e.ThreadID == "" || e.ThreadID == "all"
}

// ThreadGroupEvent is a =thread-group-* notification.
type ThreadGroupEvent struct {
	// Kind is "added", "removed", "started" or "exited".
	Kind  string
	Group mi.ThreadGroup
}

// ThreadEvent is a =thread-created, =thread-exited or =thread-selected
// notification.
type ThreadEvent struct {
	// Kind is "created", "exited" or "selected".
	Kind     string
	ThreadID int
	GroupID  string
}

// LibraryEvent is a =library-loaded or =library-unloaded notification.
type LibraryEvent struct {
	Loaded  bool
	Library mi.Library
}

// ThreadsEvent carries a freshly listed thread set. Stop is the most recent
// stop, or nil while running.
type ThreadsEvent struct {
	Threads []mi.Thread
	Current int
	Stop    *mi.StoppedDetails
}

// StackEvent carries the frames of one thread.
type StackEvent struct {
	ThreadID int
	Frames   []mi.Frame
}

// LocalsEvent carries the arguments and locals of one frame.
type LocalsEvent struct {
	ThreadID  int
	Frame     int
	Variables []mi.Variable
}

// Events holds one bus per event category.
type Events struct {
	Stopped *event.Bus[mi.StoppedDetails]
	Running *event.Bus[RunningEvent]

	BreakpointInserted *event.Bus[mi.Breakpoint]
	BreakpointModified *event.Bus[mi.Breakpoint]
	BreakpointRemoved  *event.Bus[mi.Breakpoint]

	ThreadGroup     *event.Bus[ThreadGroupEvent]
	ThreadLifecycle *event.Bus[ThreadEvent]
	Library         *event.Bus[LibraryEvent]

	ThreadsUpdated   *event.Bus[ThreadsEvent]
	StackUpdated     *event.Bus[StackEvent]
	LocalsUpdated    *event.Bus[LocalsEvent]
	VariablesChanged *event.Bus[[]string]

	Output *event.Bus[Output]
	// Exited fires when the gdb process itself goes away.
	Exited *event.Bus[error]
}

func newEvents() Events {
	return Events{
		Stopped:            event.NewBus[mi.StoppedDetails](),
		Running:            event.NewBus[RunningEvent](),
		BreakpointInserted: event.NewBus[mi.Breakpoint](),
		BreakpointModified: event.NewBus[mi.Breakpoint](),
		BreakpointRemoved:  event.NewBus[mi.Breakpoint](),
		ThreadGroup:        event.NewBus[ThreadGroupEvent](),
		ThreadLifecycle:    event.NewBus[ThreadEvent](),
		Library:            event.NewBus[LibraryEvent](),
		ThreadsUpdated:     event.NewBus[ThreadsEvent](),
		StackUpdated:       event.NewBus[StackEvent](),
		LocalsUpdated:      event.NewBus[LocalsEvent](),
		VariablesChanged:   event.NewBus[[]string](),
		Output:             event.NewBus[Output](),
		Exited:             event.NewBus[error](),
	}
}
