package debugger

import (
	"strings"
	"sync"
)

// Category classifies program and debugger output.
type Category string

const (
	CategoryStdout  Category = "stdout"
	CategoryStderr  Category = "stderr"
	CategoryConsole Category = "console"
	CategoryLog     Category = "log"
	CategoryNormal  Category = "normal-message"
	CategoryError   Category = "error-message"
)

// categoryFromDAP maps a DAP output event category onto a Category.
func categoryFromDAP(c string) Category {
	switch c {
	case "stdout":
		return CategoryStdout
	case "stderr":
		return CategoryStderr
	case "important":
		return CategoryError
	case "telemetry":
		return CategoryLog
	case "console", "":
		return CategoryConsole
	default:
		return CategoryNormal
	}
}

// EventKind names a structured session event.
type EventKind string

const (
	EventBreakpointChanged EventKind = "breakpointChanged"
	EventThreadsUpdated    EventKind = "threadsUpdated"
	EventStackUpdated      EventKind = "stackUpdated"
	EventVariablesUpdated  EventKind = "variablesUpdated"
	EventStopped           EventKind = "stopped"
	EventRunning           EventKind = "running"
	EventExited            EventKind = "exited"
	EventTerminated        EventKind = "terminated"
)

// Event is a structured notification for the output sink. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	ThreadID   int
	Stop       *StoppedDetails
	Breakpoint *Breakpoint
	ExitCode   int
}

// OutputSink receives program output and structured events. Calls are made
// from the session's event goroutine and must not block.
type OutputSink interface {
	Output(text string, category Category)
	Event(ev Event)
}

type discardSink struct{}

func (discardSink) Output(string, Category) {}
func (discardSink) Event(Event)             {}

// OutputLine is one chunk of captured output.
type OutputLine struct {
	Category Category `json:"category"`
	Text     string   `json:"text"`
}

// OutputBuffer is an OutputSink that keeps the most recent output and lets
// callers wait for the next stop or termination.
type OutputBuffer struct {
	mu      sync.Mutex
	limit   int
	lines   []OutputLine
	waiters []chan Event
	last    *Event
}

// NewOutputBuffer keeps at most limit output chunks.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = 1000
	}
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Output(text string, category Category) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, OutputLine{Category: category, Text: text})
	if over := len(b.lines) - b.limit; over > 0 {
		b.lines = append([]OutputLine(nil), b.lines[over:]...)
	}
}

func (b *OutputBuffer) Event(ev Event) {
	if ev.Kind != EventStopped && ev.Kind != EventTerminated && ev.Kind != EventExited {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &ev
	for _, w := range b.waiters {
		w <- ev
	}
	b.waiters = nil
}

// Recent returns up to n of the newest output chunks, oldest first.
func (b *OutputBuffer) Recent(n int) []OutputLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	return append([]OutputLine(nil), b.lines[len(b.lines)-n:]...)
}

// Text joins the recent output of the given categories. No categories means
// all of them.
func (b *OutputBuffer) Text(categories ...Category) string {
	var sb strings.Builder
	for _, l := range b.Recent(0) {
		if len(categories) > 0 && !containsCategory(categories, l.Category) {
			continue
		}
		sb.WriteString(l.Text)
	}
	return sb.String()
}

func containsCategory(list []Category, c Category) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// Next returns a channel that receives the next stopped, exited or
// terminated event.
func (b *OutputBuffer) Next() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 1)
	b.waiters = append(b.waiters, ch)
	return ch
}

// Last returns the most recent stopped, exited or terminated event.
func (b *OutputBuffer) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}
