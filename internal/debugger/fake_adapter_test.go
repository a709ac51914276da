package debugger

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
)

// fakeAdapter is a scripted DAP adapter on the far end of a net.Pipe. Each
// request is answered by the handler registered for its command, or by a
// bare success response.
type fakeAdapter struct {
	transport dapclient.Transport
	served    chan struct{}

	mu       sync.Mutex
	handlers map[string]func(req dap.RequestMessage) []dap.Message
	requests []dap.RequestMessage
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handlers: make(map[string]func(dap.RequestMessage) []dap.Message)}
}

func (a *fakeAdapter) handle(command string, fn func(req dap.RequestMessage) []dap.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[command] = fn
}

// dial is an Options.Dial that connects the session to this adapter.
func (a *fakeAdapter) dial(context.Context, string) (dapclient.Transport, error) {
	client, server := net.Pipe()
	a.transport = dapclient.NewStreamTransport(server)
	a.served = make(chan struct{})
	go a.serve()
	return dapclient.NewStreamTransport(client), nil
}

func (a *fakeAdapter) serve() {
	defer close(a.served)
	for {
		msg, err := a.transport.ReadMessage()
		if err != nil {
			return
		}
		req, ok := msg.(dap.RequestMessage)
		if !ok {
			continue
		}
		command := req.GetRequest().Command

		a.mu.Lock()
		a.requests = append(a.requests, req)
		fn := a.handlers[command]
		a.mu.Unlock()

		replies := []dap.Message{ok200(req)}
		if fn != nil {
			replies = fn(req)
		}
		for _, r := range replies {
			if err := a.transport.WriteMessage(r); err != nil {
				return
			}
		}
	}
}

func (a *fakeAdapter) send(t *testing.T, msg dap.Message) {
	t.Helper()
	require.NoError(t, a.transport.WriteMessage(msg))
}

func (a *fakeAdapter) commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.requests))
	for i, r := range a.requests {
		out[i] = r.GetRequest().Command
	}
	return out
}

func (a *fakeAdapter) requestsFor(command string) []dap.RequestMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []dap.RequestMessage
	for _, r := range a.requests {
		if r.GetRequest().Command == command {
			out = append(out, r)
		}
	}
	return out
}

func (a *fakeAdapter) saw(command string) bool {
	return len(a.requestsFor(command)) > 0
}

func resp(req dap.RequestMessage) dap.Response {
	r := req.GetRequest()
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         r.Command,
		RequestSeq:      r.Seq,
		Success:         true,
	}
}

func ok200(req dap.RequestMessage) dap.Message {
	r := resp(req)
	return &r
}

func event(name string) dap.Event {
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: name}
}

var defaultCaps = dap.Capabilities{
	SupportsConfigurationDoneRequest: true,
	SupportsFunctionBreakpoints:      true,
	SupportsConditionalBreakpoints:   true,
	ExceptionBreakpointFilters:       []dap.ExceptionBreakpointsFilter{{Filter: "throw", Label: "C++: on throw"}},
}

// scriptGDBAdapter installs the handlers of a well-behaved adapter: launch
// answers and then announces initialized.
func scriptGDBAdapter(a *fakeAdapter, caps dap.Capabilities) {
	a.handle("initialize", func(req dap.RequestMessage) []dap.Message {
		return []dap.Message{&dap.InitializeResponse{Response: resp(req), Body: caps}}
	})
	a.handle("launch", func(req dap.RequestMessage) []dap.Message {
		return []dap.Message{ok200(req), &dap.InitializedEvent{Event: event("initialized")}}
	})
	a.handle("threads", func(req dap.RequestMessage) []dap.Message {
		return []dap.Message{&dap.ThreadsResponse{
			Response: resp(req),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}, {Id: 2, Name: "worker"}}},
		}}
	})
	a.handle("stackTrace", func(req dap.RequestMessage) []dap.Message {
		args := req.(*dap.StackTraceRequest).Arguments
		return []dap.Message{&dap.StackTraceResponse{
			Response: resp(req),
			Body: dap.StackTraceResponseBody{
				StackFrames: []dap.StackFrame{{Id: 1000 + args.ThreadId, Name: "work", Line: 12, Source: &dap.Source{Path: "/src/w.c"}}},
				TotalFrames: 1,
			},
		}}
	})
}

// recordingSink captures everything the session reports.
type recordingSink struct {
	mu      sync.Mutex
	outputs []OutputLine
	events  []Event
	ch      chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Event, 64)}
}

func (r *recordingSink) Output(text string, category Category) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, OutputLine{Category: category, Text: text})
}

func (r *recordingSink) Event(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

// waitEvent returns the next event of kind, skipping others.
func (r *recordingSink) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func (r *recordingSink) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, a *fakeAdapter, sink OutputSink) *Session {
	t.Helper()
	s := New(Options{
		Dial:          a.dial,
		RetryInterval: time.Millisecond,
		Sink:          sink,
		Log:           logr.Discard(),
	})
	t.Cleanup(func() { _ = s.Disconnect(context.Background(), true) })
	return s
}

// startSession initializes and launches s and waits for configuration.
func startSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Initialize(ctx, "fake", dap.InitializeRequestArguments{AdapterID: "gdb"}))
	require.NoError(t, s.Launch(ctx, map[string]any{"program": "/bin/true"}))
	require.NoError(t, s.WaitConfigured(ctx))
}
