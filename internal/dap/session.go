package dap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/metrics"
)

// maxDecodeFailures is the number of consecutive undecodable messages after
// which the stream is considered dead.
const maxDecodeFailures = 5

// EventHandler receives adapter events and reverse requests in arrival order,
// on the session's read goroutine.
type EventHandler func(msg dap.Message)

type pendingRequest struct {
	command string
	resolve func(dap.Message, error)
}

// RawSession is a DAP client over a Transport. Every request method returns
// immediately with a Future; responses are matched by sequence number on a
// dedicated read goroutine.
type RawSession struct {
	log       logr.Logger
	transport Transport

	mu      sync.Mutex
	seq     int
	pending map[int]pendingRequest
	caps    dap.Capabilities
	closed  bool
	err     error

	eventMu sync.Mutex
	handler EventHandler
	backlog []dap.Message

	done      chan struct{}
	closeOnce sync.Once

	disconnectOnce sync.Once
	disconnect     *Future[*dap.DisconnectResponse]
}

// NewRawSession starts reading from transport. Events arriving before
// SetEventHandler is called are buffered.
func NewRawSession(transport Transport, log logr.Logger) *RawSession {
	s := &RawSession{
		log:       logging.OrDiscard(log),
		transport: transport,
		pending:   make(map[int]pendingRequest),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SetEventHandler installs handler and delivers any buffered events to it,
// in order, before newer ones.
func (s *RawSession) SetEventHandler(handler EventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.handler = handler
	backlog := s.backlog
	s.backlog = nil
	for _, msg := range backlog {
		handler(msg)
	}
}

// Capabilities returns the negotiated capability set.
func (s *RawSession) Capabilities() dap.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Supports reports whether command may be sent under the current capabilities.
func (s *RawSession) Supports(command string) bool {
	caps := s.Capabilities()
	return Supported(&caps, command)
}

// Done is closed once the read loop has exited and all pending requests have
// failed.
func (s *RawSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended, if it has.
func (s *RawSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears down the transport. Pending requests fail with
// ErrTransportClosed. Safe to call more than once.
func (s *RawSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
	})
	<-s.done
	return err
}

func (s *RawSession) readLoop() {
	var exitErr error
	defer func() { s.finish(exitErr) }()

	failures := 0
	for {
		msg, err := s.transport.ReadMessage()
		if err != nil {
			if isFatalReadError(err) {
				exitErr = err
				return
			}
			failures++
			s.log.Error(err, "Undecodable DAP message", "attempt", failures, "max", maxDecodeFailures)
			if failures >= maxDecodeFailures {
				exitErr = fmt.Errorf("too many consecutive decode errors: %w", err)
				return
			}
			continue
		}
		failures = 0
		s.dispatch(msg)
	}
}

func isFatalReadError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, dgerrors.ErrTransportClosed)
}

func (s *RawSession) dispatch(msg dap.Message) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		s.resolve(m)
	case *dap.CapabilitiesEvent:
		s.mu.Lock()
		merged, err := mergeCapabilities(s.caps, m.Body.Capabilities)
		if err == nil {
			s.caps = merged
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Error(err, "Failed to merge capabilities event")
		}
		s.deliver(msg)
	default:
		s.deliver(msg)
	}
}

func (s *RawSession) resolve(resp dap.ResponseMessage) {
	seq := resp.GetResponse().RequestSeq

	s.mu.Lock()
	p, ok := s.pending[seq]
	delete(s.pending, seq)
	s.mu.Unlock()

	if !ok {
		s.log.V(1).Info("Response for unknown request", "requestSeq", seq, "command", resp.GetResponse().Command)
		return
	}
	p.resolve(resp, nil)
}

func (s *RawSession) deliver(msg dap.Message) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	if s.handler == nil {
		s.backlog = append(s.backlog, msg)
		return
	}
	s.handler(msg)
}

// finish fails every pending request and marks the session closed.
func (s *RawSession) finish(exitErr error) {
	s.mu.Lock()
	s.closed = true
	if exitErr == nil {
		exitErr = dgerrors.ErrTransportClosed
	}
	s.err = exitErr
	pending := s.pending
	s.pending = make(map[int]pendingRequest)
	s.mu.Unlock()

	for seq, p := range pending {
		s.log.Info("Dropping pending DAP request", "seq", seq, "command", p.command)
		p.resolve(nil, fmt.Errorf("%s: %w", p.command, dgerrors.ErrTransportClosed))
	}
	_ = s.transport.Close()
	close(s.done)
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// call sends req unless its capability is missing and returns the future of
// its typed response. An unsuccessful response fails with a BackendError.
func call[T dap.ResponseMessage](s *RawSession, req dap.RequestMessage) *Future[T] {
	var zero T
	r := req.GetRequest()
	command := r.Command

	if !s.Supports(command) {
		s.log.V(1).Info("Request not supported by adapter", "command", command)
		metrics.RecordDAPRequest(metrics.SideClient, command, metrics.OutcomeNotSupported)
		return Resolved(zero, fmt.Errorf("%s: %w", command, dgerrors.ErrNotSupported))
	}

	f, resolve := NewFuture[T]()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Resolved(zero, fmt.Errorf("%s: %w", command, dgerrors.ErrTransportClosed))
	}
	s.seq++
	r.Seq = s.seq
	seq := r.Seq
	s.pending[seq] = pendingRequest{
		command: command,
		resolve: func(msg dap.Message, err error) {
			if err != nil {
				metrics.RecordDAPRequest(metrics.SideClient, command, metrics.OutcomeError)
				resolve(zero, err)
				return
			}
			resp := msg.(dap.ResponseMessage).GetResponse()
			if !resp.Success {
				metrics.RecordDAPRequest(metrics.SideClient, command, metrics.OutcomeError)
				resolve(zero, &dgerrors.BackendError{Source: "dap", Command: command, Message: resp.Message})
				return
			}
			typed, ok := msg.(T)
			if !ok {
				metrics.RecordDAPRequest(metrics.SideClient, command, metrics.OutcomeError)
				resolve(zero, fmt.Errorf("%s: unexpected response type %T", command, msg))
				return
			}
			metrics.RecordDAPRequest(metrics.SideClient, command, metrics.OutcomeSuccess)
			resolve(typed, nil)
		},
	}
	s.mu.Unlock()

	s.log.V(1).Info("DAP request", "seq", seq, "command", command)
	if err := s.transport.WriteMessage(req); err != nil {
		s.mu.Lock()
		p, ok := s.pending[seq]
		delete(s.pending, seq)
		s.mu.Unlock()
		if ok {
			p.resolve(nil, fmt.Errorf("failed to send %s: %w", command, err))
		}
	}
	return f
}

// Initialize negotiates capabilities. The adapter's answer replaces the
// session's capability set; fields go-dap does not model are dropped.
func (s *RawSession) Initialize(args dap.InitializeRequestArguments) *Future[*dap.InitializeResponse] {
	f := call[*dap.InitializeResponse](s, &dap.InitializeRequest{Request: newRequest("initialize"), Arguments: args})
	return Then(f, func(resp *dap.InitializeResponse) (*dap.InitializeResponse, error) {
		s.mu.Lock()
		s.caps = resp.Body
		s.mu.Unlock()
		return resp, nil
	})
}

// Launch sends a launch request. args is marshalled as the adapter-specific
// argument object.
func (s *RawSession) Launch(args any) *Future[*dap.LaunchResponse] {
	raw, err := json.Marshal(args)
	if err != nil {
		return Resolved[*dap.LaunchResponse](nil, fmt.Errorf("failed to marshal launch args: %w", err))
	}
	return call[*dap.LaunchResponse](s, &dap.LaunchRequest{Request: newRequest("launch"), Arguments: raw})
}

// Attach sends an attach request with adapter-specific arguments.
func (s *RawSession) Attach(args any) *Future[*dap.AttachResponse] {
	raw, err := json.Marshal(args)
	if err != nil {
		return Resolved[*dap.AttachResponse](nil, fmt.Errorf("failed to marshal attach args: %w", err))
	}
	return call[*dap.AttachResponse](s, &dap.AttachRequest{Request: newRequest("attach"), Arguments: raw})
}

func (s *RawSession) Restart() *Future[*dap.RestartResponse] {
	return call[*dap.RestartResponse](s, &dap.RestartRequest{Request: newRequest("restart")})
}

// Disconnect asks the adapter to end the session. Later calls return the
// first call's future without sending again.
func (s *RawSession) Disconnect(args dap.DisconnectArguments) *Future[*dap.DisconnectResponse] {
	s.disconnectOnce.Do(func() {
		s.disconnect = call[*dap.DisconnectResponse](s, &dap.DisconnectRequest{Request: newRequest("disconnect"), Arguments: &args})
	})
	return s.disconnect
}

func (s *RawSession) Terminate() *Future[*dap.TerminateResponse] {
	return call[*dap.TerminateResponse](s, &dap.TerminateRequest{Request: newRequest("terminate")})
}

func (s *RawSession) ConfigurationDone() *Future[*dap.ConfigurationDoneResponse] {
	return call[*dap.ConfigurationDoneResponse](s, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
}

// Breakpoints

func (s *RawSession) SetBreakpoints(args dap.SetBreakpointsArguments) *Future[*dap.SetBreakpointsResponse] {
	return call[*dap.SetBreakpointsResponse](s, &dap.SetBreakpointsRequest{Request: newRequest("setBreakpoints"), Arguments: args})
}

func (s *RawSession) SetFunctionBreakpoints(args dap.SetFunctionBreakpointsArguments) *Future[*dap.SetFunctionBreakpointsResponse] {
	return call[*dap.SetFunctionBreakpointsResponse](s, &dap.SetFunctionBreakpointsRequest{Request: newRequest("setFunctionBreakpoints"), Arguments: args})
}

func (s *RawSession) SetExceptionBreakpoints(args dap.SetExceptionBreakpointsArguments) *Future[*dap.SetExceptionBreakpointsResponse] {
	return call[*dap.SetExceptionBreakpointsResponse](s, &dap.SetExceptionBreakpointsRequest{Request: newRequest("setExceptionBreakpoints"), Arguments: args})
}

func (s *RawSession) DataBreakpointInfo(args dap.DataBreakpointInfoArguments) *Future[*dap.DataBreakpointInfoResponse] {
	return call[*dap.DataBreakpointInfoResponse](s, &dap.DataBreakpointInfoRequest{Request: newRequest("dataBreakpointInfo"), Arguments: args})
}

func (s *RawSession) SetDataBreakpoints(args dap.SetDataBreakpointsArguments) *Future[*dap.SetDataBreakpointsResponse] {
	return call[*dap.SetDataBreakpointsResponse](s, &dap.SetDataBreakpointsRequest{Request: newRequest("setDataBreakpoints"), Arguments: args})
}

func (s *RawSession) SetInstructionBreakpoints(args dap.SetInstructionBreakpointsArguments) *Future[*dap.SetInstructionBreakpointsResponse] {
	return call[*dap.SetInstructionBreakpointsResponse](s, &dap.SetInstructionBreakpointsRequest{Request: newRequest("setInstructionBreakpoints"), Arguments: args})
}

// Execution control

func (s *RawSession) Continue(args dap.ContinueArguments) *Future[*dap.ContinueResponse] {
	return call[*dap.ContinueResponse](s, &dap.ContinueRequest{Request: newRequest("continue"), Arguments: args})
}

func (s *RawSession) Next(args dap.NextArguments) *Future[*dap.NextResponse] {
	return call[*dap.NextResponse](s, &dap.NextRequest{Request: newRequest("next"), Arguments: args})
}

func (s *RawSession) StepIn(args dap.StepInArguments) *Future[*dap.StepInResponse] {
	return call[*dap.StepInResponse](s, &dap.StepInRequest{Request: newRequest("stepIn"), Arguments: args})
}

func (s *RawSession) StepOut(args dap.StepOutArguments) *Future[*dap.StepOutResponse] {
	return call[*dap.StepOutResponse](s, &dap.StepOutRequest{Request: newRequest("stepOut"), Arguments: args})
}

func (s *RawSession) StepBack(args dap.StepBackArguments) *Future[*dap.StepBackResponse] {
	return call[*dap.StepBackResponse](s, &dap.StepBackRequest{Request: newRequest("stepBack"), Arguments: args})
}

func (s *RawSession) ReverseContinue(args dap.ReverseContinueArguments) *Future[*dap.ReverseContinueResponse] {
	return call[*dap.ReverseContinueResponse](s, &dap.ReverseContinueRequest{Request: newRequest("reverseContinue"), Arguments: args})
}

func (s *RawSession) RestartFrame(args dap.RestartFrameArguments) *Future[*dap.RestartFrameResponse] {
	return call[*dap.RestartFrameResponse](s, &dap.RestartFrameRequest{Request: newRequest("restartFrame"), Arguments: args})
}

func (s *RawSession) Goto(args dap.GotoArguments) *Future[*dap.GotoResponse] {
	return call[*dap.GotoResponse](s, &dap.GotoRequest{Request: newRequest("goto"), Arguments: args})
}

func (s *RawSession) GotoTargets(args dap.GotoTargetsArguments) *Future[*dap.GotoTargetsResponse] {
	return call[*dap.GotoTargetsResponse](s, &dap.GotoTargetsRequest{Request: newRequest("gotoTargets"), Arguments: args})
}

func (s *RawSession) Pause(args dap.PauseArguments) *Future[*dap.PauseResponse] {
	return call[*dap.PauseResponse](s, &dap.PauseRequest{Request: newRequest("pause"), Arguments: args})
}

// Inspection

func (s *RawSession) StackTrace(args dap.StackTraceArguments) *Future[*dap.StackTraceResponse] {
	return call[*dap.StackTraceResponse](s, &dap.StackTraceRequest{Request: newRequest("stackTrace"), Arguments: args})
}

func (s *RawSession) Scopes(args dap.ScopesArguments) *Future[*dap.ScopesResponse] {
	return call[*dap.ScopesResponse](s, &dap.ScopesRequest{Request: newRequest("scopes"), Arguments: args})
}

func (s *RawSession) Variables(args dap.VariablesArguments) *Future[*dap.VariablesResponse] {
	return call[*dap.VariablesResponse](s, &dap.VariablesRequest{Request: newRequest("variables"), Arguments: args})
}

func (s *RawSession) SetVariable(args dap.SetVariableArguments) *Future[*dap.SetVariableResponse] {
	return call[*dap.SetVariableResponse](s, &dap.SetVariableRequest{Request: newRequest("setVariable"), Arguments: args})
}

func (s *RawSession) Evaluate(args dap.EvaluateArguments) *Future[*dap.EvaluateResponse] {
	return call[*dap.EvaluateResponse](s, &dap.EvaluateRequest{Request: newRequest("evaluate"), Arguments: args})
}

func (s *RawSession) Threads() *Future[*dap.ThreadsResponse] {
	return call[*dap.ThreadsResponse](s, &dap.ThreadsRequest{Request: newRequest("threads")})
}

func (s *RawSession) Source(args dap.SourceArguments) *Future[*dap.SourceResponse] {
	return call[*dap.SourceResponse](s, &dap.SourceRequest{Request: newRequest("source"), Arguments: args})
}

func (s *RawSession) Modules(args dap.ModulesArguments) *Future[*dap.ModulesResponse] {
	return call[*dap.ModulesResponse](s, &dap.ModulesRequest{Request: newRequest("modules"), Arguments: args})
}

func (s *RawSession) LoadedSources() *Future[*dap.LoadedSourcesResponse] {
	return call[*dap.LoadedSourcesResponse](s, &dap.LoadedSourcesRequest{Request: newRequest("loadedSources")})
}

func (s *RawSession) Completions(args dap.CompletionsArguments) *Future[*dap.CompletionsResponse] {
	return call[*dap.CompletionsResponse](s, &dap.CompletionsRequest{Request: newRequest("completions"), Arguments: args})
}

// Memory

func (s *RawSession) Disassemble(args dap.DisassembleArguments) *Future[*dap.DisassembleResponse] {
	return call[*dap.DisassembleResponse](s, &dap.DisassembleRequest{Request: newRequest("disassemble"), Arguments: args})
}

func (s *RawSession) ReadMemory(args dap.ReadMemoryArguments) *Future[*dap.ReadMemoryResponse] {
	return call[*dap.ReadMemoryResponse](s, &dap.ReadMemoryRequest{Request: newRequest("readMemory"), Arguments: args})
}
