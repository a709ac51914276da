package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"golang.org/x/sync/errgroup"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/metrics"
)

const requestQueue = 64

type sessionMode int

const (
	modeNone sessionMode = iota
	modeLaunch
	modeAttach
)

var errDisconnected = errors.New("client disconnected")

// Session serves one DAP client with one gdb.
type Session struct {
	log       logr.Logger
	opts      Options
	transport dapclient.Transport

	// engine is only touched by the request worker.
	engine *gdb.Engine
	unsub  []func()

	writeMu sync.Mutex
	seq     int

	handles *handles

	mu              sync.Mutex
	mode            sessionMode
	launch          launchArgs
	columnsBase     int
	configured      bool
	closing         bool
	selfResume      bool
	restarting      bool
	capturing       bool
	quietStops      int
	pendingReason   string
	stopWaiters     []chan struct{}
	scopeVarObjects []string
	staleVarObjects []string
	watches         map[string]string

	breakpoints *breakpointTables
	synthetic   *syntheticSources

	exited     bool
	terminated bool
}

func newSession(transport dapclient.Transport, opts Options) *Session {
	opts.withDefaults()
	return &Session{
		log:         opts.Log.WithName("dap-server"),
		opts:        opts,
		transport:   transport,
		handles:     newHandles(),
		columnsBase: 1,
		watches:     make(map[string]string),
		breakpoints: newBreakpointTables(),
		synthetic:   newSyntheticSources(),
	}
}

// Run serves requests until the client disconnects or the connection drops.
func (s *Session) Run(ctx context.Context) error {
	metrics.SessionStarted(metrics.KindWire)
	defer metrics.SessionEnded(metrics.KindWire)

	g, gctx := errgroup.WithContext(ctx)
	requests := make(chan dap.Message, requestQueue)

	g.Go(func() error {
		defer close(requests)
		return s.readLoop(gctx, requests)
	})
	g.Go(func() error {
		return s.work(gctx, requests)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.transport.Close()
	})

	err := g.Wait()
	s.teardown()

	switch {
	case err == nil,
		errors.Is(err, errDisconnected),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		dgerrors.IsTransportClosed(err),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func (s *Session) readLoop(ctx context.Context, requests chan<- dap.Message) error {
	for {
		msg, err := s.transport.ReadMessage()
		if err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				s.rejectUndecodable(fieldErr)
				continue
			}
			return err
		}
		if _, ok := msg.(dap.RequestMessage); !ok {
			s.log.V(1).Info("Ignoring non-request message from client", "type", fmt.Sprintf("%T", msg))
			continue
		}
		select {
		case requests <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// rejectUndecodable answers a request go-dap could not decode, typically an
// unknown command.
func (s *Session) rejectUndecodable(fieldErr *dap.DecodeProtocolMessageFieldError) {
	s.log.V(1).Info("Rejecting undecodable message", "seq", fieldErr.Seq, "field", fieldErr.FieldName, "value", fieldErr.FieldValue)
	if fieldErr.SubType != "request" {
		return
	}
	command := ""
	if fieldErr.FieldName == "command" {
		command = fieldErr.FieldValue
	}
	metrics.RecordDAPRequest(metrics.SideServer, command, metrics.OutcomeNotSupported)
	s.respondError(&dap.Request{Command: command, ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq}},
		fmt.Errorf("%s: %w", command, dgerrors.ErrNotSupported))
}

// work handles requests one at a time, in arrival order.
func (s *Session) work(ctx context.Context, requests <-chan dap.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-requests:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)

			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return errDisconnected
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, msg dap.Message) {
	req := msg.(dap.RequestMessage).GetRequest()
	s.log.V(1).Info("DAP request", "command", req.Command, "seq", req.Seq)

	s.dropStaleVarObjects(ctx)

	rctx, cancel := s.requestContext(ctx)
	err := s.dispatch(rctx, msg)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = dgerrors.DAPTimeout(req.Command, int(s.opts.RequestTimeout.Seconds()))
	}
	cancel()

	switch {
	case err == nil:
		metrics.RecordDAPRequest(metrics.SideServer, req.Command, metrics.OutcomeSuccess)
	case dgerrors.IsNotSupported(err):
		metrics.RecordDAPRequest(metrics.SideServer, req.Command, metrics.OutcomeNotSupported)
	default:
		metrics.RecordDAPRequest(metrics.SideServer, req.Command, metrics.OutcomeError)
	}
	if err != nil {
		s.log.V(1).Info("DAP request failed", "command", req.Command, "error", err.Error())
		s.respondError(req, err)
	}
}

func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// dispatch runs the handler of one request. A handler either responds and
// returns nil, or returns the error to answer with.
func (s *Session) dispatch(ctx context.Context, msg dap.Message) error {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		return s.onInitialize(req)
	case *dap.LaunchRequest:
		return s.onLaunch(ctx, req)
	case *dap.AttachRequest:
		return s.onAttach(ctx, req)
	case *dap.ConfigurationDoneRequest:
		return s.onConfigurationDone(ctx, req)
	case *dap.DisconnectRequest:
		return s.onDisconnect(ctx, req)
	case *dap.TerminateRequest:
		return s.onTerminate(ctx, req)
	case *dap.RestartRequest:
		return s.onRestart(ctx, req)

	case *dap.SetBreakpointsRequest:
		return s.onSetBreakpoints(ctx, req)
	case *dap.SetFunctionBreakpointsRequest:
		return s.onSetFunctionBreakpoints(ctx, req)
	case *dap.SetExceptionBreakpointsRequest:
		return s.onSetExceptionBreakpoints(ctx, req)
	case *dap.DataBreakpointInfoRequest:
		return s.onDataBreakpointInfo(ctx, req)
	case *dap.SetDataBreakpointsRequest:
		return s.onSetDataBreakpoints(ctx, req)
	case *dap.SetInstructionBreakpointsRequest:
		return s.onSetInstructionBreakpoints(ctx, req)

	case *dap.ContinueRequest:
		return s.onContinue(ctx, req)
	case *dap.NextRequest:
		return s.onNext(ctx, req)
	case *dap.StepInRequest:
		return s.onStepIn(ctx, req)
	case *dap.StepOutRequest:
		return s.onStepOut(ctx, req)
	case *dap.StepBackRequest:
		return s.onStepBack(ctx, req)
	case *dap.ReverseContinueRequest:
		return s.onReverseContinue(ctx, req)
	case *dap.PauseRequest:
		return s.onPause(ctx, req)
	case *dap.GotoTargetsRequest:
		return s.onGotoTargets(req)
	case *dap.GotoRequest:
		return s.onGoto(ctx, req)

	case *dap.ThreadsRequest:
		return s.onThreads(ctx, req)
	case *dap.StackTraceRequest:
		return s.onStackTrace(ctx, req)
	case *dap.ScopesRequest:
		return s.onScopes(req)
	case *dap.VariablesRequest:
		return s.onVariables(ctx, req)
	case *dap.SetVariableRequest:
		return s.onSetVariable(ctx, req)
	case *dap.EvaluateRequest:
		return s.onEvaluate(ctx, req)
	case *dap.CompletionsRequest:
		return s.onCompletions(ctx, req)
	case *dap.SourceRequest:
		return s.onSource(req)
	case *dap.ModulesRequest:
		return s.onModules(req)

	case *dap.DisassembleRequest:
		return s.onDisassemble(ctx, req)
	case *dap.ReadMemoryRequest:
		return s.onReadMemory(ctx, req)

	default:
		return fmt.Errorf("%s: %w", msg.(dap.RequestMessage).GetRequest().Command, dgerrors.ErrNotSupported)
	}
}

// gdb returns the engine once launch or attach started it.
func (s *Session) gdb() (*gdb.Engine, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("no debuggee, send launch or attach first: %w", dgerrors.ErrNotReady)
	}
	return s.engine, nil
}

func (s *Session) teardown() {
	for _, unsubscribe := range s.unsub {
		unsubscribe()
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.log.V(1).Info("gdb did not exit cleanly", "error", err.Error())
		}
	}
}

// --- writing ---

// write stamps the next sequence number and sends the message built for it.
func (s *Session) write(build func(seq int) dap.Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	if err := s.transport.WriteMessage(build(s.seq)); err != nil {
		s.log.V(1).Info("Failed to write DAP message", "error", err.Error())
	}
}

func (s *Session) respond(req *dap.Request, build func(dap.Response) dap.Message) {
	s.write(func(seq int) dap.Message {
		return build(dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
			Command:         req.Command,
			RequestSeq:      req.Seq,
			Success:         true,
		})
	})
}

// ack sends a success response without a body.
func (s *Session) ack(req *dap.Request) {
	s.respond(req, func(r dap.Response) dap.Message { return &r })
}

func (s *Session) respondError(req *dap.Request, err error) {
	message := dgerrors.BackendMessage(err)
	s.write(func(seq int) dap.Message {
		return &dap.ErrorResponse{Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "response"},
			Command:         req.Command,
			RequestSeq:      req.Seq,
			Success:         false,
			Message:         message,
		}}
	})
}

func (s *Session) emit(name string, build func(dap.Event) dap.Message) {
	s.write(func(seq int) dap.Message {
		return build(dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "event"},
			Event:           name,
		})
	})
}

// emitTerminated sends the terminated event, at most once per session.
func (s *Session) emitTerminated() {
	s.mu.Lock()
	sent := s.terminated
	s.terminated = true
	s.mu.Unlock()
	if sent {
		return
	}
	s.emit("terminated", func(ev dap.Event) dap.Message { return &dap.TerminatedEvent{Event: ev} })
}
