// Package debugger implements the debug session coordinator.
//
// A Session is a DAP client that drives a debug adapter (normally the gdb
// wire session served by internal/server). It stages breakpoints until the
// adapter is ready, replays them after the initialized event, keeps the
// thread, stack, module and source caches coherent across stops and
// resumes, and funnels every way a session can end through one shutdown
// path.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/metrics"
)

// State is the coordinator's lifecycle state.
type State int

const (
	StateInactive State = iota
	StateInitializing
	StateStopped
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateInitializing:
		return "initializing"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	defaultConnectRetries = 5
	defaultRetryInterval  = 200 * time.Millisecond
)

// Options configures a Session.
type Options struct {
	// ConnectRetries is the number of reconnection attempts after the first.
	ConnectRetries int
	// RetryInterval is the fixed delay between connection attempts.
	RetryInterval time.Duration
	// Dial opens the DAP transport. Defaults to a TCP connection.
	Dial func(ctx context.Context, address string) (dapclient.Transport, error)
	Sink OutputSink
	Log  logr.Logger
}

// StoppedDetails describes one stop of the debuggee.
type StoppedDetails struct {
	Reason            string `json:"reason"`
	Description       string `json:"description,omitempty"`
	Text              string `json:"text,omitempty"`
	ThreadID          int    `json:"threadId"`
	AllThreadsStopped bool   `json:"allThreadsStopped"`
	HitBreakpointIDs  []int  `json:"hitBreakpointIds,omitempty"`
}

// Thread is the cached view of one debuggee thread.
type Thread struct {
	ID      int
	Name    string
	Stopped bool
	// Stop is set on the thread that caused the most recent stop.
	Stop *StoppedDetails
}

// Session coordinates one debug session against a DAP adapter.
type Session struct {
	log     logr.Logger
	opts    Options
	sink    OutputSink
	sources *SourceCache

	mu          sync.Mutex
	state       State
	raw         *dapclient.RawSession
	ready       bool
	staged      stagedBreakpoints
	threads     map[int]*Thread
	threadOrder []int
	stacks      map[int][]dap.StackFrame
	modules     map[string]dap.Module
	moduleOrder []string
	stopGen     uint64
	lastStop    *StoppedDetails
	exitCode    *int

	configured        *dapclient.Future[struct{}]
	resolveConfigured func(struct{}, error)

	terminated   chan struct{}
	shutdownOnce sync.Once
}

// New creates an inactive session.
func New(opts Options) *Session {
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = defaultConnectRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Dial == nil {
		opts.Dial = dapclient.DialTCP
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}

	configured, resolve := dapclient.NewFuture[struct{}]()
	return &Session{
		log:               logging.OrDiscard(opts.Log),
		opts:              opts,
		sink:              sink,
		sources:           NewSourceCache(),
		staged:            newStagedBreakpoints(),
		threads:           make(map[int]*Thread),
		stacks:            make(map[int][]dap.StackFrame),
		modules:           make(map[string]dap.Module),
		configured:        configured,
		resolveConfigured: resolve,
		terminated:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = state
	}
}

// Terminated is closed once the session has shut down.
func (s *Session) Terminated() <-chan struct{} {
	return s.terminated
}

// Capabilities returns the adapter's negotiated capabilities.
func (s *Session) Capabilities() dap.Capabilities {
	raw, err := s.client()
	if err != nil {
		return dap.Capabilities{}
	}
	return raw.Capabilities()
}

// Initialize connects to the adapter at address and negotiates
// capabilities. The connection is retried a fixed number of times at a fixed
// interval. On failure the session stays inactive.
func (s *Session) Initialize(ctx context.Context, address string, args dap.InitializeRequestArguments) error {
	s.mu.Lock()
	switch s.state {
	case StateInactive:
	case StateTerminated:
		s.mu.Unlock()
		return dgerrors.ErrSessionTerminated
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is already %s", state)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	transport, err := s.connect(ctx, address)
	if err != nil {
		s.setState(StateInactive)
		return dgerrors.BackendConnectFailed(address, err)
	}

	raw := dapclient.NewRawSession(transport, s.log.WithName("dap"))
	if _, err := raw.Initialize(args).Wait(ctx); err != nil {
		_ = raw.Close()
		s.setState(StateInactive)
		return dgerrors.DAPInitFailed(err)
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		_ = raw.Close()
		return dgerrors.ErrSessionTerminated
	}
	s.raw = raw
	s.ready = true
	s.mu.Unlock()

	raw.SetEventHandler(s.handleEvent)
	go s.watch(raw)
	metrics.SessionStarted(metrics.KindCoordinator)
	s.log.V(1).Info("Debug session initialized", "address", address)
	return nil
}

func (s *Session) connect(ctx context.Context, address string) (dapclient.Transport, error) {
	var lastErr error
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryInterval), uint64(s.opts.ConnectRetries))
	transport, err := backoff.RetryNotifyWithData(
		func() (dapclient.Transport, error) {
			return s.opts.Dial(ctx, address)
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			lastErr = err
			s.log.V(1).Info("Retrying connection to debug adapter", "address", address, "error", err.Error(), "delay", d)
		},
	)
	switch {
	case err != nil && ctx.Err() != nil:
		// Report the last attempt's failure along with the cancellation.
		return nil, errors.Join(lastErr, err)
	case err != nil:
		return nil, err
	default:
		return transport, nil
	}
}

// watch funnels transport death into the shutdown path.
func (s *Session) watch(raw *dapclient.RawSession) {
	<-raw.Done()
	s.shutdown(raw.Err())
}

// client returns the live DAP client or the reason there is none.
func (s *Session) client() (*dapclient.RawSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateTerminated:
		return nil, dgerrors.ErrSessionTerminated
	case s.raw == nil:
		return nil, dgerrors.ErrNotReady
	default:
		return s.raw, nil
	}
}

// Launch asks the adapter to start the program described by args.
func (s *Session) Launch(ctx context.Context, args any) error {
	raw, err := s.client()
	if err != nil {
		return err
	}
	_, err = raw.Launch(args).Wait(ctx)
	return err
}

// Attach asks the adapter to attach to a running process or remote target.
func (s *Session) Attach(ctx context.Context, args any) error {
	raw, err := s.client()
	if err != nil {
		return err
	}
	_, err = raw.Attach(args).Wait(ctx)
	return err
}

// WaitConfigured returns once configuration-done has been acknowledged.
func (s *Session) WaitConfigured(ctx context.Context) error {
	_, err := s.configured.Wait(ctx)
	return err
}

// onInitialized replays the staged breakpoints in fixed order, then sends
// configurationDone, then fetches the initial thread list. It runs on the
// event goroutine and never blocks on the adapter.
func (s *Session) onInitialized() {
	raw, err := s.client()
	if err != nil {
		return
	}

	s.mu.Lock()
	staged := s.staged.snapshot()
	s.mu.Unlock()

	// Exception filters go last; some adapters depend on that ordering.
	var pending []*dapclient.Future[struct{}]
	if len(staged.functions) > 0 {
		pending = append(pending, s.sendFunctionBreakpoints(raw, staged.functions))
	}
	for _, path := range staged.paths {
		pending = append(pending, s.sendSourceBreakpoints(raw, path, staged.sources[path]))
	}
	if len(staged.data) > 0 {
		pending = append(pending, s.sendDataBreakpoints(raw, staged.data))
	}
	if len(staged.instructions) > 0 {
		pending = append(pending, s.sendInstructionBreakpoints(raw, staged.instructions))
	}
	if len(staged.exceptionFilters) > 0 {
		pending = append(pending, s.sendExceptionBreakpoints(raw, staged.exceptionFilters))
	}

	whenAll(pending, func() {
		raw.ConfigurationDone().OnComplete(func(_ *dap.ConfigurationDoneResponse, err error) {
			if err != nil && !dgerrors.IsNotSupported(err) {
				s.log.Error(err, "configurationDone failed")
				s.resolveConfigured(struct{}{}, err)
				return
			}
			s.mu.Lock()
			if s.state == StateInitializing {
				s.state = StateStopped
			}
			s.mu.Unlock()
			s.resolveConfigured(struct{}{}, nil)
			s.refreshThreads(raw, nil, s.generation())
		})
	})
}

// whenAll calls fn once every future has resolved, whatever the outcome.
func whenAll(futures []*dapclient.Future[struct{}], fn func()) {
	if len(futures) == 0 {
		fn()
		return
	}
	var mu sync.Mutex
	remaining := len(futures)
	for _, f := range futures {
		f.OnComplete(func(struct{}, error) {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				fn()
			}
		})
	}
}

// Disconnect ends the session. Safe to call more than once and while other
// requests are in flight.
func (s *Session) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	raw, err := s.client()
	if err != nil {
		if errors.Is(err, dgerrors.ErrSessionTerminated) {
			return nil
		}
		s.shutdown(nil)
		return nil
	}

	_, err = raw.Disconnect(dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee}).Wait(ctx)
	if dgerrors.IsTransportClosed(err) {
		err = nil
	}
	s.shutdown(nil)
	return err
}

// Terminate asks the adapter to end the debuggee, falling back to a
// terminating disconnect when the adapter has no terminate request.
func (s *Session) Terminate(ctx context.Context) error {
	raw, err := s.client()
	if err != nil {
		if errors.Is(err, dgerrors.ErrSessionTerminated) {
			return nil
		}
		return err
	}
	if raw.Supports("terminate") {
		_, err := raw.Terminate().Wait(ctx)
		if err != nil && !dgerrors.IsTransportClosed(err) {
			s.log.Error(err, "terminate failed, disconnecting")
		}
	}
	return s.Disconnect(ctx, true)
}

// Restart asks the adapter to restart the debuggee.
func (s *Session) Restart(ctx context.Context) error {
	raw, err := s.client()
	if err != nil {
		return err
	}
	s.invalidateStacks(0)
	_, err = raw.Restart().Wait(ctx)
	return err
}

// shutdown is the single exit path for explicit disconnects, terminated
// events and transport death. It waits for the DAP read loop, so it must not
// run on the event goroutine.
func (s *Session) shutdown(cause error) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		raw := s.raw
		wasActive := raw != nil
		s.state = StateTerminated
		s.ready = false
		s.threads = make(map[int]*Thread)
		s.threadOrder = nil
		s.stacks = make(map[int][]dap.StackFrame)
		s.mu.Unlock()

		if raw != nil {
			_ = raw.Close()
		}
		s.sources.Clear()
		s.resolveConfigured(struct{}{}, dgerrors.ErrSessionTerminated)

		if cause != nil && !dgerrors.IsTransportClosed(cause) {
			s.log.Error(cause, "Debug session ended")
		} else {
			s.log.V(1).Info("Debug session ended")
		}
		if wasActive {
			metrics.SessionEnded(metrics.KindCoordinator)
		}
		close(s.terminated)
		s.sink.Event(Event{Kind: EventTerminated})
	})
}

// ExitCode returns the debuggee's exit code once an exited event arrived.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// LastStop returns the details of the most recent stop.
func (s *Session) LastStop() (StoppedDetails, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStop == nil {
		return StoppedDetails{}, false
	}
	return *s.lastStop, true
}
