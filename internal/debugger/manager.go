package debugger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/pkg/types"
)

const (
	cleanupInterval = time.Minute
	terminateGrace  = 5 * time.Second
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	MaxSessions int
	// SessionTimeout reaps sessions idle for longer than this. Zero disables
	// reaping.
	SessionTimeout time.Duration
	// BackendAddress is an external DAP server. When empty, StartBackend is
	// called once to start an in-process one.
	BackendAddress string
	StartBackend   func(ctx context.Context) (string, error)
	// Session is the template for every session; Sink and Log are replaced.
	Session     Options
	OutputLimit int
	Log         logr.Logger
}

// Entry is one managed session.
type Entry struct {
	ID        string
	Kind      types.SessionKind
	Program   string
	PID       int
	CreatedAt time.Time
	Session   *Session
	Output    *OutputBuffer

	mu         sync.Mutex
	lastActive time.Time
}

func (e *Entry) touch() {
	e.mu.Lock()
	e.lastActive = time.Now()
	e.mu.Unlock()
}

func (e *Entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

// Info returns the JSON view of the entry.
func (e *Entry) Info() types.SessionInfo {
	info := types.SessionInfo{
		SessionID: e.ID,
		Kind:      e.Kind,
		Status:    statusOf(e.Session.State()),
		PID:       e.PID,
		Program:   e.Program,
		CreatedAt: e.CreatedAt,
	}
	if code, ok := e.Session.ExitCode(); ok {
		info.ExitCode = &code
	}
	return info
}

func statusOf(s State) types.SessionStatus {
	switch s {
	case StateInactive, StateInitializing:
		return types.SessionStatusInitializing
	case StateRunning:
		return types.SessionStatusRunning
	case StateStopped:
		return types.SessionStatusStopped
	default:
		return types.SessionStatusTerminated
	}
}

// Manager is the registry of coordinator sessions.
type Manager struct {
	log  logr.Logger
	opts ManagerOptions

	mu       sync.RWMutex
	sessions map[string]*Entry

	backendMu   sync.Mutex
	backendAddr string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager and starts its idle reaper.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:         logging.OrDiscard(opts.Log),
		opts:        opts,
		sessions:    make(map[string]*Entry),
		backendAddr: opts.BackendAddress,
		ctx:         ctx,
		cancel:      cancel,
	}
	if opts.SessionTimeout > 0 {
		go m.cleanupLoop()
	}
	return m
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired terminates sessions idle for longer than the timeout.
func (m *Manager) cleanupExpired(now time.Time) {
	m.mu.RLock()
	var expired []string
	for id, e := range m.sessions {
		if now.Sub(e.idleSince()) > m.opts.SessionTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.log.Info("Reaping idle debug session", "sessionId", id)
		ctx, cancel := context.WithTimeout(m.ctx, terminateGrace)
		if err := m.Terminate(ctx, id, true); err != nil {
			m.log.Error(err, "Failed to reap debug session", "sessionId", id)
		}
		cancel()
	}
}

// backend returns the DAP server address, starting the in-process server on
// first use.
func (m *Manager) backend(ctx context.Context) (string, error) {
	m.backendMu.Lock()
	defer m.backendMu.Unlock()

	if m.backendAddr != "" {
		return m.backendAddr, nil
	}
	if m.opts.StartBackend == nil {
		return "", errors.New("no debug backend configured")
	}
	addr, err := m.opts.StartBackend(ctx)
	if err != nil {
		return "", dgerrors.BackendStartFailed("in-process", err)
	}
	m.backendAddr = addr
	return addr, nil
}

// Create registers a new inactive session.
func (m *Manager) Create(kind types.SessionKind, program string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.opts.MaxSessions {
		return nil, dgerrors.SessionLimitReached(m.opts.MaxSessions)
	}

	output := NewOutputBuffer(m.opts.OutputLimit)
	opts := m.opts.Session
	opts.Sink = output
	id := uuid.NewString()
	opts.Log = m.log.WithValues("sessionId", id)

	now := time.Now()
	e := &Entry{
		ID:         id,
		Kind:       kind,
		Program:    program,
		CreatedAt:  now,
		Session:    New(opts),
		Output:     output,
		lastActive: now,
	}
	m.sessions[id] = e
	return e, nil
}

// StartRequest describes a session to bring up with Start.
type StartRequest struct {
	Kind    types.SessionKind
	Program string
	PID     int
	// Args is the adapter-specific launch or attach argument object.
	Args any
	// Breakpoints are staged before the adapter initializes, keyed by path.
	Breakpoints map[string][]SourceBreakpoint
	Functions   []string
}

// Start creates a session, connects it to the backend, launches or attaches
// and waits until configuration is done. A failed start leaves nothing
// registered.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Entry, error) {
	e, err := m.Create(req.Kind, req.Program)
	if err != nil {
		return nil, err
	}
	e.PID = req.PID

	fail := func(err error) (*Entry, error) {
		_ = m.Terminate(context.Background(), e.ID, true)
		return nil, err
	}

	for path, bps := range req.Breakpoints {
		if _, err := e.Session.SetBreakpoints(ctx, path, bps); err != nil {
			return fail(err)
		}
	}
	if len(req.Functions) > 0 {
		fbs := make([]FunctionBreakpoint, len(req.Functions))
		for i, name := range req.Functions {
			fbs[i] = FunctionBreakpoint{Name: name}
		}
		if _, err := e.Session.SetFunctionBreakpoints(ctx, fbs); err != nil {
			return fail(err)
		}
	}

	addr, err := m.backend(ctx)
	if err != nil {
		return fail(err)
	}
	if err := e.Session.Initialize(ctx, addr, dap.InitializeRequestArguments{
		ClientID:                     "dap-gdb",
		ClientName:                   "dap-gdb coordinator",
		AdapterID:                    "gdb",
		Locale:                       "en-US",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		PathFormat:                   "path",
		SupportsVariableType:         true,
		SupportsVariablePaging:       true,
		SupportsRunInTerminalRequest: false,
		SupportsMemoryReferences:     true,
	}); err != nil {
		return fail(err)
	}

	if req.Kind == types.SessionKindAttach {
		err = e.Session.Attach(ctx, req.Args)
		if err != nil {
			err = dgerrors.DAPAttachFailed(err)
		}
	} else {
		err = e.Session.Launch(ctx, req.Args)
		if err != nil {
			err = dgerrors.DAPLaunchFailed(req.Program, err)
		}
	}
	if err != nil {
		return fail(err)
	}
	if err := e.Session.WaitConfigured(ctx); err != nil {
		return fail(err)
	}
	return e, nil
}

// Get returns a session by ID and marks it active.
func (m *Manager) Get(id string) (*Entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, dgerrors.SessionNotFound(id)
	}
	e.touch()
	return e, nil
}

// List returns every session, oldest first.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Terminate disconnects a session and removes it from the registry.
func (m *Manager) Terminate(ctx context.Context, id string, terminateDebuggee bool) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return dgerrors.SessionNotFound(id)
	}

	if err := e.Session.Disconnect(ctx, terminateDebuggee); err != nil {
		m.log.Info("Disconnect failed, session removed anyway", "sessionId", id, "error", err.Error())
	}
	return nil
}

// Close terminates every session and stops the reaper.
func (m *Manager) Close(ctx context.Context) {
	m.cancel()
	for _, e := range m.List() {
		_ = m.Terminate(ctx, e.ID, true)
	}
}
