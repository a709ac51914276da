// Package gdb drives a gdb subprocess over the GDB/MI interpreter.
//
// Transport owns the process and the token-correlated command stream.
// Engine builds on it: it turns records into typed events and keeps the
// breakpoint, thread, stack and variable caches.
//
// All records are dispatched on a single reader goroutine. Handlers and event
// subscribers run on that goroutine and must not block on further MI
// commands; use Execute from other goroutines for request/response style
// calls.
package gdb

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/event"
	"github.com/ctagard/dap-gdb/internal/logging"
	"github.com/ctagard/dap-gdb/internal/metrics"
	"github.com/ctagard/dap-gdb/internal/mi"
)

const (
	// Tokens are printed as six zero-padded digits and wrap after 999999.
	maxToken = 999999

	maxLineSize = 64 << 20

	closeGracePeriod = 2 * time.Second
)

// HandlerKind selects how often a response handler may fire.
type HandlerKind int

const (
	// Temporal handlers fire at most once and are removed as they fire.
	Temporal HandlerKind = iota
	// Permanent handlers stay registered until cancelled or the process exits.
	Permanent
)

// Handler receives a record on the reader goroutine.
type Handler func(mi.Record)

// Stream identifies a source of textual output.
type Stream int

const (
	StreamConsole Stream = iota
	StreamTarget
	StreamLog
	StreamStderr
	// StreamRaw carries lines that were not MI records, usually inferior
	// output that bypassed the MI framing.
	StreamRaw
)

func (s Stream) String() string {
	switch s {
	case StreamConsole:
		return "console"
	case StreamTarget:
		return "target"
	case StreamLog:
		return "log"
	case StreamStderr:
		return "stderr"
	default:
		return "raw"
	}
}

// Output is one chunk of text read from gdb.
type Output struct {
	Stream Stream
	Text   string
}

// Options describe how to start gdb.
type Options struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

type pendingResponse struct {
	command string
	kind    HandlerKind
	handler Handler
}

// run is one lifetime of the underlying stream, from Start or Attach to exit.
type run struct {
	done     chan struct{}
	exitOnce sync.Once
	exitErr  error
}

// Transport sends MI commands to gdb and dispatches its output.
type Transport struct {
	log logr.Logger

	// writeMu serializes command lines on stdin.
	writeMu sync.Mutex

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	reader    io.Closer
	current   *run
	nextToken int
	pending   map[int]*pendingResponse
	classes   map[string]*event.Bus[mi.Record]

	output *event.Bus[Output]
	exited *event.Bus[error]
}

// NewTransport creates a stopped transport.
func NewTransport(log logr.Logger) *Transport {
	return &Transport{
		log:       logging.OrDiscard(log),
		nextToken: 1,
		pending:   make(map[int]*pendingResponse),
		classes:   make(map[string]*event.Bus[mi.Record]),
		output:    event.NewBus[Output](),
		exited:    event.NewBus[error](),
	}
}

// Start launches gdb and begins reading its output. The transport may be
// started again after the previous process exited.
func (t *Transport) Start(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := opts.Path
	if path == "" {
		path = "gdb"
	}
	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return dgerrors.BackendStartFailed(path, err)
	}

	t.log.Info("started gdb", "path", path, "pid", cmd.Process.Pid, "args", opts.Args)

	r, err := t.begin(cmd, stdin, stdout)
	if err != nil {
		_ = killProcessGroup(cmd)
		return err
	}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.readStderr(stderr)
	}()
	go t.readLoop(r, stdout, func() error {
		// Inferiors that outlive gdb keep the stderr pipe open.
		select {
		case <-stderrDone:
		case <-time.After(closeGracePeriod):
		}
		return cmd.Wait()
	})
	return nil
}

// Attach runs the transport over an existing MI stream, such as a pipe to a
// fake backend in tests or a remote gdb reached through a socket.
func (t *Transport) Attach(r io.Reader, w io.WriteCloser) error {
	var closer io.Closer
	if c, ok := r.(io.Closer); ok {
		closer = c
	}
	current, err := t.begin(nil, w, closer)
	if err != nil {
		return err
	}
	go t.readLoop(current, r, nil)
	return nil
}

// begin resets the token counter and the pending table for a new run.
func (t *Transport) begin(cmd *exec.Cmd, stdin io.WriteCloser, reader io.Closer) (*run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil {
		select {
		case <-t.current.done:
		default:
			return nil, fmt.Errorf("gdb transport is already running")
		}
	}

	for token, p := range t.pending {
		t.log.Info("dropping stale MI handler", "token", token, "command", p.command)
		metrics.RecordMIDropped()
		metrics.AddMIPending(-1)
	}
	t.pending = make(map[int]*pendingResponse)
	t.nextToken = 1
	t.cmd = cmd
	t.stdin = stdin
	t.reader = reader
	t.current = &run{done: make(chan struct{})}
	return t.current, nil
}

// Running reports whether a gdb stream is attached and alive.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return false
	}
	select {
	case <-t.current.done:
		return false
	default:
		return true
	}
}

// Done is closed when the current gdb stream ends. It returns a closed
// channel when nothing was started.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.current.done
}

// Subscribe registers h for records of the given class that are not
// claimed by a token handler: notifications such as "stopped" or
// "breakpoint-modified", and results of fire-and-forget commands.
func (t *Transport) Subscribe(class string, h Handler) (unsubscribe func()) {
	t.mu.Lock()
	bus, ok := t.classes[class]
	if !ok {
		bus = event.NewBus[mi.Record]()
		t.classes[class] = bus
	}
	t.mu.Unlock()
	return bus.Subscribe(event.Handler[mi.Record](h))
}

// OnOutput registers fn for stream output. Stderr output is delivered from
// a separate goroutine.
func (t *Transport) OnOutput(fn func(Output)) (unsubscribe func()) {
	return t.output.Subscribe(fn)
}

// OnExit registers fn to be called once per run when gdb's stream ends. The
// error is nil on a clean exit.
func (t *Transport) OnExit(fn func(error)) (unsubscribe func()) {
	return t.exited.Subscribe(fn)
}

// Send writes a command whose completion is observed through notifications.
// A result record for it is routed to the class subscribers.
func (t *Transport) Send(command string) (int, error) {
	return t.send(command, nil, Temporal)
}

// SendWithHandler writes a command and registers h for its token.
func (t *Transport) SendWithHandler(command string, h Handler, kind HandlerKind) (int, error) {
	return t.send(command, h, kind)
}

// Cancel removes the handler registered for token, if any.
func (t *Transport) Cancel(token int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[token]; ok {
		delete(t.pending, token)
		metrics.AddMIPending(-1)
	}
}

// Execute sends command and waits for its result. It must not be called
// from a handler or subscriber.
func (t *Transport) Execute(ctx context.Context, command string) (mi.Record, error) {
	results := make(chan mi.Record, 1)
	done := t.Done()
	token, err := t.send(command, func(r mi.Record) { results <- r }, Temporal)
	if err != nil {
		return mi.Record{}, err
	}

	select {
	case r := <-results:
		return r, resultError(command, r)
	case <-done:
		select {
		case r := <-results:
			return r, resultError(command, r)
		default:
			return mi.Record{}, fmt.Errorf("%s: %w", command, dgerrors.ErrTransportClosed)
		}
	case <-ctx.Done():
		t.Cancel(token)
		return mi.Record{}, ctx.Err()
	}
}

func resultError(command string, r mi.Record) error {
	if r.IsError() {
		return &dgerrors.BackendError{Source: "mi", Command: command, Message: r.ErrorMessage()}
	}
	return nil
}

func (t *Transport) send(command string, h Handler, kind HandlerKind) (int, error) {
	t.mu.Lock()
	if t.current == nil || t.stdin == nil {
		t.mu.Unlock()
		return 0, fmt.Errorf("send %q: %w", command, dgerrors.ErrTransportClosed)
	}
	select {
	case <-t.current.done:
		t.mu.Unlock()
		return 0, fmt.Errorf("send %q: %w", command, dgerrors.ErrTransportClosed)
	default:
	}

	token := t.allocToken()
	if h != nil {
		t.pending[token] = &pendingResponse{command: command, kind: kind, handler: h}
		metrics.AddMIPending(1)
	}
	stdin := t.stdin
	t.mu.Unlock()

	line := fmt.Sprintf("%06d%s\n", token, command)
	t.log.V(1).Info("mi command", "token", token, "command", command)

	t.writeMu.Lock()
	_, err := io.WriteString(stdin, line)
	t.writeMu.Unlock()
	if err != nil {
		if h != nil {
			t.Cancel(token)
		}
		return 0, fmt.Errorf("failed to write MI command: %w", err)
	}
	metrics.RecordMICommand()
	return token, nil
}

// allocToken returns the next token not held by a pending handler. Callers
// hold t.mu.
func (t *Transport) allocToken() int {
	for {
		token := t.nextToken
		t.nextToken++
		if t.nextToken > maxToken {
			t.nextToken = 1
		}
		if _, busy := t.pending[token]; !busy {
			return token
		}
	}
}

func (t *Transport) readLoop(r *run, src io.Reader, wait func() error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(splitLines)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		t.dispatch(line)
	}

	err := scanner.Err()
	if wait != nil {
		if werr := wait(); werr != nil && err == nil {
			err = werr
		}
	}
	t.finish(r, err)
}

func (t *Transport) readStderr(src io.Reader) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(splitLines)
	for scanner.Scan() {
		t.output.Publish(Output{Stream: StreamStderr, Text: scanner.Text() + "\n"})
	}
}

func (t *Transport) dispatch(line string) {
	t.log.V(2).Info("mi line", "line", line)
	rec := mi.ParseLine(line)
	metrics.RecordMIRecord(rec.Type.String())

	switch rec.Type {
	case mi.TypeResult:
		if h := t.claim(rec, true); h != nil {
			h(rec)
			return
		}
		t.publishClass(rec)
	case mi.TypeNotify:
		if h := t.claim(rec, false); h != nil {
			h(rec)
		}
		t.publishClass(rec)
	case mi.TypeConsole:
		t.output.Publish(Output{Stream: StreamConsole, Text: rec.Text})
	case mi.TypeTarget:
		t.output.Publish(Output{Stream: StreamTarget, Text: rec.Text})
	case mi.TypeLog:
		t.output.Publish(Output{Stream: StreamLog, Text: rec.Text})
	case mi.TypePrompt:
	default:
		t.output.Publish(Output{Stream: StreamRaw, Text: rec.Text + "\n"})
	}
}

// claim returns the handler for rec's token. Result records may claim any
// handler and remove Temporal ones; notifications only reach Permanent
// handlers.
func (t *Transport) claim(rec mi.Record, result bool) Handler {
	if !rec.HasToken {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[rec.Token]
	if !ok {
		return nil
	}
	if p.kind == Temporal {
		if !result {
			return nil
		}
		delete(t.pending, rec.Token)
		metrics.AddMIPending(-1)
	}
	return p.handler
}

func (t *Transport) publishClass(rec mi.Record) {
	t.mu.Lock()
	bus := t.classes[rec.Class]
	t.mu.Unlock()
	if bus != nil {
		bus.Publish(rec)
	}
}

// finish tears down a run: every outstanding handler is dropped without
// being invoked, and exit subscribers are notified once.
func (t *Transport) finish(r *run, err error) {
	r.exitOnce.Do(func() {
		t.mu.Lock()
		var dropped map[int]*pendingResponse
		if t.current == r {
			dropped = t.pending
			t.pending = make(map[int]*pendingResponse)
			if t.stdin != nil {
				_ = t.stdin.Close()
			}
		}
		r.exitErr = err
		close(r.done)
		t.mu.Unlock()

		for token, p := range dropped {
			t.log.Info("dropping MI handler, gdb exited", "token", token, "command", p.command)
			metrics.RecordMIDropped()
			metrics.AddMIPending(-1)
		}

		if err != nil {
			t.log.Error(err, "gdb stream ended")
		} else {
			t.log.V(1).Info("gdb stream ended")
		}
		t.exited.Publish(err)
	})
}

// Close shuts gdb down. It closes stdin, waits briefly for the process to
// exit on its own and kills the process group otherwise.
func (t *Transport) Close() error {
	t.mu.Lock()
	r := t.current
	cmd := t.cmd
	stdin := t.stdin
	reader := t.reader
	t.mu.Unlock()

	if r == nil {
		return nil
	}

	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(closeGracePeriod):
	}

	var err error
	if cmd != nil {
		err = killProcessGroup(cmd)
	}
	if reader != nil {
		_ = reader.Close()
	}
	<-r.done
	return err
}

// splitLines is a bufio.SplitFunc accepting "\n", "\r\n" and bare "\r"
// terminators, and returning an unterminated final line at EOF.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			// Need one more byte to tell "\r" from "\r\n".
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
