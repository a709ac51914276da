package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/dap-gdb/internal/gdb"
)

// fakeGDB is an in-memory MI backend answering each command with the reply
// registered for the longest matching prefix, "^done" by default. A reply
// line of "-" is skipped; "%s" is replaced by the command's token.
type fakeGDB struct {
	mu       sync.Mutex
	replies  map[string][]string
	commands []string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func newFakeGDB(t *testing.T) *fakeGDB {
	t.Helper()
	f := &fakeGDB{replies: make(map[string][]string)}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.serve()
	t.Cleanup(func() { _ = f.stdoutW.Close() })
	return f
}

func (f *fakeGDB) reply(prefix string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[prefix] = lines
}

func (f *fakeGDB) serve() {
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 6 {
			continue
		}
		token, cmd := line[:6], line[6:]

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		lines := []string{"%s^done"}
		best := -1
		for prefix, r := range f.replies {
			if strings.HasPrefix(cmd, prefix) && len(prefix) > best {
				lines, best = r, len(prefix)
			}
		}
		f.mu.Unlock()

		if cmd == "-gdb-exit" {
			f.emit(token + "^exit")
			_ = f.stdoutW.Close()
			return
		}
		for _, l := range lines {
			if l == "-" {
				continue
			}
			l = strings.Replace(l, "%s", token, 1)
			f.emit(l)
		}
	}
	_ = f.stdoutW.Close()
}

func (f *fakeGDB) emit(line string) {
	_, _ = io.WriteString(f.stdoutW, line+"\n")
}

func (f *fakeGDB) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// count returns how many commands started with prefix.
func (f *fakeGDB) count(prefix string) int {
	n := 0
	for _, c := range f.received() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// client is a DAP client talking to a server session over net.Pipe.
type client struct {
	t      *testing.T
	conn   net.Conn
	seq    int
	msgs   chan dap.Message
	events []dap.Message
	gdb    *fakeGDB
	done   chan error
}

func startSession(t *testing.T, configure func(*Options)) *client {
	t.Helper()
	f := newFakeGDB(t)
	opts := Options{
		Log: logr.Discard(),
		StartGDB: func(ctx context.Context, e *gdb.Engine) error {
			return e.Attach(ctx, f.stdoutR, f.stdinW)
		},
	}
	if configure != nil {
		configure(&opts)
	}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		t:    t,
		conn: clientConn,
		msgs: make(chan dap.Message, 256),
		gdb:  f,
		done: make(chan error, 1),
	}
	go func() { c.done <- New(opts).ServeConn(ctx, serverConn) }()
	go c.readLoop(bufio.NewReader(clientConn))
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
	})
	return c
}

func (c *client) readLoop(r *bufio.Reader) {
	defer close(c.msgs)
	for {
		msg, err := dap.ReadProtocolMessage(r)
		if err != nil {
			return
		}
		c.msgs <- msg
	}
}

func (c *client) next() dap.Message {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a DAP message")
		return nil
	}
}

func (c *client) request(command string) dap.Request {
	c.seq++
	return dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: c.seq, Type: "request"}, Command: command}
}

func (c *client) send(msg dap.Message) {
	c.t.Helper()
	require.NoError(c.t, dap.WriteProtocolMessage(c.conn, msg))
}

// response reads until the response to command, keeping events for later.
func (c *client) response(command string) dap.Message {
	c.t.Helper()
	for {
		msg := c.next()
		switch m := msg.(type) {
		case dap.ResponseMessage:
			if m.GetResponse().Command == command {
				return msg
			}
			c.t.Fatalf("unexpected %s response while waiting for %s", m.GetResponse().Command, command)
		case dap.EventMessage:
			c.events = append(c.events, msg)
		}
	}
}

// event returns the first event with the given name, seen or upcoming.
func (c *client) event(name string) dap.Message {
	c.t.Helper()
	for i, msg := range c.events {
		if msg.(dap.EventMessage).GetEvent().Event == name {
			c.events = append(c.events[:i:i], c.events[i+1:]...)
			return msg
		}
	}
	for {
		msg := c.next()
		ev, ok := msg.(dap.EventMessage)
		if !ok {
			c.t.Fatalf("unexpected %T while waiting for %s event", msg, name)
		}
		if ev.GetEvent().Event == name {
			return msg
		}
		c.events = append(c.events, msg)
	}
}

func (c *client) seen(name string) int {
	n := 0
	for _, msg := range c.events {
		if msg.(dap.EventMessage).GetEvent().Event == name {
			n++
		}
	}
	return n
}

func responseAs[T dap.Message](c *client, command string) T {
	c.t.Helper()
	msg := c.response(command)
	v, ok := msg.(T)
	if !ok {
		c.t.Fatalf("%s: got %T (%+v)", command, msg, msg)
	}
	return v
}

func (c *client) initialize() *dap.InitializeResponse {
	c.send(&dap.InitializeRequest{Request: c.request("initialize"), Arguments: dap.InitializeRequestArguments{
		AdapterID:       "gdb",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
	}})
	return responseAs[*dap.InitializeResponse](c, "initialize")
}

func (c *client) launch(args string) dap.Message {
	c.send(&dap.LaunchRequest{Request: c.request("launch"), Arguments: []byte(args)})
	return c.response("launch")
}

// running launches a program and finishes configuration, leaving it
// running under gdb.
func (c *client) running() {
	c.t.Helper()
	c.gdb.reply("-exec-run", "%s^running", `*running,thread-id="all"`)
	c.initialize()
	resp := c.launch(`{"program": "/bin/prog"}`)
	require.True(c.t, resp.(dap.ResponseMessage).GetResponse().Success)
	c.event("initialized")
	c.send(&dap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	c.response("configurationDone")
}

const stopAtLine10 = `*stopped,reason="breakpoint-hit",disp="keep",bkptno="1",` +
	`frame={addr="0x0000000000401136",func="main",args=[],file="m.c",fullname="/src/m.c",line="10"},` +
	`thread-id="1",stopped-threads="all"`

// stopped brings the program to a stop at m.c:10 on thread 1.
func (c *client) stopped() *dap.StoppedEvent {
	c.t.Helper()
	c.running()
	c.gdb.emit(stopAtLine10)
	return c.event("stopped").(*dap.StoppedEvent)
}
