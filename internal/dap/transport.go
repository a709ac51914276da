// Package dap implements the client side of the Debug Adapter Protocol (DAP).
//
// DAP is the protocol between a development tool and a debug adapter. This
// package provides:
//   - Transport: message framing over TCP, stdio or any byte stream
//   - RawSession: one typed asynchronous call per DAP request, gated by the
//     capabilities the adapter advertised
//   - Future: the exactly-once completion handle returned by every call
//
// The protocol is described at: https://microsoft.github.io/debug-adapter-protocol/
package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
)

// Transport sends and receives whole DAP messages. Framing and JSON encoding
// live here; the session above only sees message values.
type Transport interface {
	// ReadMessage blocks until the next message is available.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes one message. Safe for concurrent use.
	WriteMessage(msg dap.Message) error

	// Close releases the connection. Blocked reads return an error.
	Close() error
}

type streamTransport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewStreamTransport creates a transport over any byte stream, such as one
// end of a net.Pipe.
func NewStreamTransport(conn io.ReadWriteCloser) Transport {
	return &streamTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// DialTCP connects to a DAP server listening on address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DAP server at %s: %w", address, err)
	}
	return NewStreamTransport(conn), nil
}

// NewStdioTransport creates a transport reading from r and writing to w.
func NewStdioTransport(r io.ReadCloser, w io.WriteCloser) Transport {
	return NewStreamTransport(&stdioRWC{reader: r, writer: w})
}

type stdioRWC struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (s *stdioRWC) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *stdioRWC) Write(p []byte) (int, error) {
	return s.writer.Write(p)
}

func (s *stdioRWC) Close() error {
	err1 := s.reader.Close()
	err2 := s.writer.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, dgerrors.ErrTransportClosed
	}

	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		if t.isClosed() {
			return nil, dgerrors.ErrTransportClosed
		}
		return nil, fmt.Errorf("failed to read DAP message: %w", err)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return dgerrors.ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
