// Package server is a Debug Adapter Protocol server backed by gdb.
//
// Every DAP connection gets its own Session, which owns one gdb process
// driven through the MI engine in internal/gdb. The session is the only
// place where DAP requests are translated into MI commands:
//   - requests are read on one goroutine and handled strictly in order on
//     another
//   - engine notifications become DAP events as they arrive
//   - frame ids and variable references are handles that are never reused
//     and are dropped whenever the debuggee resumes
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/logging"
)

// Options configures the gdb behind every session.
type Options struct {
	GDB             gdb.Options
	StartupCommands []string
	// Reverse records execution from the start of the program and
	// advertises step-back and reverse-continue.
	Reverse        bool
	RequestTimeout time.Duration
	Log            logr.Logger

	// StartGDB brings up the engine of a new session. The default starts
	// the configured gdb binary.
	StartGDB func(ctx context.Context, e *gdb.Engine) error
}

func (o *Options) withDefaults() {
	o.Log = logging.OrDiscard(o.Log)
	if o.GDB.Path == "" {
		o.GDB.Path = "gdb"
	}
	if len(o.GDB.Args) == 0 {
		o.GDB.Args = []string{"--interpreter=mi3", "--quiet", "--nx"}
	}
	if o.StartGDB == nil {
		gdbOpts, startup := o.GDB, o.StartupCommands
		o.StartGDB = func(ctx context.Context, e *gdb.Engine) error {
			return e.Start(ctx, gdbOpts, startup...)
		}
	}
}

// Server accepts DAP connections.
type Server struct {
	log  logr.Logger
	opts Options
}

func New(opts Options) *Server {
	opts.withDefaults()
	return &Server{log: opts.Log, opts: opts}
}

// ServeConn runs one session over conn until the client disconnects.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	return newSession(dapclient.NewStreamTransport(conn), s.opts).Run(ctx)
}

// ServeStdio runs one session over a pair of pipes, usually the process's
// standard input and output.
func (s *Server) ServeStdio(ctx context.Context, in io.ReadCloser, out io.WriteCloser) error {
	return newSession(dapclient.NewStdioTransport(in, out), s.opts).Run(ctx)
}

// Serve accepts connections on ln until ctx is cancelled. Each connection is
// served on its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			remote := conn.RemoteAddr().String()
			s.log.V(1).Info("DAP client connected", "remote", remote)
			g.Go(func() error {
				if err := s.ServeConn(ctx, conn); err != nil {
					s.log.Error(err, "DAP session ended with error", "remote", remote)
				}
				s.log.V(1).Info("DAP client disconnected", "remote", remote)
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address addr and serves connections.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.Info("DAP server listening", "address", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Start listens on a loopback port and serves in the background until ctx
// is cancelled. It returns the address to connect to.
func (s *Server) Start(ctx context.Context) (string, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen on loopback: %w", err)
	}
	go func() {
		if err := s.Serve(ctx, ln); err != nil {
			s.log.Error(err, "In-process DAP server stopped")
		}
	}()
	return ln.Addr().String(), nil
}
