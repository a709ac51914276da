package gdb

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/mi"
)

func attachTransport(t *testing.T) (*Transport, *fakeGDB) {
	t.Helper()
	f := newFakeGDB(t)
	tr := NewTransport(logr.Discard())
	require.NoError(t, tr.Attach(f.stdoutR, f.stdinW))
	t.Cleanup(func() { _ = tr.Close() })
	return tr, f
}

func TestTransportCorrelatesSixDigitTokens(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	ctx := context.Background()

	_, err := tr.Execute(ctx, "-gdb-version")
	require.NoError(t, err)
	_, err = tr.Execute(ctx, "-list-features")
	require.NoError(t, err)

	assert.Equal(t, []string{"-gdb-version", "-list-features"}, f.received())
}

func TestTransportTemporalHandlerFiresOnce(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	f.reply("-break-info", "-")

	var fired atomic.Int32
	orphans := make(chan mi.Record, 4)
	tr.Subscribe(mi.ClassDone, func(r mi.Record) { orphans <- r })

	token, err := tr.SendWithHandler("-break-info", func(mi.Record) { fired.Add(1) }, Temporal)
	require.NoError(t, err)
	require.Equal(t, 1, token)

	f.emit(`000001^done,first="1"`)
	f.emit(`000001^done,second="1"`)

	second := waitFor(t, orphans)
	assert.Equal(t, "1", second.Payload.String("second"))
	assert.Equal(t, int32(1), fired.Load())
}

func TestTransportPermanentHandlerFiresRepeatedly(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	f.reply("-stream", "-")

	got := make(chan mi.Record, 4)
	token, err := tr.SendWithHandler("-stream", func(r mi.Record) { got <- r }, Permanent)
	require.NoError(t, err)

	f.emit(`000001^done,n="1"`)
	f.emit(`000001*stopped,reason="end-stepping-range"`)
	assert.Equal(t, "1", waitFor(t, got).Payload.String("n"))
	assert.Equal(t, "stopped", waitFor(t, got).Class)

	tr.Cancel(token)
	f.emit(`000001^done,n="3"`)
	select {
	case <-got:
		t.Fatal("cancelled handler fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransportDeathDropsPendingAndExitsOnce(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	f.reply("-exec-continue", "-")

	var exits atomic.Int32
	exited := make(chan error, 4)
	tr.OnExit(func(err error) {
		exits.Add(1)
		exited <- err
	})

	var invoked atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := tr.SendWithHandler("-exec-continue", func(mi.Record) { invoked.Add(1) }, Temporal)
		require.NoError(t, err)
	}

	execErr := make(chan error, 1)
	go func() {
		_, err := tr.Execute(context.Background(), "-exec-continue")
		execErr <- err
	}()
	require.Eventually(t, func() bool { return len(f.received()) == 4 }, 5*time.Second, 5*time.Millisecond)

	f.kill()
	waitFor(t, exited)

	err := waitFor(t, execErr)
	assert.True(t, errors.Is(err, dgerrors.ErrTransportClosed), "got %v", err)
	assert.Equal(t, int32(0), invoked.Load())
	assert.False(t, tr.Running())

	_, err = tr.Send("-exec-next")
	assert.ErrorIs(t, err, dgerrors.ErrTransportClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), exits.Load())
}

func TestTransportDrainsStderrBeforeExit(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}

	tests := []struct {
		name  string
		lines int
	}{
		{"single line", 1},
		{"many lines", 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := NewTransport(logr.Discard())
			var mu sync.Mutex
			var got []string
			tr.OnOutput(func(o Output) {
				if o.Stream == StreamStderr {
					mu.Lock()
					got = append(got, strings.TrimSuffix(o.Text, "\n"))
					mu.Unlock()
				}
			})
			seenAtExit := make(chan int, 1)
			tr.OnExit(func(error) {
				mu.Lock()
				seenAtExit <- len(got)
				mu.Unlock()
			})

			script := fmt.Sprintf(`i=1; while [ $i -le %d ]; do echo "err $i" >&2; i=$((i+1)); done`, tt.lines)
			require.NoError(t, tr.Start(context.Background(), Options{Path: sh, Args: []string{"-c", script}}))
			t.Cleanup(func() { _ = tr.Close() })

			require.Equal(t, tt.lines, waitFor(t, seenAtExit))
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, fmt.Sprintf("err %d", tt.lines), got[len(got)-1])
		})
	}
}

func TestTransportExecuteReportsBackendError(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	f.reply("-data-evaluate-expression", `%s^error,msg="No symbol \"nope\" in current context."`)

	_, err := tr.Execute(context.Background(), "-data-evaluate-expression nope")
	var be *dgerrors.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, `No symbol "nope" in current context.`, be.Message)
	assert.Equal(t, "mi", be.Source)
}

func TestTransportExecuteHonoursContext(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	f.reply("-slow", "-")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Execute(ctx, "-slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.pending)
}

func TestTransportRoutesStreams(t *testing.T) {
	t.Parallel()

	tr, f := attachTransport(t)
	out := make(chan Output, 8)
	tr.OnOutput(func(o Output) { out <- o })

	f.emit(`~"Reading symbols\n"`)
	f.emit(`&"warning: x\n"`)
	f.emit(`@"target says hi"`)
	f.emit(`(gdb) `)
	f.emit(`hello from the inferior`)

	assert.Equal(t, Output{Stream: StreamConsole, Text: "Reading symbols\n"}, waitFor(t, out))
	assert.Equal(t, Output{Stream: StreamLog, Text: "warning: x\n"}, waitFor(t, out))
	assert.Equal(t, Output{Stream: StreamTarget, Text: "target says hi"}, waitFor(t, out))
	assert.Equal(t, Output{Stream: StreamRaw, Text: "hello from the inferior\n"}, waitFor(t, out))
}

func TestTransportTokenWrapSkipsPending(t *testing.T) {
	t.Parallel()

	tr := NewTransport(logr.Discard())
	tr.pending[1] = &pendingResponse{command: "-held"}
	tr.nextToken = maxToken

	assert.Equal(t, maxToken, tr.allocToken())
	assert.Equal(t, 2, tr.allocToken())
}

func TestSplitLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		data  string
		atEOF bool
		adv   int
		token string
		more  bool
	}{
		{name: "lf", data: "abc\ndef", adv: 4, token: "abc"},
		{name: "crlf", data: "abc\r\ndef", adv: 5, token: "abc"},
		{name: "bare cr", data: "abc\rdef", adv: 4, token: "abc"},
		{name: "cr at buffer end waits", data: "abc\r", more: true},
		{name: "cr at eof", data: "abc\r", atEOF: true, adv: 4, token: "abc"},
		{name: "partial", data: "abc", more: true},
		{name: "partial at eof", data: "abc", atEOF: true, adv: 3, token: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, token, err := splitLines([]byte(tt.data), tt.atEOF)
			require.NoError(t, err)
			if tt.more {
				assert.Zero(t, adv)
				assert.Nil(t, token)
				return
			}
			assert.Equal(t, tt.adv, adv)
			assert.Equal(t, tt.token, string(token))
		})
	}
}
