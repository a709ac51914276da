package gdb

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeGDB is an in-memory MI backend. It answers every command with the
// reply registered for the longest matching command prefix, "^done" by
// default. A reply of "-" leaves the command unanswered.
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
	t.Cleanup(f.kill)
	return f
}

// reply registers the lines sent in answer to commands starting with
// prefix. "%s" in a line is replaced by the command's token.
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
			f.kill()
			return
		}
		for _, l := range lines {
			if l == "-" {
				continue
			}
			if strings.Contains(l, "%s") {
				l = fmt.Sprintf(l, token)
			}
			f.emit(l)
		}
	}
	_ = f.stdoutW.Close()
}

// emit writes one raw output line.
func (f *fakeGDB) emit(line string) {
	_, _ = io.WriteString(f.stdoutW, line+"\n")
}

// kill simulates gdb dying.
func (f *fakeGDB) kill() {
	_ = f.stdoutW.Close()
}

func (f *fakeGDB) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeGDB) sawCommand(cmd string) bool {
	for _, c := range f.received() {
		if c == cmd {
			return true
		}
	}
	return false
}

// waitFor receives from ch or fails the test.
func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}
