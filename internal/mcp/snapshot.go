package mcp

import (
	"context"
	"sync"

	"github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/dap-gdb/internal/debugger"
	"github.com/ctagard/dap-gdb/pkg/types"
)

// snapshotOutputLines caps the program output included in a snapshot.
const snapshotOutputLines = 50

func (s *Server) handleDebugSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.getSession(request)
	if err != nil && e == nil {
		return toolError(err)
	}

	info := e.Info()
	snap := &types.DebugSnapshot{
		SessionID: e.ID,
		Status:    info.Status,
		ExitCode:  info.ExitCode,
		Stacks:    map[int][]types.StackFrame{},
		Output:    recentOutput(e.Output),
	}
	if info.Status != types.SessionStatusStopped {
		snap.Threads = []types.ThreadInfo{}
		return jsonResult(snap)
	}
	if stop, ok := e.Session.LastStop(); ok {
		snap.Stop = toStopInfo(stop)
	}

	threads, err := e.Session.Threads(ctx)
	if err != nil {
		return toolError(err)
	}
	onlyThread := optionalInt(request, "threadId", 0)
	depth := optionalInt(request, "maxStackDepth", 10)
	for _, t := range threads {
		if onlyThread == 0 || t.ID == onlyThread {
			snap.Threads = append(snap.Threads, toThreadInfo(t))
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range snap.Threads {
		g.Go(func() error {
			frames, err := e.Session.StackTrace(gctx, t.ID)
			if err != nil {
				return err
			}
			if depth > 0 && len(frames) > depth {
				frames = frames[:depth]
			}
			out := make([]types.StackFrame, len(frames))
			for i, f := range frames {
				out[i] = toStackFrame(f)
			}
			mu.Lock()
			snap.Stacks[t.ID] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return toolError(err)
	}

	focus := 0
	if snap.Stop != nil {
		focus = snap.Stop.ThreadID
	}
	if onlyThread != 0 {
		focus = onlyThread
	}
	frames := snap.Stacks[focus]
	if len(frames) == 0 && len(snap.Threads) > 0 {
		frames = snap.Stacks[snap.Threads[0].ID]
	}
	scopeFrames := optionalInt(request, "scopeFrames", 1)
	if scopeFrames > len(frames) {
		scopeFrames = len(frames)
	}
	if scopeFrames > 0 {
		snap.Scopes = make(map[int][]types.Scope, scopeFrames)
	}
	expand := request.GetBool("expandVariables", true)
	for _, f := range frames[:max(scopeFrames, 0)] {
		scopes, err := s.frameScopes(ctx, e.Session, f.ID, expand)
		if err != nil {
			s.log.V(1).Info("Reading scopes failed", "sessionId", e.ID, "frameId", f.ID, "error", err.Error())
			continue
		}
		snap.Scopes[f.ID] = scopes
	}
	return jsonResult(snap)
}

// frameScopes lists the scopes of a frame. Expensive scopes are listed
// without their variables.
func (s *Server) frameScopes(ctx context.Context, sess *debugger.Session, frameID int, expand bool) ([]types.Scope, error) {
	scopes, err := sess.Scopes(ctx, frameID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Scope, 0, len(scopes))
	for _, sc := range scopes {
		scope := types.Scope{
			Name:               sc.Name,
			VariablesReference: sc.VariablesReference,
			Expensive:          sc.Expensive,
		}
		if expand && !sc.Expensive && sc.VariablesReference > 0 {
			vars, err := sess.Variables(ctx, sc.VariablesReference)
			if err != nil {
				return nil, err
			}
			for _, v := range vars {
				scope.Variables = append(scope.Variables, toVariable(v))
			}
		}
		out = append(out, scope)
	}
	return out, nil
}

func recentOutput(b *debugger.OutputBuffer) string {
	var text string
	for _, l := range b.Recent(snapshotOutputLines) {
		if l.Category == debugger.CategoryStdout || l.Category == debugger.CategoryStderr {
			text += l.Text
		}
	}
	return text
}

func toThreadInfo(t debugger.Thread) types.ThreadInfo {
	ti := types.ThreadInfo{ID: t.ID, Name: t.Name, Status: "running"}
	if t.Stopped {
		ti.Status = "stopped"
	}
	if t.Stop != nil {
		ti.StopReason = t.Stop.Reason
	}
	return ti
}

func toStopInfo(d debugger.StoppedDetails) *types.StopInfo {
	return &types.StopInfo{
		Reason:      d.Reason,
		Description: firstNonEmpty(d.Description, d.Text),
		ThreadID:    d.ThreadID,
		Breakpoints: d.HitBreakpointIDs,
	}
}

func toStackFrame(f dap.StackFrame) types.StackFrame {
	sf := types.StackFrame{
		ID:                          f.Id,
		Name:                        f.Name,
		Line:                        f.Line,
		Column:                      f.Column,
		InstructionPointerReference: f.InstructionPointerReference,
	}
	if f.Source != nil {
		sf.Source = &types.SourceInfo{
			Name:            f.Source.Name,
			Path:            f.Source.Path,
			SourceReference: f.Source.SourceReference,
		}
	}
	return sf
}

func toVariable(v dap.Variable) types.Variable {
	return types.Variable{
		Name:               v.Name,
		Value:              v.Value,
		Type:               v.Type,
		VariablesReference: v.VariablesReference,
		MemoryReference:    v.MemoryReference,
	}
}
