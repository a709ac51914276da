package server

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/gdb"
)

func (s *Session) onContinue(ctx context.Context, req *dap.ContinueRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	if err := s.resume(func() error { return e.Continue(ctx, false) }); err != nil {
		return err
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.ContinueResponse{Response: r, Body: dap.ContinueResponseBody{AllThreadsContinued: true}}
	})
	return nil
}

var stepKinds = map[string]string{"next": "over", "stepIn": "into", "stepOut": "out", "stepBack": "back"}

// stepper picks the line or instruction variant of a step command.
type stepper func(ctx context.Context, thread int, reverse bool) error

func (s *Session) step(ctx context.Context, req *dap.Request, thread int, granularity dap.SteppingGranularity, line, instruction stepper, reverse bool) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	if reverse && !s.opts.Reverse {
		return fmt.Errorf("%s without execution recording: %w", req.Command, dgerrors.ErrNotSupported)
	}
	fn := line
	if granularity == "instruction" && instruction != nil {
		fn = instruction
	}
	if err := s.resume(func() error { return fn(ctx, thread, reverse) }); err != nil {
		return dgerrors.StepFailed(stepKinds[req.Command], err)
	}
	s.ack(req)
	return nil
}

func (s *Session) onNext(ctx context.Context, req *dap.NextRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	return s.step(ctx, &req.Request, a.ThreadId, a.Granularity, e.Next, e.NextInstruction, false)
}

func (s *Session) onStepIn(ctx context.Context, req *dap.StepInRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	return s.step(ctx, &req.Request, a.ThreadId, a.Granularity, e.Step, e.StepInstruction, false)
}

func (s *Session) onStepOut(ctx context.Context, req *dap.StepOutRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	return s.step(ctx, &req.Request, a.ThreadId, a.Granularity, e.Finish, nil, false)
}

func (s *Session) onStepBack(ctx context.Context, req *dap.StepBackRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	return s.step(ctx, &req.Request, a.ThreadId, a.Granularity, e.Next, e.NextInstruction, true)
}

func (s *Session) onReverseContinue(ctx context.Context, req *dap.ReverseContinueRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	if !s.opts.Reverse {
		return fmt.Errorf("reverseContinue without execution recording: %w", dgerrors.ErrNotSupported)
	}
	if err := s.resume(func() error { return e.Continue(ctx, true) }); err != nil {
		return err
	}
	s.ack(&req.Request)
	return nil
}

// onPause interrupts every thread. The stop is reported by the stopped
// event that follows.
func (s *Session) onPause(ctx context.Context, req *dap.PauseRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	if err := e.Interrupt(ctx); err != nil {
		return err
	}
	s.ack(&req.Request)
	return nil
}

// onGotoTargets offers the requested line itself as the only target. gdb
// resolves the line when the jump happens.
func (s *Session) onGotoTargets(req *dap.GotoTargetsRequest) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	a := req.Arguments
	if a.Source.Path == "" {
		return dgerrors.MissingParameter("source.path", "path of the source file")
	}
	location := a.Source.Path + ":" + strconv.Itoa(a.Line)
	id := s.handles.addTarget(location)
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.GotoTargetsResponse{Response: r, Body: dap.GotoTargetsResponseBody{Targets: []dap.GotoTarget{{
			Id:    id,
			Label: baseName(a.Source.Path) + ":" + strconv.Itoa(a.Line),
			Line:  a.Line,
		}}}}
	})
	return nil
}

// onGoto moves a thread to a goto target. A temporary breakpoint at the
// target makes the thread stop there again, reported with reason "goto".
func (s *Session) onGoto(ctx context.Context, req *dap.GotoRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	location, ok := s.handles.target(req.Arguments.TargetId)
	if !ok {
		return dgerrors.InvalidParameter("targetId", req.Arguments.TargetId, "a target from the last gotoTargets response")
	}
	if _, err := e.BreakInsert(ctx, gdb.BreakpointSpec{Location: location, Temporary: true}); err != nil {
		return err
	}

	s.mu.Lock()
	s.pendingReason = reasonGoto
	s.mu.Unlock()
	if err := s.resume(func() error { return e.Jump(ctx, req.Arguments.ThreadId, location) }); err != nil {
		s.mu.Lock()
		s.pendingReason = ""
		s.mu.Unlock()
		return err
	}
	s.ack(&req.Request)
	return nil
}
