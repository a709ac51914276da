package debugger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-dap"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
)

func (s *Session) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopGen
}

// invalidateStacks drops cached call stacks and marks threads running.
// threadID 0 means every thread and moves the session to StateRunning. Any
// stop refresh still in flight is discarded.
func (s *Session) invalidateStacks(threadID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopGen++
	if threadID == 0 {
		s.stacks = make(map[int][]dap.StackFrame)
	} else {
		delete(s.stacks, threadID)
	}
	for id, t := range s.threads {
		if threadID == 0 || id == threadID {
			t.Stopped = false
			t.Stop = nil
		}
	}
	if threadID == 0 && s.state != StateTerminated {
		s.state = StateRunning
	}
}

// resume clears every thread's stack before a forward or backward
// execution request is issued.
func (s *Session) resume(command string) (*dapclient.RawSession, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	if !raw.Supports(command) {
		return nil, fmt.Errorf("%s: %w", command, dgerrors.ErrNotSupported)
	}
	s.invalidateStacks(0)
	s.sink.Event(Event{Kind: EventRunning})
	return raw, nil
}

// resumed settles the state after a resume request. On failure the debuggee
// did not move, so the session is stopped again.
func (s *Session) resumed(err error) error {
	if err != nil && !dgerrors.IsTransportClosed(err) {
		s.setState(StateStopped)
	}
	return err
}

func (s *Session) Continue(ctx context.Context, threadID int) error {
	raw, err := s.resume("continue")
	if err != nil {
		return err
	}
	_, err = raw.Continue(dap.ContinueArguments{ThreadId: threadID}).Wait(ctx)
	return s.resumed(err)
}

// Next steps over. granularity is "statement", "line" or "instruction".
func (s *Session) Next(ctx context.Context, threadID int, granularity string) error {
	raw, err := s.resume("next")
	if err != nil {
		return err
	}
	_, err = raw.Next(dap.NextArguments{ThreadId: threadID, Granularity: dap.SteppingGranularity(granularity)}).Wait(ctx)
	return s.resumed(err)
}

func (s *Session) StepIn(ctx context.Context, threadID int, granularity string) error {
	raw, err := s.resume("stepIn")
	if err != nil {
		return err
	}
	_, err = raw.StepIn(dap.StepInArguments{ThreadId: threadID, Granularity: dap.SteppingGranularity(granularity)}).Wait(ctx)
	return s.resumed(err)
}

func (s *Session) StepOut(ctx context.Context, threadID int, granularity string) error {
	raw, err := s.resume("stepOut")
	if err != nil {
		return err
	}
	_, err = raw.StepOut(dap.StepOutArguments{ThreadId: threadID, Granularity: dap.SteppingGranularity(granularity)}).Wait(ctx)
	return s.resumed(err)
}

func (s *Session) StepBack(ctx context.Context, threadID int, granularity string) error {
	raw, err := s.resume("stepBack")
	if err != nil {
		return err
	}
	_, err = raw.StepBack(dap.StepBackArguments{ThreadId: threadID, Granularity: dap.SteppingGranularity(granularity)}).Wait(ctx)
	return s.resumed(err)
}

func (s *Session) ReverseContinue(ctx context.Context, threadID int) error {
	raw, err := s.resume("reverseContinue")
	if err != nil {
		return err
	}
	_, err = raw.ReverseContinue(dap.ReverseContinueArguments{ThreadId: threadID}).Wait(ctx)
	return s.resumed(err)
}

// RestartFrame reruns frameID from its beginning.
func (s *Session) RestartFrame(ctx context.Context, frameID int) error {
	raw, err := s.resume("restartFrame")
	if err != nil {
		return err
	}
	_, err = raw.RestartFrame(dap.RestartFrameArguments{FrameId: frameID}).Wait(ctx)
	return s.resumed(err)
}

// Goto moves threadID to a target returned by GotoTargets.
func (s *Session) Goto(ctx context.Context, threadID, targetID int) error {
	raw, err := s.resume("goto")
	if err != nil {
		return err
	}
	_, err = raw.Goto(dap.GotoArguments{ThreadId: threadID, TargetId: targetID}).Wait(ctx)
	return s.resumed(err)
}

func (s *Session) GotoTargets(ctx context.Context, path string, line int) ([]dap.GotoTarget, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.GotoTargets(dap.GotoTargetsArguments{Source: dap.Source{Path: path}, Line: line}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Targets, nil
}

// Pause interrupts threadID, or the whole process for 0.
func (s *Session) Pause(ctx context.Context, threadID int) error {
	raw, err := s.client()
	if err != nil {
		return err
	}
	_, err = raw.Pause(dap.PauseArguments{ThreadId: threadID}).Wait(ctx)
	return err
}

// refreshThreads fetches the thread list and replaces the cache, attaching
// stop to the thread that stopped. The result is dropped if the debuggee
// resumed since gen was taken.
func (s *Session) refreshThreads(raw *dapclient.RawSession, stop *StoppedDetails, gen uint64) *dapclient.Future[[]Thread] {
	return dapclient.Then(raw.Threads(), func(resp *dap.ThreadsResponse) ([]Thread, error) {
		s.mu.Lock()
		if gen != s.stopGen {
			s.mu.Unlock()
			return nil, errStale
		}
		s.replaceThreads(resp.Body.Threads, stop)
		threads := s.threadsLocked()
		s.mu.Unlock()

		s.sink.Event(Event{Kind: EventThreadsUpdated})
		return threads, nil
	})
}

var errStale = errors.New("result superseded by a later resume")

func (s *Session) replaceThreads(list []dap.Thread, stop *StoppedDetails) {
	old := s.threads
	s.threads = make(map[int]*Thread, len(list))
	s.threadOrder = s.threadOrder[:0]
	for _, t := range list {
		th := &Thread{ID: t.Id, Name: t.Name}
		if prev, ok := old[t.Id]; ok {
			th.Stopped, th.Stop = prev.Stopped, prev.Stop
		}
		if stop != nil {
			th.Stopped = stop.AllThreadsStopped || t.Id == stop.ThreadID
			th.Stop = nil
			if t.Id == stop.ThreadID {
				th.Stop = stop
			}
		}
		s.threads[t.Id] = th
		s.threadOrder = append(s.threadOrder, t.Id)
	}
	for id := range s.stacks {
		if _, ok := s.threads[id]; !ok {
			delete(s.stacks, id)
		}
	}
}

func (s *Session) threadsLocked() []Thread {
	out := make([]Thread, 0, len(s.threadOrder))
	for _, id := range s.threadOrder {
		out = append(out, *s.threads[id])
	}
	return out
}

// Threads fetches the thread list from the adapter.
func (s *Session) Threads(ctx context.Context) ([]Thread, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	threads, err := s.refreshThreads(raw, nil, s.generation()).Wait(ctx)
	if errors.Is(err, errStale) {
		return s.CachedThreads(), nil
	}
	return threads, err
}

// CachedThreads returns the thread list as of the last fetch.
func (s *Session) CachedThreads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadsLocked()
}

func (s *Session) fetchStack(raw *dapclient.RawSession, threadID int, gen uint64) *dapclient.Future[[]dap.StackFrame] {
	return dapclient.Then(raw.StackTrace(dap.StackTraceArguments{ThreadId: threadID}), func(resp *dap.StackTraceResponse) ([]dap.StackFrame, error) {
		frames := resp.Body.StackFrames
		for i := range frames {
			frames[i].Source = s.sources.Intern(frames[i].Source)
		}

		s.mu.Lock()
		current := gen == s.stopGen
		if current {
			s.stacks[threadID] = frames
		}
		s.mu.Unlock()

		if current {
			s.sink.Event(Event{Kind: EventStackUpdated, ThreadID: threadID})
		}
		return frames, nil
	})
}

// StackTrace returns the call stack of threadID, fetching it on first use
// after each stop.
func (s *Session) StackTrace(ctx context.Context, threadID int) ([]dap.StackFrame, error) {
	s.mu.Lock()
	frames, ok := s.stacks[threadID]
	gen := s.stopGen
	s.mu.Unlock()
	if ok {
		return frames, nil
	}

	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	return s.fetchStack(raw, threadID, gen).Wait(ctx)
}

// CachedStack returns the cached call stack of threadID, if any.
func (s *Session) CachedStack(threadID int) ([]dap.StackFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, ok := s.stacks[threadID]
	return frames, ok
}

func (s *Session) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.Scopes(dap.ScopesArguments{FrameId: frameID}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Scopes, nil
}

func (s *Session) Variables(ctx context.Context, variablesReference int) ([]dap.Variable, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.Variables(dap.VariablesArguments{VariablesReference: variablesReference}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Variables, nil
}

// SetVariable assigns value to a variable in the container
// variablesReference.
func (s *Session) SetVariable(ctx context.Context, variablesReference int, name, value string) (*dap.SetVariableResponseBody, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.SetVariable(dap.SetVariableArguments{VariablesReference: variablesReference, Name: name, Value: value}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	s.sink.Event(Event{Kind: EventVariablesUpdated})
	return &resp.Body, nil
}

// Evaluate evaluates expression in frameID. evalContext is the DAP context
// ("watch", "repl", "hover" or "clipboard").
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponseBody, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.Evaluate(dap.EvaluateArguments{Expression: expression, FrameId: frameID, Context: evalContext}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// Source returns the text of src.
func (s *Session) Source(ctx context.Context, src dap.Source) (string, error) {
	raw, err := s.client()
	if err != nil {
		return "", err
	}
	return s.sources.Content(ctx, raw, src)
}

// Modules returns the loaded modules, asking the adapter when it supports
// the modules request and falling back to the ones announced by events.
func (s *Session) Modules(ctx context.Context) ([]dap.Module, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	if raw.Supports("modules") {
		resp, err := raw.Modules(dap.ModulesArguments{}).Wait(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.modules = make(map[string]dap.Module, len(resp.Body.Modules))
		s.moduleOrder = s.moduleOrder[:0]
		for _, m := range resp.Body.Modules {
			s.upsertModuleLocked(m)
		}
		s.mu.Unlock()
	}
	return s.CachedModules(), nil
}

func moduleKey(m dap.Module) string {
	return fmt.Sprint(m.Id)
}

func (s *Session) upsertModuleLocked(m dap.Module) {
	key := moduleKey(m)
	if _, ok := s.modules[key]; !ok {
		s.moduleOrder = append(s.moduleOrder, key)
	}
	s.modules[key] = m
}

func (s *Session) removeModuleLocked(m dap.Module) {
	key := moduleKey(m)
	if _, ok := s.modules[key]; !ok {
		return
	}
	delete(s.modules, key)
	for i, k := range s.moduleOrder {
		if k == key {
			s.moduleOrder = append(s.moduleOrder[:i], s.moduleOrder[i+1:]...)
			break
		}
	}
}

// CachedModules returns the modules known from events and the last fetch.
func (s *Session) CachedModules() []dap.Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dap.Module, 0, len(s.moduleOrder))
	for _, key := range s.moduleOrder {
		out = append(out, s.modules[key])
	}
	return out
}

func (s *Session) LoadedSources(ctx context.Context) ([]dap.Source, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.LoadedSources().Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Sources, nil
}

// Completions returns completion candidates for text with the cursor at
// column (1-based).
func (s *Session) Completions(ctx context.Context, text string, column, frameID int) ([]dap.CompletionItem, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.Completions(dap.CompletionsArguments{Text: text, Column: column, FrameId: frameID}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Targets, nil
}

func (s *Session) Disassemble(ctx context.Context, memoryReference string, instructionOffset, count int) ([]dap.DisassembledInstruction, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.Disassemble(dap.DisassembleArguments{
		MemoryReference:   memoryReference,
		InstructionOffset: instructionOffset,
		InstructionCount:  count,
		ResolveSymbols:    true,
	}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return resp.Body.Instructions, nil
}

func (s *Session) ReadMemory(ctx context.Context, memoryReference string, offset, count int) (*dap.ReadMemoryResponseBody, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.ReadMemory(dap.ReadMemoryArguments{MemoryReference: memoryReference, Offset: offset, Count: count}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}
