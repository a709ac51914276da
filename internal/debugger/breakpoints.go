package debugger

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/google/go-dap"
	"github.com/google/uuid"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
)

// BreakpointKind tells which request family owns a breakpoint.
type BreakpointKind string

const (
	BreakpointSource      BreakpointKind = "source"
	BreakpointFunction    BreakpointKind = "function"
	BreakpointData        BreakpointKind = "data"
	BreakpointInstruction BreakpointKind = "instruction"
)

// Breakpoint is the session-level record of one requested breakpoint. ID is
// assigned by the session; the Adapter* fields are written back from the
// adapter's confirmation.
type Breakpoint struct {
	ID   string         `json:"id"`
	Kind BreakpointKind `json:"kind"`

	Path                 string `json:"path,omitempty"`
	Line                 int    `json:"line,omitempty"`
	Column               int    `json:"column,omitempty"`
	Function             string `json:"function,omitempty"`
	DataID               string `json:"dataId,omitempty"`
	AccessType           string `json:"accessType,omitempty"`
	InstructionReference string `json:"instructionReference,omitempty"`
	Offset               int    `json:"offset,omitempty"`
	Condition            string `json:"condition,omitempty"`
	HitCondition         string `json:"hitCondition,omitempty"`
	LogMessage           string `json:"logMessage,omitempty"`

	AdapterID       int    `json:"adapterId,omitempty"`
	Verified        bool   `json:"verified"`
	Message         string `json:"message,omitempty"`
	ConfirmedLine   int    `json:"confirmedLine,omitempty"`
	ConfirmedColumn int    `json:"confirmedColumn,omitempty"`
}

// key identifies what was requested, ignoring the session ID and the
// adapter's answer.
func (b *Breakpoint) key() string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|%s|%d|%s|%s|%s",
		b.Kind, b.Path, b.Line, b.Column, b.Function, b.DataID, b.AccessType,
		b.InstructionReference, b.Offset, b.Condition, b.HitCondition, b.LogMessage)
}

// SourceBreakpoint requests a breakpoint on a source line.
type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

// FunctionBreakpoint requests a breakpoint on a function name.
type FunctionBreakpoint struct {
	Name         string `json:"name"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
}

// DataBreakpoint requests a watchpoint on a data ID returned by
// DataBreakpointInfo.
type DataBreakpoint struct {
	DataID       string `json:"dataId"`
	AccessType   string `json:"accessType,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
}

// InstructionBreakpoint requests a breakpoint on a memory reference.
type InstructionBreakpoint struct {
	InstructionReference string `json:"instructionReference"`
	Offset               int    `json:"offset,omitempty"`
	Condition            string `json:"condition,omitempty"`
	HitCondition         string `json:"hitCondition,omitempty"`
}

// stagedBreakpoints is the complete desired breakpoint set. It is replayed
// whenever the adapter (re)initializes.
type stagedBreakpoints struct {
	sources          map[string][]*Breakpoint
	paths            []string
	functions        []*Breakpoint
	data             []*Breakpoint
	instructions     []*Breakpoint
	exceptionFilters []string
}

func newStagedBreakpoints() stagedBreakpoints {
	return stagedBreakpoints{sources: make(map[string][]*Breakpoint)}
}

func (sb *stagedBreakpoints) snapshot() stagedBreakpoints {
	out := stagedBreakpoints{
		sources:          make(map[string][]*Breakpoint, len(sb.sources)),
		paths:            append([]string(nil), sb.paths...),
		functions:        append([]*Breakpoint(nil), sb.functions...),
		data:             append([]*Breakpoint(nil), sb.data...),
		instructions:     append([]*Breakpoint(nil), sb.instructions...),
		exceptionFilters: append([]string(nil), sb.exceptionFilters...),
	}
	for path, bps := range sb.sources {
		out.sources[path] = append([]*Breakpoint(nil), bps...)
	}
	return out
}

func (sb *stagedBreakpoints) all() []*Breakpoint {
	out := append([]*Breakpoint(nil), sb.functions...)
	for _, path := range sb.paths {
		out = append(out, sb.sources[path]...)
	}
	out = append(out, sb.data...)
	return append(out, sb.instructions...)
}

// reuse returns the desired records, keeping the existing record (and its
// ID) for every entry identical to one already present.
func reuse(existing, desired []*Breakpoint) []*Breakpoint {
	free := make(map[string][]*Breakpoint, len(existing))
	for _, bp := range existing {
		free[bp.key()] = append(free[bp.key()], bp)
	}
	out := make([]*Breakpoint, len(desired))
	for i, bp := range desired {
		if candidates := free[bp.key()]; len(candidates) > 0 {
			out[i] = candidates[0]
			free[bp.key()] = candidates[1:]
			continue
		}
		bp.ID = uuid.NewString()
		out[i] = bp
	}
	return out
}

func (sb *stagedBreakpoints) setSource(path string, reqs []SourceBreakpoint) []*Breakpoint {
	desired := make([]*Breakpoint, len(reqs))
	for i, r := range reqs {
		desired[i] = &Breakpoint{
			Kind:         BreakpointSource,
			Path:         path,
			Line:         r.Line,
			Column:       r.Column,
			Condition:    r.Condition,
			HitCondition: r.HitCondition,
			LogMessage:   r.LogMessage,
		}
	}
	if _, ok := sb.sources[path]; !ok {
		sb.paths = append(sb.paths, path)
	}
	records := reuse(sb.sources[path], desired)
	sb.sources[path] = records
	return records
}

func (sb *stagedBreakpoints) setFunctions(reqs []FunctionBreakpoint) []*Breakpoint {
	desired := make([]*Breakpoint, len(reqs))
	for i, r := range reqs {
		desired[i] = &Breakpoint{Kind: BreakpointFunction, Function: r.Name, Condition: r.Condition, HitCondition: r.HitCondition}
	}
	sb.functions = reuse(sb.functions, desired)
	return sb.functions
}

func (sb *stagedBreakpoints) setData(reqs []DataBreakpoint) []*Breakpoint {
	desired := make([]*Breakpoint, len(reqs))
	for i, r := range reqs {
		desired[i] = &Breakpoint{Kind: BreakpointData, DataID: r.DataID, AccessType: r.AccessType, Condition: r.Condition, HitCondition: r.HitCondition}
	}
	sb.data = reuse(sb.data, desired)
	return sb.data
}

func (sb *stagedBreakpoints) setInstructions(reqs []InstructionBreakpoint) []*Breakpoint {
	desired := make([]*Breakpoint, len(reqs))
	for i, r := range reqs {
		desired[i] = &Breakpoint{
			Kind:                 BreakpointInstruction,
			InstructionReference: r.InstructionReference,
			Offset:               r.Offset,
			Condition:            r.Condition,
			HitCondition:         r.HitCondition,
		}
	}
	sb.instructions = reuse(sb.instructions, desired)
	return sb.instructions
}

// stage records a desired set and reports whether it can be sent now.
func (s *Session) stage(update func(*stagedBreakpoints) []*Breakpoint) ([]*Breakpoint, *dapclient.RawSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := update(&s.staged)
	return records, s.raw, s.ready && s.state != StateTerminated
}

func (s *Session) copies(records []*Breakpoint) []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Breakpoint, len(records))
	for i, bp := range records {
		out[i] = *bp
	}
	return out
}

func (s *Session) notReady(what string) {
	s.log.V(1).Info("Breakpoints staged until the session is ready", "request", what, "reason", dgerrors.ErrNotReady.Error())
}

// SetBreakpoints replaces the breakpoints of one source file. Before the
// session is ready the set is only staged, and the call is a no-op that
// returns the staged records.
func (s *Session) SetBreakpoints(ctx context.Context, path string, reqs []SourceBreakpoint) ([]Breakpoint, error) {
	records, raw, ready := s.stage(func(sb *stagedBreakpoints) []*Breakpoint { return sb.setSource(path, reqs) })
	if !ready {
		s.notReady("setBreakpoints")
		return s.copies(records), nil
	}
	if _, err := s.sendSourceBreakpoints(raw, path, records).Wait(ctx); err != nil {
		return nil, err
	}
	return s.copies(records), nil
}

// SetFunctionBreakpoints replaces the function breakpoints.
func (s *Session) SetFunctionBreakpoints(ctx context.Context, reqs []FunctionBreakpoint) ([]Breakpoint, error) {
	records, raw, ready := s.stage(func(sb *stagedBreakpoints) []*Breakpoint { return sb.setFunctions(reqs) })
	if !ready {
		s.notReady("setFunctionBreakpoints")
		return s.copies(records), nil
	}
	if _, err := s.sendFunctionBreakpoints(raw, records).Wait(ctx); err != nil {
		return nil, err
	}
	return s.copies(records), nil
}

// SetDataBreakpoints replaces the data breakpoints.
func (s *Session) SetDataBreakpoints(ctx context.Context, reqs []DataBreakpoint) ([]Breakpoint, error) {
	records, raw, ready := s.stage(func(sb *stagedBreakpoints) []*Breakpoint { return sb.setData(reqs) })
	if !ready {
		s.notReady("setDataBreakpoints")
		return s.copies(records), nil
	}
	if _, err := s.sendDataBreakpoints(raw, records).Wait(ctx); err != nil {
		return nil, err
	}
	return s.copies(records), nil
}

// SetInstructionBreakpoints replaces the instruction breakpoints.
func (s *Session) SetInstructionBreakpoints(ctx context.Context, reqs []InstructionBreakpoint) ([]Breakpoint, error) {
	records, raw, ready := s.stage(func(sb *stagedBreakpoints) []*Breakpoint { return sb.setInstructions(reqs) })
	if !ready {
		s.notReady("setInstructionBreakpoints")
		return s.copies(records), nil
	}
	if _, err := s.sendInstructionBreakpoints(raw, records).Wait(ctx); err != nil {
		return nil, err
	}
	return s.copies(records), nil
}

// SetExceptionBreakpoints replaces the enabled exception filters.
func (s *Session) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	s.mu.Lock()
	s.staged.exceptionFilters = append([]string(nil), filters...)
	raw, ready := s.raw, s.ready && s.state != StateTerminated
	s.mu.Unlock()

	if !ready {
		s.notReady("setExceptionBreakpoints")
		return nil
	}
	_, err := s.sendExceptionBreakpoints(raw, filters).Wait(ctx)
	return err
}

// DataBreakpointInfo asks whether a watchpoint can be set on the named
// variable and returns its data ID.
func (s *Session) DataBreakpointInfo(ctx context.Context, variablesReference int, name string, frameID int) (*dap.DataBreakpointInfoResponseBody, error) {
	raw, err := s.client()
	if err != nil {
		return nil, err
	}
	resp, err := raw.DataBreakpointInfo(dap.DataBreakpointInfoArguments{
		VariablesReference: variablesReference,
		Name:               name,
		FrameId:            frameID,
	}).Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &resp.Body, nil
}

// Breakpoints returns every staged breakpoint with its latest confirmation.
func (s *Session) Breakpoints() []Breakpoint {
	s.mu.Lock()
	all := s.staged.all()
	s.mu.Unlock()
	return s.copies(all)
}

func (s *Session) sendSourceBreakpoints(raw *dapclient.RawSession, path string, records []*Breakpoint) *dapclient.Future[struct{}] {
	args := dap.SetBreakpointsArguments{
		Source:      dap.Source{Name: filepath.Base(path), Path: path},
		Breakpoints: make([]dap.SourceBreakpoint, len(records)),
	}
	s.mu.Lock()
	for i, bp := range records {
		args.Breakpoints[i] = dap.SourceBreakpoint{
			Line:         bp.Line,
			Column:       bp.Column,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}
	s.mu.Unlock()

	return dapclient.Then(raw.SetBreakpoints(args), func(resp *dap.SetBreakpointsResponse) (struct{}, error) {
		s.applyConfirmed("setBreakpoints", records, resp.Body.Breakpoints)
		return struct{}{}, nil
	})
}

func (s *Session) sendFunctionBreakpoints(raw *dapclient.RawSession, records []*Breakpoint) *dapclient.Future[struct{}] {
	args := dap.SetFunctionBreakpointsArguments{Breakpoints: make([]dap.FunctionBreakpoint, len(records))}
	s.mu.Lock()
	for i, bp := range records {
		args.Breakpoints[i] = dap.FunctionBreakpoint{Name: bp.Function, Condition: bp.Condition, HitCondition: bp.HitCondition}
	}
	s.mu.Unlock()

	return dapclient.Then(raw.SetFunctionBreakpoints(args), func(resp *dap.SetFunctionBreakpointsResponse) (struct{}, error) {
		s.applyConfirmed("setFunctionBreakpoints", records, resp.Body.Breakpoints)
		return struct{}{}, nil
	})
}

func (s *Session) sendDataBreakpoints(raw *dapclient.RawSession, records []*Breakpoint) *dapclient.Future[struct{}] {
	args := dap.SetDataBreakpointsArguments{Breakpoints: make([]dap.DataBreakpoint, len(records))}
	s.mu.Lock()
	for i, bp := range records {
		args.Breakpoints[i] = dap.DataBreakpoint{
			DataId:       bp.DataID,
			AccessType:   dap.DataBreakpointAccessType(bp.AccessType),
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
		}
	}
	s.mu.Unlock()

	return dapclient.Then(raw.SetDataBreakpoints(args), func(resp *dap.SetDataBreakpointsResponse) (struct{}, error) {
		s.applyConfirmed("setDataBreakpoints", records, resp.Body.Breakpoints)
		return struct{}{}, nil
	})
}

func (s *Session) sendInstructionBreakpoints(raw *dapclient.RawSession, records []*Breakpoint) *dapclient.Future[struct{}] {
	args := dap.SetInstructionBreakpointsArguments{Breakpoints: make([]dap.InstructionBreakpoint, len(records))}
	s.mu.Lock()
	for i, bp := range records {
		args.Breakpoints[i] = dap.InstructionBreakpoint{
			InstructionReference: bp.InstructionReference,
			Offset:               bp.Offset,
			Condition:            bp.Condition,
			HitCondition:         bp.HitCondition,
		}
	}
	s.mu.Unlock()

	return dapclient.Then(raw.SetInstructionBreakpoints(args), func(resp *dap.SetInstructionBreakpointsResponse) (struct{}, error) {
		s.applyConfirmed("setInstructionBreakpoints", records, resp.Body.Breakpoints)
		return struct{}{}, nil
	})
}

func (s *Session) sendExceptionBreakpoints(raw *dapclient.RawSession, filters []string) *dapclient.Future[struct{}] {
	f := raw.SetExceptionBreakpoints(dap.SetExceptionBreakpointsArguments{Filters: append([]string{}, filters...)})
	return dapclient.Then(f, func(*dap.SetExceptionBreakpointsResponse) (struct{}, error) {
		return struct{}{}, nil
	})
}

// applyConfirmed zips the adapter's answer with the request by position.
func (s *Session) applyConfirmed(command string, records []*Breakpoint, confirmed []dap.Breakpoint) {
	if len(confirmed) != len(records) {
		s.log.Info("Adapter answered a different number of breakpoints", "command", command, "requested", len(records), "confirmed", len(confirmed))
	}

	s.mu.Lock()
	changed := make([]Breakpoint, 0, len(records))
	for i, bp := range confirmed {
		if i >= len(records) {
			break
		}
		r := records[i]
		r.AdapterID = bp.Id
		r.Verified = bp.Verified
		r.Message = bp.Message
		r.ConfirmedLine = bp.Line
		r.ConfirmedColumn = bp.Column
		changed = append(changed, *r)
	}
	s.mu.Unlock()

	for i := range changed {
		s.sink.Event(Event{Kind: EventBreakpointChanged, Breakpoint: &changed[i]})
	}
}

// updateFromAdapter applies an adapter breakpoint event to the record with
// the same adapter ID.
func (s *Session) updateFromAdapter(reason string, bp dap.Breakpoint) {
	if bp.Id == 0 {
		return
	}

	s.mu.Lock()
	var updated *Breakpoint
	for _, r := range s.staged.all() {
		if r.AdapterID != bp.Id {
			continue
		}
		if reason == "removed" {
			r.Verified = false
			r.Message = "removed by the debugger"
		} else {
			r.Verified = bp.Verified
			r.Message = bp.Message
			if bp.Line > 0 {
				r.ConfirmedLine = bp.Line
			}
			if bp.Column > 0 {
				r.ConfirmedColumn = bp.Column
			}
		}
		copied := *r
		updated = &copied
		break
	}
	s.mu.Unlock()

	if updated == nil {
		s.log.V(1).Info("Breakpoint event for unknown breakpoint", "id", strconv.Itoa(bp.Id), "reason", reason)
		return
	}
	s.sink.Event(Event{Kind: EventBreakpointChanged, Breakpoint: updated})
}
