package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"

	dgerrors "github.com/ctagard/dap-gdb/internal/errors"
	"github.com/ctagard/dap-gdb/internal/gdb"
	"github.com/ctagard/dap-gdb/internal/mi"
)

const (
	filterThrow = "throw"
	filterCatch = "catch"
)

type ownerKind int

const (
	ownSource ownerKind = iota
	ownFunction
	ownInstruction
	ownException
	ownData
)

// ownedBreakpoint is a gdb breakpoint created for one entry of a set*
// request. key identifies the entry so an identical entry in the next
// request keeps the same gdb breakpoint.
type ownedBreakpoint struct {
	key    string
	number int
}

type dataTarget struct {
	expr  string
	scope gdb.Scope
}

// breakpointTables tracks which gdb breakpoints belong to which request.
// The owner map is read by the event callbacks; everything else is only
// touched by the request worker.
type breakpointTables struct {
	mu    sync.Mutex
	owner map[int]ownerKind

	sources      map[string][]ownedBreakpoint
	functions    []ownedBreakpoint
	instructions []ownedBreakpoint
	data         []ownedBreakpoint
	exceptions   map[string]int
	dataTargets  map[string]dataTarget
}

func newBreakpointTables() *breakpointTables {
	return &breakpointTables{
		owner:       make(map[int]ownerKind),
		sources:     make(map[string][]ownedBreakpoint),
		exceptions:  make(map[string]int),
		dataTargets: make(map[string]dataTarget),
	}
}

func (t *breakpointTables) own(number int, kind ownerKind) {
	t.mu.Lock()
	t.owner[number] = kind
	t.mu.Unlock()
}

func (t *breakpointTables) disown(numbers ...int) {
	t.mu.Lock()
	for _, n := range numbers {
		delete(t.owner, n)
	}
	t.mu.Unlock()
}

func (t *breakpointTables) ownerOf(number int) (ownerKind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kind, ok := t.owner[number]
	return kind, ok
}

// wantedBreakpoint is one entry of a set* request.
type wantedBreakpoint struct {
	key    string
	insert func() (mi.Breakpoint, error)
	// hitCount is applied with -break-after when the insert command has no
	// ignore count of its own.
	hitCount int
	// failed is reported instead of inserting when the entry is invalid.
	failed *dap.Breakpoint
	// unresolved fills source and line of a breakpoint gdb could not place.
	unresolved dap.Breakpoint
}

// reconcile brings the gdb breakpoints of one table in line with a request.
// Entries present in both keep their gdb breakpoint; new entries are
// inserted; the rest are deleted. The result is positional.
func (s *Session) reconcile(ctx context.Context, kind ownerKind, old []ownedBreakpoint, wants []wantedBreakpoint) ([]ownedBreakpoint, []dap.Breakpoint) {
	e := s.engine
	byKey := make(map[string][]ownedBreakpoint)
	for _, o := range old {
		byKey[o.key] = append(byKey[o.key], o)
	}

	kept := make([]ownedBreakpoint, 0, len(wants))
	result := make([]dap.Breakpoint, len(wants))
	for i, w := range wants {
		if w.failed != nil {
			result[i] = *w.failed
			continue
		}
		if prev := byKey[w.key]; len(prev) > 0 {
			o := prev[0]
			byKey[w.key] = prev[1:]
			// gdb may have deleted it meanwhile, e.g. a watchpoint that went
			// out of scope; insert it again then.
			if bp, ok := e.Breakpoint(o.number); ok {
				kept = append(kept, o)
				result[i] = toDAP(bp)
				continue
			}
			s.breakpoints.disown(o.number)
		}

		bp, err := w.insert()
		if err != nil {
			failed := w.unresolved
			failed.Verified = false
			failed.Message = dgerrors.BackendMessage(err)
			result[i] = failed
			continue
		}
		if w.hitCount > 0 {
			if err := e.BreakAfter(ctx, bp.Number, w.hitCount); err != nil {
				s.log.V(1).Info("Failed to set hit count", "number", bp.Number, "error", err.Error())
			}
		}
		s.breakpoints.own(bp.Number, kind)
		kept = append(kept, ownedBreakpoint{key: w.key, number: bp.Number})
		result[i] = toDAP(bp)
	}

	var stale []int
	for _, rest := range byKey {
		for _, o := range rest {
			stale = append(stale, o.number)
		}
	}
	if len(stale) > 0 {
		s.breakpoints.disown(stale...)
		if err := e.BreakDelete(ctx, stale...); err != nil {
			s.log.V(1).Info("Failed to delete breakpoints", "numbers", stale, "error", err.Error())
		}
	}
	return kept, result
}

// toDAP describes a gdb breakpoint to the client.
func toDAP(bp mi.Breakpoint) dap.Breakpoint {
	out := dap.Breakpoint{Id: bp.Number, Verified: !bp.IsPending()}
	if path, line := bp.SourceLine(); line > 0 {
		out.Line = line
		if path != "" {
			out.Source = &dap.Source{Name: baseName(path), Path: path}
		}
	}
	if strings.HasPrefix(bp.Addr, "0x") {
		out.InstructionReference = bp.Addr
	}
	if !out.Verified {
		out.Message = "Breakpoint is pending until a matching library is loaded"
	}
	return out
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// parseHitCondition converts a DAP hit condition into a gdb ignore count.
// "N", "==N" and ">=N" stop from the Nth hit on; ">N" from hit N+1.
func parseHitCondition(cond string) (int, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return 0, nil
	}
	offset := -1
	switch {
	case strings.HasPrefix(cond, ">="), strings.HasPrefix(cond, "=="):
		cond = cond[2:]
	case strings.HasPrefix(cond, ">"):
		cond = cond[1:]
		offset = 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(cond))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid hit condition %q, expected a number such as 5, >5 or >=5", cond)
	}
	if n+offset < 0 {
		return 0, nil
	}
	return n + offset, nil
}

// wantLocation builds the request entry for a breakpoint at location with
// the usual condition, hit condition and log message.
func (s *Session) wantLocation(ctx context.Context, location, condition, hitCondition, logMessage string, unresolved dap.Breakpoint) wantedBreakpoint {
	w := wantedBreakpoint{
		key:        strings.Join([]string{location, condition, hitCondition, logMessage}, "|"),
		unresolved: unresolved,
	}
	ignore, err := parseHitCondition(hitCondition)
	if err != nil {
		failed := unresolved
		failed.Message = err.Error()
		w.failed = &failed
		return w
	}
	if logMessage != "" {
		w.hitCount = ignore
		w.insert = func() (mi.Breakpoint, error) {
			return s.engine.DprintfInsert(ctx, location, condition, logMessage)
		}
		return w
	}
	w.insert = func() (mi.Breakpoint, error) {
		return s.engine.BreakInsert(ctx, gdb.BreakpointSpec{Location: location, Condition: condition, IgnoreCount: ignore})
	}
	return w
}

func (s *Session) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	src := req.Arguments.Source
	key := src.Path
	if key == "" {
		if src.SourceReference == 0 {
			return dgerrors.MissingParameter("source.path", "path of the source file")
		}
		key = "ref:" + strconv.Itoa(src.SourceReference)
	}

	wants := make([]wantedBreakpoint, len(req.Arguments.Breakpoints))
	for i, sbp := range req.Arguments.Breakpoints {
		unresolved := dap.Breakpoint{Line: sbp.Line}
		location := src.Path + ":" + strconv.Itoa(sbp.Line)
		if src.Path == "" {
			addr, ok := s.synthetic.addressAt(src.SourceReference, sbp.Line)
			if !ok {
				failed := unresolved
				failed.Message = "No instruction at this line"
				wants[i] = wantedBreakpoint{key: strconv.Itoa(sbp.Line), failed: &failed}
				continue
			}
			location = "*" + addr
		} else {
			unresolved.Source = &dap.Source{Name: baseName(src.Path), Path: src.Path}
		}
		wants[i] = s.wantLocation(ctx, location, sbp.Condition, sbp.HitCondition, sbp.LogMessage, unresolved)
	}

	kept, result := s.reconcile(ctx, ownSource, s.breakpoints.sources[key], wants)
	if len(kept) == 0 {
		delete(s.breakpoints.sources, key)
	} else {
		s.breakpoints.sources[key] = kept
	}
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetBreakpointsResponse{Response: r, Body: dap.SetBreakpointsResponseBody{Breakpoints: result}}
	})
	return nil
}

func (s *Session) onSetFunctionBreakpoints(ctx context.Context, req *dap.SetFunctionBreakpointsRequest) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	wants := make([]wantedBreakpoint, len(req.Arguments.Breakpoints))
	for i, fbp := range req.Arguments.Breakpoints {
		wants[i] = s.wantLocation(ctx, fbp.Name, fbp.Condition, fbp.HitCondition, "", dap.Breakpoint{})
	}
	kept, result := s.reconcile(ctx, ownFunction, s.breakpoints.functions, wants)
	s.breakpoints.functions = kept
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetFunctionBreakpointsResponse{Response: r, Body: dap.SetFunctionBreakpointsResponseBody{Breakpoints: result}}
	})
	return nil
}

// instructionLocation turns a memory reference and byte offset into a gdb
// address location.
func instructionLocation(ref string, offset int) string {
	if offset == 0 {
		return "*" + ref
	}
	return fmt.Sprintf("*(%s + %d)", ref, offset)
}

func (s *Session) onSetInstructionBreakpoints(ctx context.Context, req *dap.SetInstructionBreakpointsRequest) error {
	if _, err := s.gdb(); err != nil {
		return err
	}
	wants := make([]wantedBreakpoint, len(req.Arguments.Breakpoints))
	for i, ibp := range req.Arguments.Breakpoints {
		location := instructionLocation(ibp.InstructionReference, ibp.Offset)
		wants[i] = s.wantLocation(ctx, location, ibp.Condition, ibp.HitCondition, "", dap.Breakpoint{InstructionReference: ibp.InstructionReference})
	}
	kept, result := s.reconcile(ctx, ownInstruction, s.breakpoints.instructions, wants)
	s.breakpoints.instructions = kept
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetInstructionBreakpointsResponse{Response: r, Body: dap.SetInstructionBreakpointsResponseBody{Breakpoints: result}}
	})
	return nil
}

// onSetExceptionBreakpoints maps the throw and catch filters onto gdb
// catchpoints.
func (s *Session) onSetExceptionBreakpoints(ctx context.Context, req *dap.SetExceptionBreakpointsRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	enabled := make(map[string]bool)
	for _, f := range req.Arguments.Filters {
		enabled[f] = true
	}
	for _, opt := range req.Arguments.FilterOptions {
		enabled[opt.FilterId] = true
	}

	for filter, number := range s.breakpoints.exceptions {
		if enabled[filter] {
			continue
		}
		s.breakpoints.disown(number)
		if err := e.BreakDelete(ctx, number); err != nil {
			return err
		}
		delete(s.breakpoints.exceptions, filter)
	}

	var result []dap.Breakpoint
	for _, filter := range []string{filterThrow, filterCatch} {
		if !enabled[filter] {
			continue
		}
		if number, ok := s.breakpoints.exceptions[filter]; ok {
			result = append(result, dap.Breakpoint{Id: number, Verified: true})
			continue
		}
		var bp mi.Breakpoint
		if filter == filterThrow {
			bp, err = e.CatchThrow(ctx)
		} else {
			bp, err = e.CatchCatch(ctx)
		}
		if err != nil {
			result = append(result, dap.Breakpoint{Verified: false, Message: dgerrors.BackendMessage(err)})
			continue
		}
		s.breakpoints.own(bp.Number, ownException)
		s.breakpoints.exceptions[filter] = bp.Number
		result = append(result, dap.Breakpoint{Id: bp.Number, Verified: true})
	}
	for filter := range enabled {
		if filter != filterThrow && filter != filterCatch {
			result = append(result, dap.Breakpoint{Verified: false, Message: "Unknown exception filter " + filter})
		}
	}

	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetExceptionBreakpointsResponse{Response: r, Body: dap.SetExceptionBreakpointsResponseBody{Breakpoints: result}}
	})
	return nil
}

var dataAccessTypes = []dap.DataBreakpointAccessType{"read", "write", "readWrite"}

// onDataBreakpointInfo resolves a displayed variable to an expression gdb
// can watch.
func (s *Session) onDataBreakpointInfo(ctx context.Context, req *dap.DataBreakpointInfoRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	args := req.Arguments
	if args.Name == "" {
		return dgerrors.MissingParameter("name", "name of the variable to watch")
	}

	var target dataTarget
	ref, ok := s.handles.variable(args.VariablesReference)
	switch {
	case args.VariablesReference == 0:
		target = dataTarget{expr: args.Name}
	case !ok:
		return dgerrors.InvalidParameter("variablesReference", args.VariablesReference, "a reference from the current stop")
	case ref.kind == refVarObject:
		obj, found := s.handles.child(args.VariablesReference, args.Name)
		if !found {
			return dgerrors.InvalidParameter("name", args.Name, "a child of the given reference")
		}
		path, err := e.VarInfoPathExpression(ctx, obj)
		if err != nil {
			return err
		}
		target = dataTarget{expr: path, scope: gdb.InFrame(ref.thread, ref.frame)}
	default:
		target = dataTarget{expr: args.Name, scope: gdb.InFrame(ref.thread, ref.frame)}
	}

	id := target.expr
	if target.scope.Thread > 0 {
		id = fmt.Sprintf("%d/%d/%s", target.scope.Thread, target.scope.Frame, target.expr)
	}
	s.breakpoints.dataTargets[id] = target

	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.DataBreakpointInfoResponse{Response: r, Body: dap.DataBreakpointInfoResponseBody{
			DataId:      id,
			Description: target.expr,
			AccessTypes: dataAccessTypes,
		}}
	})
	return nil
}

func watchAccess(t dap.DataBreakpointAccessType) gdb.WatchAccess {
	switch t {
	case "read":
		return gdb.WatchRead
	case "readWrite":
		return gdb.WatchReadWrite
	default:
		return gdb.WatchWrite
	}
}

func (s *Session) onSetDataBreakpoints(ctx context.Context, req *dap.SetDataBreakpointsRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	wants := make([]wantedBreakpoint, len(req.Arguments.Breakpoints))
	for i, dbp := range req.Arguments.Breakpoints {
		target, ok := s.breakpoints.dataTargets[dbp.DataId]
		if !ok {
			target = dataTarget{expr: dbp.DataId}
		}
		access := watchAccess(dbp.AccessType)
		condition := dbp.Condition
		w := wantedBreakpoint{key: strings.Join([]string{dbp.DataId, string(dbp.AccessType), condition, dbp.HitCondition}, "|")}
		ignore, err := parseHitCondition(dbp.HitCondition)
		if err != nil {
			w.failed = &dap.Breakpoint{Message: err.Error()}
			wants[i] = w
			continue
		}
		w.hitCount = ignore
		w.insert = func() (mi.Breakpoint, error) {
			bp, err := e.BreakWatch(ctx, target.expr, access, target.scope)
			if err != nil || condition == "" {
				return bp, err
			}
			return bp, e.BreakCondition(ctx, bp.Number, condition)
		}
		wants[i] = w
	}
	kept, result := s.reconcile(ctx, ownData, s.breakpoints.data, wants)
	s.breakpoints.data = kept
	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.SetDataBreakpointsResponse{Response: r, Body: dap.SetDataBreakpointsResponseBody{Breakpoints: result}}
	})
	return nil
}

func (s *Session) onBreakpointModified(bp mi.Breakpoint) {
	if _, ok := s.breakpoints.ownerOf(bp.Number); !ok {
		return
	}
	changed := toDAP(bp)
	s.emit("breakpoint", func(ev dap.Event) dap.Message {
		return &dap.BreakpointEvent{Event: ev, Body: dap.BreakpointEventBody{Reason: "changed", Breakpoint: changed}}
	})
}

// onBreakpointRemoved reports breakpoints gdb deleted on its own, such as
// watchpoints going out of scope. Deletions the client asked for are
// disowned first and stay silent.
func (s *Session) onBreakpointRemoved(bp mi.Breakpoint) {
	if _, ok := s.breakpoints.ownerOf(bp.Number); !ok {
		return
	}
	s.breakpoints.disown(bp.Number)
	s.emit("breakpoint", func(ev dap.Event) dap.Message {
		return &dap.BreakpointEvent{Event: ev, Body: dap.BreakpointEventBody{
			Reason:     "removed",
			Breakpoint: dap.Breakpoint{Id: bp.Number},
		}}
	})
}
