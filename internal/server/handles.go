package server

import (
	"sync"

	"github.com/google/go-dap"

	"github.com/ctagard/dap-gdb/internal/mi"
)

type frameRef struct {
	thread int
	level  int
	frame  mi.Frame
}

type refKind int

const (
	refArguments refKind = iota
	refLocals
	refVarObject
)

type varRef struct {
	kind      refKind
	thread    int
	frame     int
	varObject string
}

// handles hands out frame ids, variable references and goto target ids from
// one counter. Numbers are never reused; reset only forgets what they
// pointed to.
type handles struct {
	mu       sync.Mutex
	next     int
	frames   map[int]frameRef
	vars     map[int]varRef
	children map[int]map[string]string
	listed   map[int][]dap.Variable
	targets  map[int]string
}

func newHandles() *handles {
	h := &handles{}
	h.reset()
	return h
}

func (h *handles) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = make(map[int]frameRef)
	h.vars = make(map[int]varRef)
	h.children = make(map[int]map[string]string)
	h.listed = make(map[int][]dap.Variable)
	h.targets = make(map[int]string)
}

func (h *handles) allocLocked() int {
	h.next++
	return h.next
}

func (h *handles) addFrame(f frameRef) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.allocLocked()
	h.frames[id] = f
	return id
}

func (h *handles) frame(id int) (frameRef, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.frames[id]
	return f, ok
}

func (h *handles) addVar(v varRef) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.allocLocked()
	h.vars[id] = v
	return id
}

func (h *handles) variable(id int) (varRef, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.vars[id]
	return v, ok
}

// setChild remembers which variable object backs a displayed variable, so
// setVariable can find it by its parent reference and name.
func (h *handles) setChild(parent int, name, varObject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.children[parent]
	if !ok {
		m = make(map[string]string)
		h.children[parent] = m
	}
	m[name] = varObject
}

func (h *handles) child(parent int, name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, ok := h.children[parent][name]
	return obj, ok
}

// setListed caches the variables shown for a reference until the next
// resume, so listing it twice does not create variable objects twice.
func (h *handles) setListed(ref int, vars []dap.Variable) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listed[ref] = vars
}

func (h *handles) listedVars(ref int) ([]dap.Variable, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vars, ok := h.listed[ref]
	return vars, ok
}

func (h *handles) clearListed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listed = make(map[int][]dap.Variable)
}

func (h *handles) addTarget(location string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.allocLocked()
	h.targets[id] = location
	return id
}

func (h *handles) target(id int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	loc, ok := h.targets[id]
	return loc, ok
}
