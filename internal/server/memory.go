package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
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
	// maxInstructionLen bounds the bytes fetched per wanted instruction.
	maxInstructionLen = 16
	// fallbackWindow is disassembled around an address that has no
	// function symbol.
	fallbackWindow = 64
)

func parseAddress(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t<"); i >= 0 {
		s = s[:i]
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, false
	}
	n, err := strconv.ParseUint(s[2:], 16, 64)
	return n, err == nil
}

func formatAddress(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

// memoryReference returns the address a value points to, or "" when the
// value is not an address.
func memoryReference(value string) string {
	if n, ok := parseAddress(value); ok {
		return formatAddress(n)
	}
	return ""
}

// resolveAddress turns a memory reference into an address. References this
// server hands out are hex; anything else is evaluated by gdb.
func (s *Session) resolveAddress(ctx context.Context, e *gdb.Engine, ref string) (uint64, error) {
	if n, ok := parseAddress(ref); ok {
		return n, nil
	}
	value, err := e.Evaluate(ctx, "(unsigned long)("+ref+")", gdb.Scope{})
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return 0, dgerrors.InvalidParameter("memoryReference", ref, "an address")
	}
	return n, nil
}

// --- synthetic sources ---

type syntheticSource struct {
	ref     int
	name    string
	content string
	lineOf  map[uint64]int
	// addrs holds the address of each line, line 1 first.
	addrs []string
}

// syntheticSources keeps the disassembly listings shown for frames that
// have no source file. They live until the program is restarted.
type syntheticSources struct {
	mu    sync.Mutex
	next  int
	byKey map[string]*syntheticSource
	byRef map[int]*syntheticSource
}

func newSyntheticSources() *syntheticSources {
	return &syntheticSources{
		byKey: make(map[string]*syntheticSource),
		byRef: make(map[int]*syntheticSource),
	}
}

func (c *syntheticSources) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string]*syntheticSource)
	c.byRef = make(map[int]*syntheticSource)
}

func (c *syntheticSources) lookup(key string) (*syntheticSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.byKey[key]
	return src, ok
}

func (c *syntheticSources) add(key string, src *syntheticSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	src.ref = c.next
	c.byKey[key] = src
	c.byRef[src.ref] = src
}

func (c *syntheticSources) content(ref int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.byRef[ref]
	if !ok {
		return "", false
	}
	return src.content, true
}

// addressAt returns the instruction address shown on a line of a listing.
func (c *syntheticSources) addressAt(ref, line int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.byRef[ref]
	if !ok || line < 1 || line > len(src.addrs) {
		return "", false
	}
	return src.addrs[line-1], true
}

func newSyntheticSource(name string, insns []mi.Instruction) *syntheticSource {
	src := &syntheticSource{name: name, lineOf: make(map[uint64]int)}
	var sb strings.Builder
	for _, in := range insns {
		addr, ok := parseAddress(in.Address)
		if !ok {
			continue
		}
		src.addrs = append(src.addrs, in.Address)
		src.lineOf[addr] = len(src.addrs)
		if in.Func != "" {
			fmt.Fprintf(&sb, "%s <%s+%d>:\t%s\n", in.Address, in.Func, in.Offset, in.Inst)
		} else {
			fmt.Fprintf(&sb, "%s:\t%s\n", in.Address, in.Inst)
		}
	}
	src.content = sb.String()
	return src
}

// sourceForFrame returns the listing that contains the frame's pc and the
// line of the pc in it, disassembling the function on first use.
func (s *Session) sourceForFrame(ctx context.Context, e *gdb.Engine, f mi.Frame) (*syntheticSource, int, error) {
	pc, ok := parseAddress(f.Addr)
	if !ok {
		return nil, 0, fmt.Errorf("frame %d has no address", f.Level)
	}
	key := f.Func + "@" + f.From
	if f.Func == "" || f.Func == "??" {
		key = f.Addr
	}
	if src, ok := s.synthetic.lookup(key); ok {
		if line, found := src.lineOf[pc]; found {
			return src, line, nil
		}
		key = f.Addr
	}

	insns, err := e.DisassembleFunction(ctx, f.Addr)
	if err != nil || len(insns) == 0 {
		insns, err = e.Disassemble(ctx, f.Addr, formatAddress(pc+fallbackWindow), false)
		if err != nil {
			return nil, 0, err
		}
	}
	name := f.Func
	if name == "" || name == "??" {
		name = f.Addr
	}
	src := newSyntheticSource(name, insns)
	line, found := src.lineOf[pc]
	if !found {
		return nil, 0, fmt.Errorf("no instruction at %s", f.Addr)
	}
	s.synthetic.add(key, src)
	return src, line, nil
}

// --- disassemble and readMemory ---

func placeholder(addr uint64) dap.DisassembledInstruction {
	return dap.DisassembledInstruction{Address: formatAddress(addr), Instruction: "??"}
}

func (s *Session) onDisassemble(ctx context.Context, req *dap.DisassembleRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	if a.InstructionCount <= 0 {
		return dgerrors.InvalidParameter("instructionCount", a.InstructionCount, "a positive number")
	}
	base, err := s.resolveAddress(ctx, e, a.MemoryReference)
	if err != nil {
		return err
	}
	base = uint64(int64(base) + int64(a.Offset))

	// Disassemble a window wide enough for the wanted instructions on both
	// sides of base, then count from the instruction at base.
	before := 0
	if a.InstructionOffset < 0 {
		before = -a.InstructionOffset
	}
	after := a.InstructionOffset + a.InstructionCount
	if after < 1 {
		after = 1
	}
	start := base
	if span := uint64(before * maxInstructionLen); span < base {
		start = base - span
	} else {
		start = 0
	}
	end := base + uint64(after*maxInstructionLen)

	insns, err := e.Disassemble(ctx, formatAddress(start), formatAddress(end), true)
	if err != nil {
		return err
	}

	at := len(insns)
	for i, in := range insns {
		if addr, ok := parseAddress(in.Address); ok && addr >= base {
			at = i
			break
		}
	}

	out := make([]dap.DisassembledInstruction, 0, a.InstructionCount)
	for k := 0; k < a.InstructionCount; k++ {
		i := at + a.InstructionOffset + k
		switch {
		case i < 0:
			out = append(out, placeholder(start-uint64(-i)))
			continue
		case i >= len(insns):
			out = append(out, placeholder(end+uint64(i-len(insns))))
			continue
		}
		out = append(out, s.disassembled(insns[i], a.ResolveSymbols))
	}

	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.DisassembleResponse{Response: r, Body: dap.DisassembleResponseBody{Instructions: out}}
	})
	return nil
}

func (s *Session) disassembled(in mi.Instruction, symbols bool) dap.DisassembledInstruction {
	d := dap.DisassembledInstruction{
		Address:          in.Address,
		InstructionBytes: in.Opcodes,
		Instruction:      in.Inst,
	}
	if symbols && in.Func != "" {
		d.Symbol = in.Func + "+" + strconv.Itoa(in.Offset)
	}
	if in.File != "" {
		d.Location = &dap.Source{Name: baseName(in.File), Path: in.File}
		d.Line = in.Line
	}
	return d
}

// onReadMemory returns memory as base64. Bytes gdb cannot read are
// counted as unreadable instead of failing the request.
func (s *Session) onReadMemory(ctx context.Context, req *dap.ReadMemoryRequest) error {
	e, err := s.gdb()
	if err != nil {
		return err
	}
	a := req.Arguments
	base, err := s.resolveAddress(ctx, e, a.MemoryReference)
	if err != nil {
		return err
	}
	addr := uint64(int64(base) + int64(a.Offset))
	body := dap.ReadMemoryResponseBody{Address: formatAddress(addr)}

	if a.Count > 0 {
		blocks, err := e.ReadMemory(ctx, formatAddress(addr), 0, a.Count)
		var data []byte
		if err == nil {
			data, err = contiguous(addr, blocks)
		}
		if err != nil {
			s.log.V(1).Info("Memory is not readable", "address", body.Address, "error", err.Error())
		}
		body.Data = base64.StdEncoding.EncodeToString(data)
		body.UnreadableBytes = a.Count - len(data)
	}

	s.respond(&req.Request, func(r dap.Response) dap.Message {
		return &dap.ReadMemoryResponse{Response: r, Body: body}
	})
	return nil
}

// contiguous decodes the blocks that continue without a gap from addr.
func contiguous(addr uint64, blocks []mi.MemoryBlock) ([]byte, error) {
	var out []byte
	next := addr
	for _, b := range blocks {
		begin, ok := parseAddress(b.Begin)
		if !ok {
			return out, fmt.Errorf("bad block address %q", b.Begin)
		}
		if begin != next {
			break
		}
		chunk, err := hex.DecodeString(b.Contents)
		if err != nil {
			return out, fmt.Errorf("bad block contents at %s: %w", b.Begin, err)
		}
		out = append(out, chunk...)
		next += uint64(len(chunk))
	}
	return out, nil
}
