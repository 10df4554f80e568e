package simhost

import (
	"sort"

	"github.com/sarchlab/bfi/host"
)

type callEntry struct {
	order int
	cb    host.CallbackFunc
}

type ifEntry struct {
	ifCb   host.PredicateFunc
	thenCb host.CallbackFunc
}

type addrRewrite struct {
	operandIdx int
	scratch    host.RegID
	fn         host.AddrRewriteFunc
}

// Instruction is a synthetic instrumented instruction: a fixed address,
// raw bytes, an optional fall-through address, and a static operand
// list, plus whatever callbacks Instrument attaches the first time the
// host presents it via OnNewInstruction.
type Instruction struct {
	addr        host.Addr
	bytes       []byte
	fallThrough host.Addr
	hasFall     bool
	ops         []host.Operand

	// memAddrs holds the effective address simhost hands back for each
	// memory operand (indexed the same way Operands() enumerates memory
	// operands), updated on every execution and by any addrRewrite.
	memAddrs []host.Addr

	before, after     []callEntry
	beforeIf, afterIf []ifEntry
	rewrite           *addrRewrite
}

// NewInstruction builds a synthetic instruction. ops and memAddrs must
// agree: memAddrs[i] is the effective address of the i-th operand in
// ops with Kind == host.OperandMem, in order.
func NewInstruction(addr host.Addr, raw []byte, fallThrough host.Addr, hasFall bool, ops []host.Operand, memAddrs []host.Addr) *Instruction {
	return &Instruction{
		addr: addr, bytes: raw, fallThrough: fallThrough, hasFall: hasFall,
		ops: ops, memAddrs: append([]host.Addr(nil), memAddrs...),
	}
}

func (ins *Instruction) Address() host.Addr     { return ins.addr }
func (ins *Instruction) SizeBytes() int         { return len(ins.bytes) }
func (ins *Instruction) HasFallThrough() bool   { return ins.hasFall }
func (ins *Instruction) FallThrough() host.Addr { return ins.fallThrough }

func (ins *Instruction) Bytes() []byte {
	b := make([]byte, len(ins.bytes))
	copy(b, ins.bytes)
	return b
}

func (ins *Instruction) Operands() []host.Operand {
	out := make([]host.Operand, len(ins.ops))
	copy(out, ins.ops)
	return out
}

// InsertCall records an unconditional callback, keeping the per-point
// list sorted by order so lower-order callbacks run first.
func (ins *Instruction) InsertCall(point host.Point, order int, cb host.CallbackFunc) {
	entry := callEntry{order: order, cb: cb}
	if point == host.Before {
		ins.before = append(ins.before, entry)
		sortCalls(ins.before)
		return
	}
	ins.after = append(ins.after, entry)
	sortCalls(ins.after)
}

func (ins *Instruction) InsertIfCall(point host.Point, ifCb host.PredicateFunc, thenCb host.CallbackFunc) {
	entry := ifEntry{ifCb: ifCb, thenCb: thenCb}
	if point == host.Before {
		ins.beforeIf = append(ins.beforeIf, entry)
		return
	}
	ins.afterIf = append(ins.afterIf, entry)
}

// InsertAddrRewrite records the operand rewrite; Run invokes it last
// among every pre-instruction attachment, matching IARG_CALL_ORDER_LAST.
func (ins *Instruction) InsertAddrRewrite(operandIdx int, scratch host.RegID, fn host.AddrRewriteFunc) {
	ins.rewrite = &addrRewrite{operandIdx: operandIdx, scratch: scratch, fn: fn}
}

func sortCalls(entries []callEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
}

// Context adapts a Machine and the instruction currently executing into
// host.Context, including MemOpAddr for the memory operands that
// instruction statically declares.
type Context struct {
	m   *Machine
	ins *Instruction
}

func (c *Context) IP() host.Addr                  { return c.m.pc }
func (c *Context) SetIP(a host.Addr)               { c.m.pc = a }
func (c *Context) ReadReg(r host.RegID) uint64     { return c.m.ReadReg(r) }
func (c *Context) WriteReg(r host.RegID, v uint64) { c.m.WriteReg(r, v) }

func (c *Context) MemOpAddr(memOpIdx int) host.Addr {
	if memOpIdx < 0 || memOpIdx >= len(c.ins.memAddrs) {
		return 0
	}
	return c.ins.memAddrs[memOpIdx]
}

// Image resolves function names to address ranges the way a real DBI
// host resolves symbols against a loaded module's symbol table.
type Image struct {
	funcs map[string][2]host.Addr
}

// NewImage returns an empty Image.
func NewImage() *Image { return &Image{funcs: make(map[string][2]host.Addr)} }

// Define registers a function's [low, high) address range.
func (img *Image) Define(name string, low, high host.Addr) {
	img.funcs[name] = [2]host.Addr{low, high}
}

func (img *Image) FindFunc(name string) (low, high host.Addr, ok bool) {
	r, ok := img.funcs[name]
	if !ok {
		return 0, 0, false
	}
	return r[0], r[1], true
}
