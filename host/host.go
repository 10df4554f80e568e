// Package host declares the contract the fault-injection engine consumes
// from its dynamic binary instrumentation (DBI) host. Nothing in this
// package is implemented here: it is the boundary between the engine (the
// packages under counters/, trigger/, monitor/, inject/, find/, plan/,
// session/) and whatever DBI framework attaches the tool to a live target.
//
// A reference implementation for tests and demos lives in package simhost.
package host

// Addr is a target-process virtual address.
type Addr uint64

// ThreadID identifies a target-process thread the way the host numbers
// them — not an OS thread id, just a small dense index starting at 0.
type ThreadID uint32

// RegID identifies a register in the host's register namespace, including
// scratch registers claimed via Host.ClaimScratchRegister.
type RegID int

// Point is an instruction-relative instrumentation insertion point.
type Point int

const (
	// Before fires before the instruction executes.
	Before Point = iota
	// After fires once the instruction has executed (only valid for
	// instructions with a fall-through).
	After
)

// OperandKind distinguishes register and memory operands.
type OperandKind int

const (
	// OperandReg is a register operand.
	OperandReg OperandKind = iota
	// OperandMem is a memory operand.
	OperandMem
)

// Operand describes one operand of an instrumented instruction.
type Operand struct {
	Kind OperandKind

	// Reg is the operand's register, valid when Kind == OperandReg, or
	// the base register of a memory operand when Kind == OperandMem.
	Reg RegID

	// Read and Write report the operand's access direction; both may be
	// true (read-modify-write).
	Read, Write bool

	// SizeBytes is the operand's width in bytes.
	SizeBytes int
}

// Context is a snapshot of architectural state handed to a then-callback,
// mutable in place; resuming execution at a Context applies every pending
// mutation atomically from the target's point of view.
type Context interface {
	// IP returns the context's current instruction pointer.
	IP() Addr
	// SetIP rewrites the context's instruction pointer.
	SetIP(Addr)
	// ReadReg reads a register's full-width value from the context.
	ReadReg(RegID) uint64
	// WriteReg writes a register's full-width value into the context.
	WriteReg(RegID, uint64)
	// MemOpAddr returns the effective address of the instruction's
	// memOpIdx'th memory operand for this particular execution (the
	// host's equivalent of Pin's IARG_MEMORYOP_EA).
	MemOpAddr(memOpIdx int) Addr
}

// PredicateFunc is a C2 trigger predicate: cheap, side-effect-free, called
// on every eligible instruction execution. thread is the executing
// thread; ip is the instruction's address.
type PredicateFunc func(thread ThreadID, ip Addr) bool

// CallbackFunc is a then-callback or an unconditional instrumentation
// callback. ctx is nil for callbacks that did not request context access.
type CallbackFunc func(thread ThreadID, ip Addr, ctx Context)

// AddrRewriteFunc computes a rewritten effective address for an
// operand-rewrite callback (RADDR/WADDR); it returns the address the
// scratch register should hold for this execution.
type AddrRewriteFunc func(thread ThreadID, ip Addr, effective Addr) Addr

// Instruction is a single instrumented instruction, presented to the
// planner exactly once (the first time the host observes it).
type Instruction interface {
	// Address is the instruction's address.
	Address() Addr
	// SizeBytes is the instruction's encoded length, 1-8 for the ISA this
	// tool targets (TXT requires size <= 8).
	SizeBytes() int
	// Bytes returns a copy of the instruction's raw encoding.
	Bytes() []byte
	// HasFallThrough reports whether the instruction has a straight-line
	// successor (false for unconditional control-flow transfers).
	HasFallThrough() bool
	// FallThrough returns the fall-through address; only meaningful when
	// HasFallThrough is true.
	FallThrough() Addr
	// Operands enumerates the instruction's operands in host-assigned
	// order.
	Operands() []Operand

	// InsertCall attaches an unconditional callback at the given point.
	// order controls relative ordering among callbacks attached to the
	// same point on the same instruction (lower runs first); it exists so
	// ADDR's operand-rewrite callback can be pinned to run last.
	InsertCall(point Point, order int, cb CallbackFunc)

	// InsertIfCall attaches a conditional (if/then) callback pair at the
	// given point: ifCb gates whether thenCb runs.
	InsertIfCall(point Point, ifCb PredicateFunc, thenCb CallbackFunc)

	// InsertAddrRewrite rewrites the memory operand at operandIdx so its
	// effective address is read from scratch at execution time, and
	// registers fn to compute that address on every execution
	// (unconditionally; fn itself implements any gating).
	InsertAddrRewrite(operandIdx int, scratch RegID, fn AddrRewriteFunc)
}

// Image is a loaded module, used to resolve monitored function names to
// address ranges.
type Image interface {
	// FindFunc resolves a function name to its [low, high) address range.
	// ok is false if the image has no such symbol.
	FindFunc(name string) (low, high Addr, ok bool)
}

// SourceLocation is the result of a symbol/line lookup.
type SourceLocation struct {
	File string
	Line int
	// Known is false when the host could not symbolize the address
	// (TransientHostError, spec §7) — callers degrade to "unknown".
	Known bool
}

// Host is the subset of the DBI host's API the engine depends on.
type Host interface {
	// OnNewInstruction registers fn to run once for every instruction the
	// first time the host encounters it.
	OnNewInstruction(fn func(Instruction))
	// OnImageLoad registers fn to run once per loaded image.
	OnImageLoad(fn func(Image))
	// OnFunctionEnter/OnFunctionLeave register entry/exit callbacks for a
	// resolved function range, used by the function monitor.
	OnFunctionEnter(low, high Addr, fn func(thread ThreadID))
	OnFunctionLeave(low, high Addr, fn func(thread ThreadID))

	// ClaimScratchRegister allocates a tool-private register, growing the
	// host's scratch pool on demand. Returns an error (ResourceError) if
	// the host has exhausted its supply.
	ClaimScratchRegister() (RegID, error)

	// AllocExecutableBuffer returns a region of at least size bytes that
	// is writable now and can be made executable via
	// FinalizeExecutableBuffer; it backs TXT's text_buffer (spec §9).
	AllocExecutableBuffer(size int) ([]byte, error)
	// FinalizeExecutableBuffer flips a previously allocated buffer from
	// writable to executable.
	FinalizeExecutableBuffer(buf []byte) error

	// SourceLocation resolves ip to a file/line, taking the host's
	// client-side lock only for the duration of the lookup (spec §5).
	SourceLocation(ip Addr) SourceLocation

	// RegName returns a symbolic name for reg, for logging only (the
	// host's equivalent of Pin's REG_StringShort).
	RegName(reg RegID) string

	// ReadWord/WriteWord access an 8-byte word in the target's address
	// space directly. A DBI tool shares the target's address space (this
	// is how Pin's VAL injectors work: a plain *(uint64_t*)addr
	// dereference), so these are simple reads/writes, not a separate
	// memory subsystem.
	ReadWord(addr Addr) uint64
	WriteWord(addr Addr, value uint64)

	// Trampoline returns the scratch register conventionally reserved for
	// a saved tail-call target on the target ABI and the fixed machine
	// code (an indirect jump through that register) TXT appends after a
	// copied instruction, per §9's trampoline note.
	Trampoline() (RegID, []byte)

	// Detach requests the host detach from the target. Instruction
	// callbacks cease after detach; counters freeze.
	Detach()
	// Exit terminates the target process with the given status.
	Exit(code int)
}
