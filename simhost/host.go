package simhost

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/bfi/host"
)

// trampolineReg is the scratch register simhost nominates for TXT's
// indirect-jump trampoline, standing in for the callee-saved register
// (R13 on the reference ABI) the real host would dedicate to this.
const trampolineReg host.RegID = 13

const firstScratchReg host.RegID = 40

type funcRange struct {
	low, high    host.Addr
	onEnter      func(host.ThreadID)
	onLeave      func(host.ThreadID)
}

// Host is a reference host.Host over a fixed, address-ordered
// instruction stream. It does not decode or execute real machine code:
// each step runs the callbacks a Planner attached, then advances the
// program counter to the instruction's fall-through (or wherever a
// callback redirected it).
type Host struct {
	machine *Machine
	program []*Instruction
	byAddr  map[host.Addr]*Instruction
	seen    map[host.Addr]bool

	image *Image
	sites map[host.Addr]host.SourceLocation

	onNewInstruction []func(host.Instruction)
	onImageLoad      []func(host.Image)
	funcRanges       []*funcRange

	nextScratch host.RegID

	execBuf []byte

	exited   bool
	exitCode int
	detached bool
}

// NewHost builds a Host over program (must be address-ordered) starting
// execution at entry, resolving symbols against image and source
// locations against sites.
func NewHost(entry host.Addr, program []*Instruction, image *Image, sites map[host.Addr]host.SourceLocation) *Host {
	byAddr := make(map[host.Addr]*Instruction, len(program))
	for _, ins := range program {
		byAddr[ins.addr] = ins
	}
	return &Host{
		machine:     NewMachine(entry),
		program:     program,
		byAddr:      byAddr,
		seen:        make(map[host.Addr]bool),
		image:       image,
		sites:       sites,
		nextScratch: firstScratchReg,
	}
}

func (h *Host) OnNewInstruction(fn func(host.Instruction)) {
	h.onNewInstruction = append(h.onNewInstruction, fn)
}

func (h *Host) OnImageLoad(fn func(host.Image)) {
	h.onImageLoad = append(h.onImageLoad, fn)
}

func (h *Host) OnFunctionEnter(low, high host.Addr, fn func(host.ThreadID)) {
	h.attachFuncRange(low, high, fn, nil)
}

func (h *Host) OnFunctionLeave(low, high host.Addr, fn func(host.ThreadID)) {
	h.attachFuncRange(low, high, nil, fn)
}

func (h *Host) attachFuncRange(low, high host.Addr, onEnter, onLeave func(host.ThreadID)) {
	for _, r := range h.funcRanges {
		if r.low == low && r.high == high {
			if onEnter != nil {
				r.onEnter = onEnter
			}
			if onLeave != nil {
				r.onLeave = onLeave
			}
			return
		}
	}
	h.funcRanges = append(h.funcRanges, &funcRange{low: low, high: high, onEnter: onEnter, onLeave: onLeave})
}

// ClaimScratchRegister hands out the next register in simhost's fixed
// register file, erroring once that file is exhausted (spec §7's
// ResourceError path).
func (h *Host) ClaimScratchRegister() (host.RegID, error) {
	if int(h.nextScratch) >= len(h.machine.regs) {
		return 0, fmt.Errorf("scratch register pool exhausted")
	}
	r := h.nextScratch
	h.nextScratch++
	return r, nil
}

// AllocExecutableBuffer maps a writable, not-yet-executable region the
// same way the domain's platform primitive does: anonymous, private,
// read-write.
func (h *Host) AllocExecutableBuffer(size int) ([]byte, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap text scratch buffer: %w", err)
	}
	h.execBuf = buf
	return buf, nil
}

// FinalizeExecutableBuffer flips buf from writable to executable.
func (h *Host) FinalizeExecutableBuffer(buf []byte) error {
	if err := unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("mprotect text scratch buffer executable: %w", err)
	}
	return nil
}

func (h *Host) SourceLocation(ip host.Addr) host.SourceLocation {
	if loc, ok := h.sites[ip]; ok {
		loc.Known = true
		return loc
	}
	return host.SourceLocation{Known: false}
}

func (h *Host) RegName(reg host.RegID) string {
	if reg == trampolineReg {
		return "r13"
	}
	return fmt.Sprintf("r%d", reg)
}

func (h *Host) ReadWord(addr host.Addr) uint64        { return h.machine.ReadWord(addr) }
func (h *Host) WriteWord(addr host.Addr, value uint64) { h.machine.WriteWord(addr, value) }

func (h *Host) Trampoline() (host.RegID, []byte) {
	// jmp *r13 (REX.B + FF /4 ModRM for an indirect jump through a
	// register that needs the B extension bit).
	return trampolineReg, []byte{0x41, 0xFF, 0xE5}
}

func (h *Host) Detach() { h.detached = true }

func (h *Host) Exit(code int) {
	h.exited = true
	h.exitCode = code
}

// RunResult reports how Run's walk over the program ended.
type RunResult struct {
	Exited   bool
	ExitCode int
	// Diverted is true if a callback (a CF or TXT injector, or any
	// other SetIP) redirected the program counter outside the known
	// instruction stream (TXT's scratch buffer, or an arbitrary CF
	// flip) — simhost cannot step synthetic bytes it never decoded, so
	// it stops there.
	Diverted bool
}

// Run walks the program from its entry address on the given thread,
// firing OnImageLoad once up front, OnNewInstruction the first time
// each instruction is reached, function enter/exit hooks at configured
// boundaries, and every attached callback in the fixed order spec §2
// describes: counters, then if/then, then — for ADDR commands — the
// unconditional operand rewrite last.
func (h *Host) Run(thread host.ThreadID) RunResult {
	for _, fn := range h.onImageLoad {
		fn(h.image)
	}

	for {
		if h.exited {
			return RunResult{Exited: true, ExitCode: h.exitCode}
		}

		ins, ok := h.byAddr[h.machine.pc]
		if !ok {
			return RunResult{Diverted: true}
		}

		if !h.seen[ins.addr] {
			h.seen[ins.addr] = true
			for _, fn := range h.onNewInstruction {
				fn(ins)
			}
		}

		h.fireFuncBoundaries(ins.addr, thread)

		if !h.detached {
			ctx := &Context{m: h.machine, ins: ins}
			h.runBefore(ins, thread, ctx)
		}

		next := ins.fallThrough
		if !ins.hasFall {
			return RunResult{}
		}
		if h.machine.pc == ins.addr {
			h.machine.pc = next
		}

		if !h.detached {
			ctx := &Context{m: h.machine, ins: ins}
			h.runAfter(ins, thread, ctx)
		}
	}
}

func (h *Host) runBefore(ins *Instruction, thread host.ThreadID, ctx *Context) {
	ip := ins.addr
	for _, e := range ins.before {
		e.cb(thread, ip, ctx)
	}
	for _, e := range ins.beforeIf {
		if e.ifCb(thread, ip) {
			e.thenCb(thread, ip, ctx)
		}
	}
	if ins.rewrite != nil {
		r := ins.rewrite
		current := host.Addr(0)
		if r.operandIdx >= 0 && r.operandIdx < len(ins.memAddrs) {
			current = ins.memAddrs[r.operandIdx]
		}
		effective := r.fn(thread, ip, current)
		h.machine.WriteReg(r.scratch, uint64(effective))
		if r.operandIdx >= 0 && r.operandIdx < len(ins.memAddrs) {
			ins.memAddrs[r.operandIdx] = effective
		}
	}
}

func (h *Host) runAfter(ins *Instruction, thread host.ThreadID, ctx *Context) {
	ip := ins.addr
	for _, e := range ins.after {
		e.cb(thread, ip, ctx)
	}
	for _, e := range ins.afterIf {
		if e.ifCb(thread, ip) {
			e.thenCb(thread, ip, ctx)
		}
	}
}

func (h *Host) fireFuncBoundaries(addr host.Addr, thread host.ThreadID) {
	for _, r := range h.funcRanges {
		if addr == r.low && r.onEnter != nil {
			r.onEnter(thread)
		}
		if addr == r.high && r.onLeave != nil {
			r.onLeave(thread)
		}
	}
}
