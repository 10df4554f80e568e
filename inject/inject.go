// Package inject implements C4: the five injector variants that mutate
// architectural state exactly once, preserving continued execution.
//
// Every injector shares the same precondition and ordering discipline
// (spec §4.4): current thread == target thread (already guaranteed by the
// trigger predicate that gates the call), state.TryInject() must win the
// one-shot race before any mutation happens, a requested detach is issued
// before the mutation takes effect, and injectors never retry — a failure
// to obtain a scratch register or map an operand is a session.ResourceError
// that terminates the tool (spec §4.4).
package inject

import (
	"fmt"
	"unsafe"

	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/session"
)

// detachIfRequested issues the host detach request between marking
// Injected and performing the mutation, per spec §4.4.
func detachIfRequested(h host.Host, detach bool) {
	if detach {
		h.Detach()
	}
}

// logSite looks up ip's source location and emits one event record.
func logSite(rep *session.Reporter, h host.Host, st *session.State, thread host.ThreadID, ip host.Addr, body string) {
	rep.LogEvent(h.SourceLocation(ip), ip, thread, session.SnapshotFrom(st.Counters), body)
}

// CF performs the control-flow injector (spec §4.3 CF): read the current
// IP from ctx, XOR it with mask, write it back. One-shot.
func CF(st *session.State, rep *session.Reporter, h host.Host, detach bool, thread host.ThreadID, ctx host.Context, mask uint64) {
	if !st.TryInject() {
		return
	}
	detachIfRequested(h, detach)

	ip := ctx.IP()
	aip := host.Addr(uint64(ip) ^ mask)
	ctx.SetIP(aip)

	logSite(rep, h, st, thread, ip, fmt.Sprintf("ip = 0x%x, ip' = 0x%x", uint64(ip), uint64(aip)))
}

// Reg performs the RREG/WREG injector (spec §4.3 RREG/WREG): read reg's
// full-width value from ctx, XOR with mask, write back.
func Reg(st *session.State, rep *session.Reporter, h host.Host, detach bool, thread host.ThreadID, ip host.Addr, ctx host.Context, reg host.RegID, mask uint64) {
	if !st.TryInject() {
		return
	}
	detachIfRequested(h, detach)

	name := h.RegName(reg)
	rv := ctx.ReadReg(reg)
	rvx := rv ^ mask
	ctx.WriteReg(reg, rvx)

	logSite(rep, h, st, thread, ip, fmt.Sprintf("at ip 0x%x, %s = 0x%x, %s' = 0x%x", uint64(ip), name, rv, name, rvx))
}

// Access distinguishes RVAL/RADDR (read-side) from WVAL/WADDR (write-side)
// injection, for logging (spec §4.3).
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

func (a Access) String() string {
	if a == AccessWrite {
		return "write"
	}
	return "read"
}

// Val performs the RVAL/WVAL injector (spec §4.3 RVAL/WVAL): XOR mask
// into the 64-bit word at addr.
func Val(st *session.State, rep *session.Reporter, h host.Host, detach bool, access Access, thread host.ThreadID, ip host.Addr, addr host.Addr, sizeBytes, opIdx int, mask uint64) {
	if !st.TryInject() {
		return
	}
	detachIfRequested(h, detach)

	correct := h.ReadWord(addr)
	errored := correct ^ mask
	h.WriteWord(addr, errored)

	logSite(rep, h, st, thread, ip, fmt.Sprintf(
		"access = %s, size = %d, value = %d, value' = %d, addr = 0x%x, op = %d",
		access, sizeBytes, correct, errored, uint64(addr), opIdx))
}

// AddrRewrite implements the unconditional, last-ordered pre-instruction
// callback of the RADDR/WADDR injector (spec §4.3 RADDR/WADDR step 2): it
// computes the corrupted effective address and returns it for the scratch
// register to hold, but only once the inline re-check of the trigger
// succeeds and state.TryInject wins the one-shot flag — otherwise it
// returns the original address unchanged (an identity rewrite). When the
// re-check fails it never consults or mutates state.Injected, and it
// never touches the counters: this callback runs on every execution of
// the instrumented instruction, not just the one that injects.
//
// reCheck re-implements the thread/counter/IP guard inline because the
// host's if/then mechanism cannot be combined with operand rewriting
// (spec §4.3, §9); the planner passes its trigger.New predicate here, and
// installs this callback only for ttype IN or IT.
func AddrRewrite(st *session.State, rep *session.Reporter, h host.Host, detach bool, access Access, reCheck func(thread host.ThreadID, ip host.Addr) bool, thread host.ThreadID, ip host.Addr, addr host.Addr, sizeBytes, opIdx int, mask uint64) host.Addr {
	if !reCheck(thread, ip) {
		return addr
	}
	if !st.TryInject() {
		return addr
	}
	detachIfRequested(h, detach)

	addrp := host.Addr(uint64(addr) ^ mask)

	logSite(rep, h, st, thread, ip, fmt.Sprintf(
		"access = %s, size = %d, addr = 0x%x, addr' = 0x%x, op = %d",
		access, sizeBytes, uint64(addr), uint64(addrp), opIdx))

	return addrp
}

// Breakpoint is RADDR/WADDR's purely informational post-instruction
// then-callback (spec §4.3 RADDR/WADDR step 4): it does not mutate
// anything, it exists only so an interactive debugger attached to the
// host can stop here.
func Breakpoint(host.Host, host.Context, host.ThreadID) {}

// Txt performs the TXT injector (spec §4.3 TXT): copies the victim
// instruction into the text scratch buffer, appends the trampoline,
// narrows the mask to the instruction size, selects and flips one byte,
// and redirects execution into the scratch buffer.
func Txt(st *session.State, rep *session.Reporter, h host.Host, detach bool, thread host.ThreadID, ctx host.Context, insBytes []byte, fallThrough host.Addr, sel int, seed uint64, mask uint64, trampolineReg host.RegID, buildTrampoline func(buf []byte, fallThrough host.Addr)) {
	if !st.TryInject() {
		return
	}
	detachIfRequested(h, detach)

	ip := ctx.IP()
	size := len(insBytes)

	buf, err := st.TextScratch(h)
	if err != nil {
		fatal(rep, h, "TXT: %v", err)
		return
	}
	copy(buf, insBytes)
	buildTrampoline(buf[size:], fallThrough)

	mp := mask
	if size < 8 {
		tmp := mask % (1 << uint(size))
		if tmp == 0 && mask != 0 {
			mp = 0x01
		} else {
			mp = tmp
		}
	}

	idx := st.SelectBySeed(sel, seed) % size
	if idx < 0 {
		idx += size
	}

	nbyte := buf[idx] ^ byte(mp)

	logSite(rep, h, st, thread, ip, fmt.Sprintf(
		"ip' = 0x%x, size = %d, mask = %d, idx = %d, byte = %d, byte' = %d",
		uint64(fallThrough), size, mp, idx, buf[idx], nbyte))

	buf[idx] = nbyte

	if err := h.FinalizeExecutableBuffer(buf); err != nil {
		fatal(rep, h, "TXT: %v", err)
		return
	}

	ctx.WriteReg(trampolineReg, uint64(fallThrough))
	// The tool shares the target's address space (as any real DBI tool
	// does), so the scratch buffer's own address is already a valid
	// instruction pointer; &buf[0] gives it directly.
	ctx.SetIP(host.Addr(uintptr(unsafe.Pointer(&buf[0]))))
}

// fatal reports a session.ResourceError to the log and terminates the
// target, matching the original's DIE()-terminates-the-process discipline
// for resource exhaustion (spec §7: ResourceError is fatal). Host
// callbacks have no error return path, so this is the only way a runtime
// resource failure can surface once injection is already underway.
func fatal(rep *session.Reporter, h host.Host, format string, args ...interface{}) {
	fmt.Fprintf(errWriter{rep}, "*** "+format+"\n", args...)
	h.Exit(1)
}

// errWriter adapts Reporter's destination for a one-off fatal message
// without going through the structured LogEvent record format.
type errWriter struct{ rep *session.Reporter }

func (w errWriter) Write(p []byte) (int, error) { return w.rep.RawWrite(p) }
