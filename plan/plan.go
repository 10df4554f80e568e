// Package plan implements C3: the per-instruction instrumentation
// planner. Plan validates a session.Config once at startup (spec §7's
// ConfigErrors) and returns a Planner whose Instrument method is
// registered with host.Host.OnNewInstruction — the counterpart of
// original_source/bfi/bfi.cpp's instrument_count plus exactly one of the
// instrument_<cmd> family, both of which ran on every newly observed
// instruction regardless of command.
package plan

import (
	"fmt"

	"github.com/sarchlab/bfi/counters"
	"github.com/sarchlab/bfi/find"
	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/inject"
	"github.com/sarchlab/bfi/session"
	"github.com/sarchlab/bfi/trigger"
)

// Planner dispatches one newly observed instruction to the counting and
// command-specific attachments its configuration calls for.
type Planner struct {
	cfg   *session.Config
	state *session.State
	rep   *session.Reporter
	h     host.Host

	pred trigger.Predicate

	// FIND only.
	finder      *find.Finder
	scan        host.PredicateFunc
	terminating bool

	// RADDR/WADDR only: ttype outside {IN, IT} silently disables the
	// command per spec §4.3's configuration-error table, rather than
	// reproducing the original's unconditional first-execution injection
	// for those trigger types.
	addrNoop bool
}

// Plan validates cfg and builds the trigger predicate shared by every
// command. trigger == 0 is fatal for every command except FIND's
// address-scan mode; ttype == IT without tip is fatal (trigger.New
// reports it); cmd == NONE needs no predicate at all.
func Plan(cfg *session.Config, st *session.State, rep *session.Reporter, h host.Host) (*Planner, error) {
	p := &Planner{cfg: cfg, state: st, rep: rep, h: h}

	switch cfg.Cmd {
	case session.CmdNone:
		return p, nil
	case session.CmdFind:
		if err := p.planFind(); err != nil {
			return nil, err
		}
		return p, nil
	}

	if cfg.Trigger == 0 {
		return nil, session.NewConfigError("no trigger set for cmd %s", cfg.Cmd)
	}
	pred, err := trigger.New(cfg.TType, cfg.TIP, cfg.Trigger, cfg.TargetThread)
	if err != nil {
		return nil, session.NewConfigError("%v", err)
	}
	p.pred = pred

	if cfg.Cmd == session.CmdRAddr || cfg.Cmd == session.CmdWAddr {
		if cfg.TType != trigger.IN && cfg.TType != trigger.IT {
			p.addrNoop = true
		}
	}

	return p, nil
}

func (p *Planner) planFind() error {
	p.finder = find.New(p.rep, p.h)

	if p.cfg.Trigger != 0 {
		pred, err := trigger.New(p.cfg.TType, p.cfg.TIP, p.cfg.Trigger, p.cfg.TargetThread)
		if err != nil {
			return session.NewConfigError("%v", err)
		}
		p.pred = pred
		p.terminating = true
		return nil
	}

	if p.cfg.TIP == 0 {
		return session.NewConfigError("FIND requires trigger != 0 or tip != 0")
	}
	p.scan = find.ScanPredicate(p.cfg.TIP, p.cfg.TargetThread)
	return nil
}

// ifGuard adapts the shared counter-threshold predicate to the plain
// thread/ip shape the host's if/then mechanism takes.
func (p *Planner) ifGuard() host.PredicateFunc {
	return func(thread host.ThreadID, ip host.Addr) bool {
		return p.pred(thread, ip, p.state.Counters)
	}
}

// Instrument attaches C1's counters and exactly one command-specific
// routine to ins. Counting always runs, independent of cmd, matching
// instrument_count's unconditional registration in the original.
func (p *Planner) Instrument(ins host.Instruction) {
	counters.Attach(ins, p.cfg.TargetThread, p.cfg.TIP, p.cfg.TType.Field(), p.state.Monitor.Enabled, p.state.Counters)

	switch p.cfg.Cmd {
	case session.CmdNone:
	case session.CmdFind:
		p.instrumentFind(ins)
	case session.CmdCF:
		p.instrumentCF(ins)
	case session.CmdTxt:
		p.instrumentTxt(ins)
	case session.CmdRVal:
		p.instrumentVal(ins, inject.AccessRead)
	case session.CmdWVal:
		p.instrumentVal(ins, inject.AccessWrite)
	case session.CmdRAddr:
		p.instrumentAddr(ins, inject.AccessRead)
	case session.CmdWAddr:
		p.instrumentAddr(ins, inject.AccessWrite)
	case session.CmdRReg:
		p.instrumentRReg(ins)
	case session.CmdWReg:
		p.instrumentWReg(ins)
	}
}

func (p *Planner) instrumentFind(ins host.Instruction) {
	ops := find.CountOperands(ins)

	if p.terminating {
		ins.InsertIfCall(host.Before, p.ifGuard(), func(thread host.ThreadID, ip host.Addr, _ host.Context) {
			p.finder.Found(true, thread, ip, p.state.Counters, ops)
		})
		return
	}

	ins.InsertIfCall(host.Before, p.scan, func(thread host.ThreadID, ip host.Addr, _ host.Context) {
		p.finder.Found(false, thread, ip, p.state.Counters, ops)
	})
}

func (p *Planner) instrumentCF(ins host.Instruction) {
	ins.InsertIfCall(host.Before, p.ifGuard(), func(thread host.ThreadID, _ host.Addr, ctx host.Context) {
		inject.CF(p.state, p.rep, p.h, p.cfg.Detach, thread, ctx, p.cfg.Mask)
	})
}

func (p *Planner) instrumentTxt(ins host.Instruction) {
	reg, code := p.h.Trampoline()
	insBytes := ins.Bytes()
	fallThrough := ins.FallThrough()

	ins.InsertIfCall(host.Before, p.ifGuard(), func(thread host.ThreadID, _ host.Addr, ctx host.Context) {
		inject.Txt(p.state, p.rep, p.h, p.cfg.Detach, thread, ctx, insBytes, fallThrough,
			p.cfg.Sel, p.cfg.Seed, p.cfg.Mask, reg,
			func(buf []byte, _ host.Addr) { copy(buf, code) })
	})
}

// instrumentVal wires RVAL (read-side, before the instruction) or WVAL
// (write-side, after the instruction, requiring a fall-through), per
// spec §4.3 RVAL/WVAL. An instruction with zero eligible operands for
// this side is left uninstrumented (spec §7's NoCandidate).
func (p *Planner) instrumentVal(ins host.Instruction, access inject.Access) {
	read := access == inject.AccessRead
	if !read && !ins.HasFallThrough() {
		return
	}

	mem := memOperands(ins)
	idxs := eligibleMemOps(mem, read)
	if len(idxs) == 0 {
		return
	}

	sel := p.state.SelectBySeed(p.cfg.Sel, p.cfg.Seed) % len(idxs)
	memOpIdx := idxs[sel]
	sizeBytes := mem[memOpIdx].SizeBytes

	point := host.Before
	if !read {
		point = host.After
	}

	ins.InsertIfCall(point, p.ifGuard(), func(thread host.ThreadID, ip host.Addr, ctx host.Context) {
		addr := ctx.MemOpAddr(memOpIdx)
		inject.Val(p.state, p.rep, p.h, p.cfg.Detach, access, thread, ip, addr, sizeBytes, memOpIdx, p.cfg.Mask)
	})
}

// instrumentAddr wires RADDR/WADDR's operand-rewrite injector, per spec
// §4.3 RADDR/WADDR. Disabled entirely (spec's silent no-op) when the
// planner determined ttype is outside {IN, IT}, or when the instruction
// has no eligible operand for this side.
func (p *Planner) instrumentAddr(ins host.Instruction, access inject.Access) {
	if p.addrNoop {
		return
	}

	read := access == inject.AccessRead
	if !read && !ins.HasFallThrough() {
		return
	}

	mem := memOperands(ins)
	idxs := eligibleMemOps(mem, read)
	if len(idxs) == 0 {
		return
	}

	selIdx := p.state.SelectBySeed(p.cfg.Sel, p.cfg.Seed) % len(idxs)
	memOpIdx := idxs[selIdx]
	sizeBytes := mem[memOpIdx].SizeBytes

	scratch, err := p.state.ScratchReg(p.h, memOpIdx)
	if err != nil {
		p.fatalResource(ins, "claim scratch register: %v", err)
		return
	}

	reCheck := p.ifGuard()

	ins.InsertAddrRewrite(memOpIdx, scratch, func(thread host.ThreadID, ip host.Addr, effective host.Addr) host.Addr {
		return inject.AddrRewrite(p.state, p.rep, p.h, p.cfg.Detach, access, reCheck, thread, ip, effective, sizeBytes, memOpIdx, p.cfg.Mask)
	})

	ins.InsertIfCall(host.After, p.ifGuard(), func(thread host.ThreadID, _ host.Addr, ctx host.Context) {
		inject.Breakpoint(p.h, ctx, thread)
	})
}

func (p *Planner) instrumentRReg(ins host.Instruction) {
	regs := registerOperands(ins, true)
	if len(regs) == 0 {
		return
	}
	reg := regs[session.SelectFixed(p.cfg.Sel)%len(regs)]

	ins.InsertIfCall(host.Before, p.ifGuard(), func(thread host.ThreadID, ip host.Addr, ctx host.Context) {
		inject.Reg(p.state, p.rep, p.h, p.cfg.Detach, thread, ip, ctx, reg, p.cfg.Mask)
	})
}

func (p *Planner) instrumentWReg(ins host.Instruction) {
	if !ins.HasFallThrough() {
		return
	}
	regs := registerOperands(ins, false)
	if len(regs) == 0 {
		return
	}
	reg := regs[session.SelectFixed(p.cfg.Sel)%len(regs)]

	ins.InsertIfCall(host.After, p.ifGuard(), func(thread host.ThreadID, ip host.Addr, ctx host.Context) {
		inject.Reg(p.state, p.rep, p.h, p.cfg.Detach, thread, ip, ctx, reg, p.cfg.Mask)
	})
}

// fatalResource reports a ResourceError at ins's address and terminates
// the target, matching spec §7's "resource errors abort" policy.
func (p *Planner) fatalResource(ins host.Instruction, format string, args ...interface{}) {
	site := p.h.SourceLocation(ins.Address())
	file := "??"
	if site.Known {
		file = site.File
	}
	err := session.NewResourceError(file, site.Line, format, args...)
	fmt.Fprintf(errWriter{p.rep}, "*** %v\n", err)
	p.h.Exit(1)
}

type errWriter struct{ rep *session.Reporter }

func (w errWriter) Write(p []byte) (int, error) { return w.rep.RawWrite(p) }

// memOperands returns ins's operands restricted to memory operands, in
// host-assigned order — the same order the host's per-instruction
// memory-operand index (consumed by Context.MemOpAddr and
// Instruction.InsertAddrRewrite) counts over.
func memOperands(ins host.Instruction) []host.Operand {
	var mem []host.Operand
	for _, op := range ins.Operands() {
		if op.Kind == host.OperandMem {
			mem = append(mem, op)
		}
	}
	return mem
}

// eligibleMemOps returns the indices into mem (== memory-operand
// ordinals) that are read (read == true) or written (read == false).
func eligibleMemOps(mem []host.Operand, read bool) []int {
	var idxs []int
	for i, op := range mem {
		if read && op.Read {
			idxs = append(idxs, i)
		}
		if !read && op.Write {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// registerOperands returns the register operands of ins read (read ==
// true) or written (read == false), in host-assigned order.
func registerOperands(ins host.Instruction, read bool) []host.RegID {
	var regs []host.RegID
	for _, op := range ins.Operands() {
		if op.Kind != host.OperandReg {
			continue
		}
		if read && op.Read {
			regs = append(regs, op.Reg)
		}
		if !read && op.Write {
			regs = append(regs, op.Reg)
		}
	}
	return regs
}
