// Package find implements C5: the read-only Finder. FIND never mutates
// state.Injected and never injects a fault; it only locates and reports
// occurrences of a condition, grounded on
// original_source/bfi/bfi.cpp's instrument_find/found_ip.
//
// Two sub-modes (spec §4.3 FIND): a counter-threshold terminating mode,
// used when a trigger value is configured (the same twelve predicates
// trigger.New builds for C2), which reports the first match and stops
// the target; and a non-terminating address-scan mode, used when no
// trigger is configured but a target instruction address is, which
// reports every execution of that address without ever stopping the
// target.
package find

import (
	"fmt"

	"github.com/sarchlab/bfi/counters"
	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/session"
)

// Operands summarizes a found instruction's operand shape, computed once
// at planning time the way instrument_find counts rregs/wregs/raddr/waddr
// ahead of attaching any callback.
type Operands struct {
	RAddr, WAddr, RReg, WReg uint32
}

// CountOperands derives Operands for ins: rreg/wreg count register
// operands by access direction, raddr counts readable memory operands,
// waddr counts writable memory operands but only when ins has a
// fall-through (matching instrument_find's own waddr gate).
func CountOperands(ins host.Instruction) Operands {
	var o Operands
	for _, op := range ins.Operands() {
		if op.Kind == host.OperandReg {
			if op.Read {
				o.RReg++
			}
			if op.Write {
				o.WReg++
			}
			continue
		}
		if op.Read {
			o.RAddr++
		}
		if op.Write && ins.HasFallThrough() {
			o.WAddr++
		}
	}
	return o
}

// ScanPredicate builds the address-scan mode's if/then predicate: every
// execution of tip on target, independent of any counter (spec §4.3
// FIND's non-terminating sub-mode). Planning-time validation rejects
// tip == 0 before this is ever called.
func ScanPredicate(tip host.Addr, target host.ThreadID) host.PredicateFunc {
	return func(thread host.ThreadID, ip host.Addr) bool {
		return thread == target && ip == tip
	}
}

// Finder reports matches found by either sub-mode.
type Finder struct {
	rep *session.Reporter
	h   host.Host
}

// New returns a Finder that logs through rep and exits through h.
func New(rep *session.Reporter, h host.Host) *Finder {
	return &Finder{rep: rep, h: h}
}

// Found logs one match and, when terminate is true, flushes the log
// destination and exits the target cleanly (status 0) — the terminating
// sub-mode's entire job is to report the first match and stop (spec §4.3
// FIND). The non-terminating sub-mode calls this with terminate == false
// on every execution of tip and never exits.
func (f *Finder) Found(terminate bool, thread host.ThreadID, ip host.Addr, c *counters.Counters, ops Operands) {
	site := f.h.SourceLocation(ip)
	f.rep.LogEvent(site, ip, thread, session.SnapshotFrom(c), fmt.Sprintf(
		"raddr = %d, waddr = %d, rreg = %d, wreg = %d",
		ops.RAddr, ops.WAddr, ops.RReg, ops.WReg))

	if terminate {
		_ = f.rep.Flush()
		f.h.Exit(0)
	}
}
