// Package counters implements C1: the six monotone per-thread-filtered
// event tallies the trigger predicate and the final summary consult.
package counters

import "github.com/sarchlab/bfi/host"

// Counters holds the six tallies from spec §3. They are plain uint64
// fields, not atomics: spec §5 permits this as long as only the
// designated worker thread ever advances them, which Attach guarantees
// by wrapping every Advance* call it wires up in a thread ==
// target_thread check.
type Counters struct {
	Instr uint64 // instructions retired
	RAddr uint64 // memory-operand read occurrences
	WAddr uint64 // memory-operand write occurrences
	RReg  uint64 // register-operand read occurrences
	WReg  uint64 // register-operand write occurrences
	Iter  uint64 // occurrences of the target address (tip), if any
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

// AdvanceInstr advances the instruction tally by one.
func (c *Counters) AdvanceInstr() { c.Instr++ }

// AdvanceRAddr advances the memory-read tally by one per matching operand.
func (c *Counters) AdvanceRAddr() { c.RAddr++ }

// AdvanceWAddr advances the memory-write tally by one per matching operand.
func (c *Counters) AdvanceWAddr() { c.WAddr++ }

// AdvanceRReg advances the register-read tally by one per matching
// register.
func (c *Counters) AdvanceRReg() { c.RReg++ }

// AdvanceWReg advances the register-write tally by one per matching
// register.
func (c *Counters) AdvanceWReg() { c.WReg++ }

// AdvanceIter advances the target-address tally by one.
func (c *Counters) AdvanceIter() { c.Iter++ }

// FieldID names one of the six tallies, used to parameterize the trigger
// predicate and the gating logic in Attach without importing package
// trigger (which itself depends on this package).
type FieldID byte

// The six tallies; the byte values are distinct tags, not the CLI or
// reporter spellings.
const (
	FieldInstr FieldID = 'i'
	FieldRAddr FieldID = 'r'
	FieldWAddr FieldID = 'w'
	FieldRReg  FieldID = 'R'
	FieldWReg  FieldID = 'W'
	FieldIter  FieldID = 't'
)

// Value reads the tally named by which.
func (c *Counters) Value(which FieldID) uint64 {
	switch which {
	case FieldInstr:
		return c.Instr
	case FieldRAddr:
		return c.RAddr
	case FieldWAddr:
		return c.WAddr
	case FieldRReg:
		return c.RReg
	case FieldWReg:
		return c.WReg
	case FieldIter:
		return c.Iter
	}
	return 0
}

// Attach registers the C1 counting callbacks for a single newly observed
// instruction, per spec §4.1: instr is unconditional; raddr/waddr/rreg/wreg
// are attached only when active equals the matching field (the planner's
// active trigger type selects at most one of them, none for IN or IT);
// iter is attached only
// when tip != 0, regardless of active. enabled gates every tally behind
// the function monitor (spec §3's "while enabled is true"); pass a func
// that always returns true when no monitor is configured.
func Attach(ins host.Instruction, target host.ThreadID, tip host.Addr, active FieldID, enabled func() bool, c *Counters) {
	gate := func(thread host.ThreadID) bool {
		return thread == target && enabled()
	}

	ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
		if !gate(thread) {
			return
		}
		c.AdvanceInstr()
	})

	if active == FieldRAddr || active == FieldWAddr {
		for _, op := range ins.Operands() {
			if op.Kind != host.OperandMem {
				continue
			}
			if active == FieldRAddr && op.Read {
				ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
					if !gate(thread) {
						return
					}
					c.AdvanceRAddr()
				})
			}
			if active == FieldWAddr && op.Write {
				ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
					if !gate(thread) {
						return
					}
					c.AdvanceWAddr()
				})
			}
		}
	}

	if (active == FieldRReg || active == FieldWReg) && ins.HasFallThrough() {
		for _, op := range ins.Operands() {
			if op.Kind != host.OperandReg {
				continue
			}
			if active == FieldRReg && op.Read {
				ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
					if !gate(thread) {
						return
					}
					c.AdvanceRReg()
				})
			}
			if active == FieldWReg && op.Write {
				ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
					if !gate(thread) {
						return
					}
					c.AdvanceWReg()
				})
			}
		}
	}

	if tip != 0 && ins.Address() == tip {
		ins.InsertCall(host.Before, 0, func(thread host.ThreadID, _ host.Addr, _ host.Context) {
			if !gate(thread) {
				return
			}
			c.AdvanceIter()
		})
	}
}
