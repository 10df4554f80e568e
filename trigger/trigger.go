// Package trigger implements C2: the trigger predicate that decides when
// the injection window opens.
package trigger

import (
	"fmt"

	"github.com/sarchlab/bfi/counters"
	"github.com/sarchlab/bfi/host"
)

// Type is the counter the trigger threshold is compared against.
type Type int

const (
	// IN triggers on the instruction-retired counter.
	IN Type = iota
	// RA triggers on the memory-read counter.
	RA
	// WA triggers on the memory-write counter.
	WA
	// RR triggers on the register-read counter.
	RR
	// WR triggers on the register-write counter.
	WR
	// IT triggers on the target-address counter; requires tip != 0.
	IT
)

// String renders a Type the way the CLI and the reporter spell it.
func (t Type) String() string {
	switch t {
	case IN:
		return "IN"
	case RA:
		return "RA"
	case WA:
		return "WA"
	case RR:
		return "RR"
	case WR:
		return "WR"
	case IT:
		return "IT"
	default:
		return "?"
	}
}

// ParseType parses the CLI spelling of a trigger type.
func ParseType(s string) (Type, error) {
	switch s {
	case "IN":
		return IN, nil
	case "RA":
		return RA, nil
	case "WA":
		return WA, nil
	case "RR":
		return RR, nil
	case "WR":
		return WR, nil
	case "IT":
		return IT, nil
	}
	return 0, fmt.Errorf("unknown trigger type %q", s)
}

// Field maps a trigger Type to the counters.FieldID it reads.
func (t Type) Field() counters.FieldID {
	switch t {
	case IN:
		return counters.FieldInstr
	case RA:
		return counters.FieldRAddr
	case WA:
		return counters.FieldWAddr
	case RR:
		return counters.FieldRReg
	case WR:
		return counters.FieldWReg
	case IT:
		return counters.FieldIter
	}
	return counters.FieldInstr
}

// Predicate is C2's cheap, side-effect-free trigger predicate, gated on
// thread identity first as spec §4.2 requires.
type Predicate func(thread host.ThreadID, ip host.Addr, c *counters.Counters) bool

// New builds the predicate selected by ttype/tip/trigger/target, per
// spec §4.2: twelve pure predicates total (six trigger types, with or
// without a target instruction address). Returns a ConfigError-shaped
// error if ttype == IT and tip == 0 (the IT-without-tip combination is
// disallowed at planning time, never at runtime).
func New(ttype Type, tip host.Addr, triggerValue uint64, target host.ThreadID) (Predicate, error) {
	if ttype == IT && tip == 0 {
		return nil, fmt.Errorf("trigger type IT requires a target instruction address (tip)")
	}

	field := ttype.Field()

	if tip == 0 {
		return func(thread host.ThreadID, _ host.Addr, c *counters.Counters) bool {
			if thread != target {
				return false
			}
			return triggerValue <= c.Value(field)
		}, nil
	}

	return func(thread host.ThreadID, ip host.Addr, c *counters.Counters) bool {
		if thread != target {
			return false
		}
		return ip == tip && triggerValue <= c.Value(field)
	}, nil
}
