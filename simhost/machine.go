// Package simhost is a reference host.Host implementation over a tiny
// synthetic instruction stream — not a real disassembler, just enough
// operand/register/memory shape to drive every command the engine
// supports. It exists for tests and for cmd/bfi's self-test mode, since
// the real DBI host is an external collaborator this module does not
// ship.
package simhost

import "github.com/sarchlab/bfi/host"

// Machine holds the architectural state simhost mutates: a flat
// register file and a sparse word-addressed memory, the same shape as
// a register-indexed-array-plus-map register/memory pair.
type Machine struct {
	regs [64]uint64
	mem  map[host.Addr]uint64
	pc   host.Addr
}

// NewMachine returns a zeroed Machine with PC at entry.
func NewMachine(entry host.Addr) *Machine {
	return &Machine{mem: make(map[host.Addr]uint64), pc: entry}
}

// ReadReg reads a register's full-width value. Scratch registers claimed
// at runtime live inside the fixed file; indices outside it always read
// as zero.
func (m *Machine) ReadReg(reg host.RegID) uint64 {
	if reg < 0 || int(reg) >= len(m.regs) {
		return 0
	}
	return m.regs[reg]
}

// WriteReg writes a register's full-width value; writes to indices
// outside the fixed file are dropped.
func (m *Machine) WriteReg(reg host.RegID, value uint64) {
	if reg < 0 || int(reg) >= len(m.regs) {
		return
	}
	m.regs[reg] = value
}

// ReadWord reads an 8-byte word from memory; unmapped addresses read
// as zero, matching a freshly mapped zero page.
func (m *Machine) ReadWord(addr host.Addr) uint64 {
	return m.mem[addr]
}

// WriteWord writes an 8-byte word to memory.
func (m *Machine) WriteWord(addr host.Addr, value uint64) {
	m.mem[addr] = value
}
