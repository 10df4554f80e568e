package session

import (
	"math/rand/v2"

	"github.com/sarchlab/bfi/counters"
	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/monitor"
)

// State is the mutable Runtime State entity from spec §3: a single
// process-wide tool-state object owned by the session, with a lifetime
// equal to the tool's attachment to the target (spec §9's "rearchitect as
// a single process-wide tool-state object" note).
type State struct {
	cfg *Config

	// Injected is the one-shot flag: false->true exactly once per
	// process (spec §3, §5). Not atomic: spec §5 explicitly permits a
	// non-atomic flag because only the designated target thread ever
	// calls TryInject.
	Injected bool

	Counters *counters.Counters
	Monitor  *monitor.Monitor

	// TextBuffer is TXT's 256-byte executable scratch region (spec §3).
	// Allocated lazily on first use via TextScratch.
	TextBuffer []byte

	scratchRegs []host.RegID
	rng         *rand.Rand
}

// NewState builds the runtime state for cfg.
func NewState(cfg *Config) *State {
	return &State{
		cfg:      cfg,
		Counters: counters.New(),
		Monitor:  monitor.New(cfg.Funcs, cfg.TargetThread),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// TryInject attempts the false->true transition of Injected. It returns
// true exactly once across the state's lifetime; every subsequent call
// (from any injector) returns false. Per spec §5, a non-atomic
// check-then-set is sufficient because only the target thread reaches
// this call.
func (s *State) TryInject() bool {
	if s.Injected {
		return false
	}
	s.Injected = true
	return true
}

// ScratchReg returns the scratch register for memory-operand ordinal
// ordinal, claiming new registers from h as needed (spec §3: "grown on
// demand and indexed by memory-operand ordinal"). The pool is never
// shrunk or reset between instructions (spec §9).
func (s *State) ScratchReg(h host.Host, ordinal int) (host.RegID, error) {
	for len(s.scratchRegs) <= ordinal {
		r, err := h.ClaimScratchRegister()
		if err != nil {
			return 0, err
		}
		s.scratchRegs = append(s.scratchRegs, r)
	}
	return s.scratchRegs[ordinal], nil
}

// TextScratch lazily allocates the 256-byte writable-then-executable
// region backing TXT's copied instruction and trampoline (spec §3, §9).
func (s *State) TextScratch(h host.Host) ([]byte, error) {
	if s.TextBuffer != nil {
		return s.TextBuffer, nil
	}
	buf, err := h.AllocExecutableBuffer(256)
	if err != nil {
		return nil, err
	}
	s.TextBuffer = buf
	return s.TextBuffer, nil
}

// SelectBySeed implements the sel/seed operand-selection rule shared by
// RVAL/WVAL/RADDR/WADDR's operand choice and TXT's byte index (spec
// §4.3): sel if >= 0, else 0 if seed == 0, else a draw from the
// seeded PRNG. The result is NOT yet reduced modulo count; callers do
// that themselves so the "mod size"/"mod eligible-operand-count" framing
// in spec.md stays visible at the call site.
func (s *State) SelectBySeed(sel int, seed uint64) int {
	if sel >= 0 {
		return sel
	}
	if seed == 0 {
		return 0
	}
	return int(s.rng.Uint64() & 0x7fffffff)
}

// SelectFixed implements RREG/WREG's register-selection rule (spec
// §4.3): sel if >= 0, else index 0 — unlike SelectBySeed, seed plays no
// role for register selection (matching original_source/bfi/bfi.cpp's
// instrument_rreg/instrument_wreg, which only ever consult sel).
func SelectFixed(sel int) int {
	if sel >= 0 {
		return sel
	}
	return 0
}
