// Package session owns the immutable Configuration and mutable Runtime
// State entities from spec §3, the final summary Reporter (C7), and the
// error taxonomy (§7).
package session

import (
	"fmt"

	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/trigger"
)

// Command selects which of the ten commands (§3) the tool executes.
type Command int

// The ten commands from spec §3's Configuration entity.
const (
	CmdNone Command = iota
	CmdCF
	CmdRVal
	CmdWVal
	CmdRAddr
	CmdWAddr
	CmdRReg
	CmdWReg
	CmdTxt
	CmdFind
)

// String renders a Command the way the CLI and the reporter spell it.
func (c Command) String() string {
	switch c {
	case CmdNone:
		return "NONE"
	case CmdCF:
		return "CF"
	case CmdRVal:
		return "RVAL"
	case CmdWVal:
		return "WVAL"
	case CmdRAddr:
		return "RADDR"
	case CmdWAddr:
		return "WADDR"
	case CmdRReg:
		return "RREG"
	case CmdWReg:
		return "WREG"
	case CmdTxt:
		return "TXT"
	case CmdFind:
		return "FIND"
	default:
		return "?"
	}
}

// ParseCommand parses the CLI spelling of a Command.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "NONE":
		return CmdNone, nil
	case "CF":
		return CmdCF, nil
	case "RVAL":
		return CmdRVal, nil
	case "WVAL":
		return CmdWVal, nil
	case "RADDR":
		return CmdRAddr, nil
	case "WADDR":
		return CmdWAddr, nil
	case "RREG":
		return CmdRReg, nil
	case "WREG":
		return CmdWReg, nil
	case "TXT":
		return CmdTxt, nil
	case "FIND":
		return CmdFind, nil
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// Config is the immutable Configuration entity from spec §3. Build one
// with NewConfig and functional Options; it is never mutated afterward.
type Config struct {
	Cmd          Command
	TType        trigger.Type
	Trigger      uint64
	TIP          host.Addr
	Mask         uint64
	Seed         uint64
	ISeed        uint64 // seed as originally configured, for reporting (see SPEC_FULL.md)
	Sel          int
	TargetThread host.ThreadID
	Detach       bool
	Funcs        []string
	LogPath      string // "" or "NONE" selects stderr
}

// Option configures a Config at construction time.
type Option func(*Config)

// WithTType sets the trigger counter type. Default IN.
func WithTType(t trigger.Type) Option { return func(c *Config) { c.TType = t } }

// WithTrigger sets the threshold. Default 0 (unset).
func WithTrigger(v uint64) Option { return func(c *Config) { c.Trigger = v } }

// WithTIP sets the target instruction address. Default 0 ("any address").
func WithTIP(a host.Addr) Option { return func(c *Config) { c.TIP = a } }

// WithMask sets the XOR mask. Default 1.
func WithMask(m uint64) Option { return func(c *Config) { c.Mask = m } }

// WithSeed sets the PRNG seed. Default 0xDEADBEEF.
func WithSeed(s uint64) Option { return func(c *Config) { c.Seed = s } }

// WithSel pins the operand/register selection index, overriding Seed.
// Default -1 (disabled).
func WithSel(s int) Option { return func(c *Config) { c.Sel = s } }

// WithTargetThread sets the only thread whose instructions are eligible.
// Default 0.
func WithTargetThread(t host.ThreadID) Option { return func(c *Config) { c.TargetThread = t } }

// WithDetach requests host detach after the one injection completes.
func WithDetach(d bool) Option { return func(c *Config) { c.Detach = d } }

// WithFuncs sets the function-monitor activation window.
func WithFuncs(names []string) Option {
	return func(c *Config) { c.Funcs = append([]string(nil), names...) }
}

// WithLogPath sets the output file path; "" or "NONE" selects stderr.
func WithLogPath(p string) Option { return func(c *Config) { c.LogPath = p } }

// NewConfig builds a Config for cmd with the spec §6 defaults, then
// applies opts.
func NewConfig(cmd Command, opts ...Option) *Config {
	cfg := &Config{
		Cmd:          cmd,
		TType:        trigger.IN,
		Sel:          -1,
		Seed:         0xDEADBEEF,
		Mask:         0x01,
		TargetThread: 0,
		LogPath:      "NONE",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.ISeed = cfg.Seed
	return cfg
}
