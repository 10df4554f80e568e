// Package main provides the entry point for BFI.
// BFI is a binary fault-injection engine that attaches to a running
// target via a dynamic binary instrumentation host, counts execution
// events, locates a trigger point, and corrupts one piece of
// architectural state exactly once.
//
// No external DBI host ships with this module (it is a consumed
// collaborator, not something this module implements), so this binary
// drives the engine against simhost's synthetic instruction stream: a
// fixed, unrolled sequence of register and memory operations long
// enough to exercise every command and trigger type. It exists to
// demonstrate and smoke-test the engine end to end, not to attach to a
// real process.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/plan"
	"github.com/sarchlab/bfi/session"
	"github.com/sarchlab/bfi/simhost"
	"github.com/sarchlab/bfi/trigger"
)

// stringList collects repeated occurrences of a flag, the way a
// flag.Value-satisfying slice type lets `flag` support a repeatable
// option such as -m.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// hexUint64 is a flag.Value wrapping a uint64 that accepts decimal or
// 0x-prefixed hexadecimal input, for the numeric options (trigger, ip,
// mask, seed) spec §6 shows in both notations.
type hexUint64 struct{ v uint64 }

func (h *hexUint64) String() string { return strconv.FormatUint(h.v, 10) }
func (h *hexUint64) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	h.v = n
	return nil
}

func main() {
	var (
		logPath      = flag.String("log", "NONE", "output file path, or NONE for stderr")
		triggerFlag  = hexUint64{}
		ttypeFlag    = flag.String("ttype", "IN", "trigger counter: IN|RA|WA|RR|WR|IT")
		cmdFlag      = flag.String("cmd", "NONE", "command: NONE|CF|RVAL|WVAL|RADDR|WADDR|RREG|WREG|TXT|FIND")
		funcsFlag    stringList
		ipFlag       = hexUint64{}
		threadFlag   = flag.Uint("thread", 0, "worker thread id")
		detachFlag   = flag.Bool("detach", false, "detach from the host after injection")
		seedFlag     = hexUint64{v: 0xDEADBEEF}
		maskFlag     = hexUint64{v: 0x01}
		selFlag      = flag.Int("sel", -1, "pin operand/register selection index; negative disables")
		programSize  = flag.Int("program", 4096, "number of synthetic instructions to unroll")
	)
	flag.Var(&triggerFlag, "trigger", "threshold value")
	flag.Var(&ipFlag, "ip", "target instruction address")
	flag.Var(&seedFlag, "seed", "PRNG seed for operand/byte selection")
	flag.Var(&maskFlag, "mask", "bit-mask XORed into the victim bits")
	flag.Var(&funcsFlag, "m", "function name to monitor (repeatable)")
	flag.Parse()

	cmd, err := session.ParseCommand(strings.ToUpper(*cmdFlag))
	if err != nil {
		fail(err)
	}
	ttype, err := trigger.ParseType(strings.ToUpper(*ttypeFlag))
	if err != nil {
		fail(err)
	}

	cfg := session.NewConfig(cmd,
		session.WithTType(ttype),
		session.WithTrigger(triggerFlag.v),
		session.WithTIP(host.Addr(ipFlag.v)),
		session.WithMask(maskFlag.v),
		session.WithSeed(seedFlag.v),
		session.WithSel(*selFlag),
		session.WithTargetThread(host.ThreadID(*threadFlag)),
		session.WithDetach(*detachFlag),
		session.WithFuncs(funcsFlag),
		session.WithLogPath(*logPath),
	)

	rep, err := session.NewReporter(cfg.LogPath)
	if err != nil {
		fail(err)
	}

	state := session.NewState(cfg)
	h := buildDemoHost(*programSize)

	planner, err := plan.Plan(cfg, state, rep, h)
	if err != nil {
		fail(err)
	}

	h.OnImageLoad(func(img host.Image) { state.Monitor.Attach(h, img) })
	h.OnNewInstruction(planner.Instrument)

	result := h.Run(cfg.TargetThread)

	var funcs []session.FuncEntry
	for _, name := range cfg.Funcs {
		funcs = append(funcs, session.FuncEntry{Name: name, Count: state.Monitor.EntryCount(name)})
	}

	snap := session.SnapshotFrom(state.Counters)
	rep.Finish(snap, session.Summary{
		Trigger: cfg.Trigger,
		TType:   cfg.TType.String(),
		Command: cfg.Cmd.String(),
		Sel:     cfg.Sel,
		ISeed:   cfg.ISeed,
		Mask:    cfg.Mask,
		Thread:  cfg.TargetThread,
		Funcs:   funcs,
	})

	if result.Exited {
		os.Exit(result.ExitCode)
	}
	os.Exit(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "bfi: %v\n", err)
	os.Exit(1)
}

// buildDemoHost assembles simhost's synthetic program: a repeating
// four-instruction pattern (register read-modify-write, memory load,
// memory store, register read) unrolled count times, with a "work"
// function spanning the middle third so -m has something to latch
// onto. The final instruction has no fall-through, ending the run.
func buildDemoHost(count int) *simhost.Host {
	const stride = host.Addr(8)
	const entry = host.Addr(0x1000)

	program := make([]*simhost.Instruction, 0, count)
	sites := make(map[host.Addr]host.SourceLocation, count)

	addr := entry
	for i := 0; i < count; i++ {
		kind := i % 4
		fallThrough := addr + stride
		hasFall := i != count-1
		memAddr := host.Addr(0x9000 + uint64(i%256)*8)

		var ops []host.Operand
		var memAddrs []host.Addr
		switch kind {
		case 0:
			ops = []host.Operand{{Kind: host.OperandReg, Reg: 1, Read: true, Write: true, SizeBytes: 8}}
		case 1:
			ops = []host.Operand{
				{Kind: host.OperandReg, Reg: 2, Write: true, SizeBytes: 8},
				{Kind: host.OperandMem, Read: true, SizeBytes: 8},
			}
			memAddrs = []host.Addr{memAddr}
		case 2:
			ops = []host.Operand{
				{Kind: host.OperandReg, Reg: 2, Read: true, SizeBytes: 8},
				{Kind: host.OperandMem, Write: true, SizeBytes: 8},
			}
			memAddrs = []host.Addr{memAddr}
		case 3:
			ops = []host.Operand{{Kind: host.OperandReg, Reg: 3, Read: true, SizeBytes: 8}}
		}

		ins := simhost.NewInstruction(addr, []byte{0x48, 0x01, 0xC1, byte(kind)}, fallThrough, hasFall, ops, memAddrs)
		program = append(program, ins)
		sites[addr] = host.SourceLocation{File: "demo.s", Line: i + 1, Known: true}
		addr = fallThrough
	}

	image := simhost.NewImage()
	lo := program[count/3].Address()
	hi := program[2*count/3].Address()
	image.Define("work", lo, hi)

	return simhost.NewHost(entry, program, image, sites)
}
