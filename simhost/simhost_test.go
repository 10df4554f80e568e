package simhost_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/simhost"
)

func TestSimhost(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Simhost Suite")
}

var _ = Describe("Machine", func() {
	It("reads zero for an untouched register or memory word", func() {
		m := simhost.NewMachine(0x1000)
		Expect(m.ReadReg(3)).To(Equal(uint64(0)))
		Expect(m.ReadWord(0x9000)).To(Equal(uint64(0)))
	})

	It("round-trips a register and a memory word", func() {
		m := simhost.NewMachine(0x1000)
		m.WriteReg(5, 0xABCD)
		Expect(m.ReadReg(5)).To(Equal(uint64(0xABCD)))

		m.WriteWord(0x9000, 0xCAFE)
		Expect(m.ReadWord(0x9000)).To(Equal(uint64(0xCAFE)))
	})

	It("ignores out-of-range register indices instead of panicking", func() {
		m := simhost.NewMachine(0x1000)
		Expect(func() { m.WriteReg(-1, 1) }).NotTo(Panic())
		Expect(func() { m.WriteReg(999, 1) }).NotTo(Panic())
		Expect(m.ReadReg(999)).To(Equal(uint64(0)))
	})
})

var _ = Describe("Instruction", func() {
	It("returns an independent copy from Bytes", func() {
		ins := simhost.NewInstruction(0x1000, []byte{0x01, 0x02}, 0x1002, true, nil, nil)
		b := ins.Bytes()
		b[0] = 0xFF
		Expect(ins.Bytes()[0]).To(Equal(byte(0x01)))
	})

	It("runs InsertCall callbacks in ascending order regardless of attach order", func() {
		ins := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{
			ins, simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil),
		}, simhost.NewImage(), nil)

		var order []int
		ins.InsertCall(host.Before, 2, func(host.ThreadID, host.Addr, host.Context) { order = append(order, 2) })
		ins.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) { order = append(order, 0) })
		ins.InsertCall(host.Before, 1, func(host.ThreadID, host.Addr, host.Context) { order = append(order, 1) })

		h.Run(0)
		Expect(order).To(Equal([]int{0, 1, 2}))
	})

	It("gates InsertIfCall's then-callback on the if-predicate", func() {
		ins := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{
			ins, simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil),
		}, simhost.NewImage(), nil)

		var ran bool
		ins.InsertIfCall(host.Before, func(host.ThreadID, host.Addr) bool { return false },
			func(host.ThreadID, host.Addr, host.Context) { ran = true })
		h.Run(0)
		Expect(ran).To(BeFalse())
	})

	It("runs InsertAddrRewrite last, after every InsertCall and InsertIfCall", func() {
		ins := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true,
			[]host.Operand{{Kind: host.OperandMem, Read: true, SizeBytes: 8}}, []host.Addr{0x9000})
		h := simhost.NewHost(0x1000, []*simhost.Instruction{
			ins, simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil),
		}, simhost.NewImage(), nil)

		var order []string
		ins.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) { order = append(order, "call") })
		ins.InsertIfCall(host.Before, func(host.ThreadID, host.Addr) bool { return true },
			func(host.ThreadID, host.Addr, host.Context) { order = append(order, "ifcall") })
		reg, err := h.ClaimScratchRegister()
		Expect(err).NotTo(HaveOccurred())
		ins.InsertAddrRewrite(0, reg, func(host.ThreadID, host.Addr, host.Addr) host.Addr {
			order = append(order, "rewrite")
			return 0x9000
		})

		h.Run(0)
		Expect(order).To(Equal([]string{"call", "ifcall", "rewrite"}))
	})
})

var _ = Describe("Image", func() {
	It("resolves a defined function and reports unresolved names as not found", func() {
		img := simhost.NewImage()
		img.Define("work", 0x2000, 0x2010)

		low, high, ok := img.FindFunc("work")
		Expect(ok).To(BeTrue())
		Expect(low).To(Equal(host.Addr(0x2000)))
		Expect(high).To(Equal(host.Addr(0x2010)))

		_, _, ok = img.FindFunc("missing")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Host", func() {
	It("fires OnImageLoad exactly once even across a multi-instruction run", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		ins2 := simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2}, simhost.NewImage(), nil)

		var loads int
		h.OnImageLoad(func(host.Image) { loads++ })
		h.Run(0)
		Expect(loads).To(Equal(1))
	})

	It("fires OnNewInstruction only the first time an instruction is reached", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1000, true, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1}, simhost.NewImage(), nil)

		var seen int
		h.OnNewInstruction(func(host.Instruction) { seen++ })
		var hops int
		ins1.InsertCall(host.Before, 0, func(_ host.ThreadID, _ host.Addr, c host.Context) {
			hops++
			if hops >= 3 {
				c.SetIP(0x9999) // leave the known stream to end the loop
			}
		})
		h.Run(0)
		Expect(seen).To(Equal(1))
	})

	It("reports Diverted when a callback redirects the IP outside the known program", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		ins2 := simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2}, simhost.NewImage(), nil)

		ins1.InsertCall(host.Before, 0, func(_ host.ThreadID, _ host.Addr, c host.Context) {
			c.SetIP(0xDEAD)
		})
		result := h.Run(0)
		Expect(result.Diverted).To(BeTrue())
	})

	It("stops the run once Exit is called, reporting the exit code", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		ins2 := simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2}, simhost.NewImage(), nil)

		ins1.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) { h.Exit(7) })
		result := h.Run(0)
		Expect(result.Exited).To(BeTrue())
		Expect(result.ExitCode).To(Equal(7))
	})

	It("suppresses before/after callbacks on every instruction once detached", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, nil, nil)
		ins2 := simhost.NewInstruction(0x1008, []byte{0x90}, 0, false, nil, nil)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2}, simhost.NewImage(), nil)

		var secondFired bool
		ins1.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) { h.Detach() })
		ins2.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) { secondFired = true })

		h.Run(0)
		Expect(secondFired).To(BeFalse())
	})

	It("fires function enter/leave boundaries at their configured addresses", func() {
		ins1 := simhost.NewInstruction(0x1000, []byte{0x90}, 0x2000, true, nil, nil)
		ins2 := simhost.NewInstruction(0x2000, []byte{0x90}, 0x2010, true, nil, nil)
		ins3 := simhost.NewInstruction(0x2010, []byte{0x90}, 0, false, nil, nil)
		img := simhost.NewImage()
		img.Define("work", 0x2000, 0x2010)
		h := simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2, ins3}, img, nil)

		var entered, left bool
		h.OnFunctionEnter(0x2000, 0x2010, func(host.ThreadID) { entered = true })
		h.OnFunctionLeave(0x2000, 0x2010, func(host.ThreadID) { left = true })
		h.Run(0)

		Expect(entered).To(BeTrue())
		Expect(left).To(BeTrue())
	})

	It("claims scratch registers r40 through r63 of the register file and errors once exhausted", func() {
		h := simhost.NewHost(0x1000, nil, simhost.NewImage(), nil)
		var last host.RegID
		var err error
		for i := 0; i < 24; i++ {
			last, err = h.ClaimScratchRegister()
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(last).To(Equal(host.RegID(63)))

		_, err = h.ClaimScratchRegister()
		Expect(err).To(HaveOccurred())
	})

	It("maps and finalizes an executable buffer without error", func() {
		h := simhost.NewHost(0x1000, nil, simhost.NewImage(), nil)
		buf, err := h.AllocExecutableBuffer(64)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(buf)).To(BeNumerically(">=", 64))
		Expect(h.FinalizeExecutableBuffer(buf)).NotTo(HaveOccurred())
	})

	It("resolves a known source location and reports unknown ones", func() {
		sites := map[host.Addr]host.SourceLocation{0x1000: {File: "demo.s", Line: 3}}
		h := simhost.NewHost(0x1000, nil, simhost.NewImage(), sites)

		loc := h.SourceLocation(0x1000)
		Expect(loc.Known).To(BeTrue())
		Expect(loc.File).To(Equal("demo.s"))

		unknown := h.SourceLocation(0x2000)
		Expect(unknown.Known).To(BeFalse())
	})

	It("returns r13, below the scratch pool, as the trampoline register and non-empty code", func() {
		h := simhost.NewHost(0x1000, nil, simhost.NewImage(), nil)
		reg, code := h.Trampoline()
		Expect(reg).To(Equal(host.RegID(13)))
		Expect(len(code)).To(BeNumerically(">", 0))
	})
})
