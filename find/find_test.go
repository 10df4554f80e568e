package find_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bfi/counters"
	"github.com/sarchlab/bfi/find"
	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/session"
	"github.com/sarchlab/bfi/simhost"
)

func TestFind(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Find Suite")
}

var _ = Describe("CountOperands", func() {
	It("tallies register operands by direction", func() {
		ins := simhost.NewInstruction(0x1000, []byte{0x90}, 0x1008, true, []host.Operand{
			{Kind: host.OperandReg, Read: true},
			{Kind: host.OperandReg, Write: true},
			{Kind: host.OperandReg, Read: true, Write: true},
		}, nil)

		ops := find.CountOperands(ins)
		Expect(ops.RReg).To(Equal(uint32(2)))
		Expect(ops.WReg).To(Equal(uint32(2)))
	})

	It("counts writable memory operands only when the instruction has a fall-through", func() {
		noFall := simhost.NewInstruction(0x1000, []byte{0x90}, 0, false, []host.Operand{
			{Kind: host.OperandMem, Write: true},
		}, []host.Addr{0x2000})

		ops := find.CountOperands(noFall)
		Expect(ops.WAddr).To(Equal(uint32(0)))
		Expect(ops.RAddr).To(Equal(uint32(0)))
	})

	It("counts readable memory operands regardless of fall-through", func() {
		noFall := simhost.NewInstruction(0x1000, []byte{0x90}, 0, false, []host.Operand{
			{Kind: host.OperandMem, Read: true},
		}, []host.Addr{0x2000})

		ops := find.CountOperands(noFall)
		Expect(ops.RAddr).To(Equal(uint32(1)))
	})
})

var _ = Describe("ScanPredicate", func() {
	It("matches only the target thread at the configured address", func() {
		pred := find.ScanPredicate(0x4000, 2)
		Expect(pred(2, 0x4000)).To(BeTrue())
		Expect(pred(2, 0x4001)).To(BeFalse())
		Expect(pred(1, 0x4000)).To(BeFalse())
	})
})

var _ = Describe("Finder", func() {
	It("logs without exiting in non-terminating mode", func() {
		path := filepath.Join(os.TempDir(), "bfi-find-nonterm.log")
		defer os.Remove(path)
		rep, err := session.NewReporter(path)
		Expect(err).NotTo(HaveOccurred())

		h := simhost.NewHost(0x1000, nil, simhost.NewImage(), nil)
		f := find.New(rep, h)

		f.Found(false, 0, 0x1000, counters.New(), find.Operands{RAddr: 1, WAddr: 2})
		Expect(rep.Close()).NotTo(HaveOccurred())

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("raddr = 1, waddr = 2"))
	})

	It("flushes and exits the host in terminating mode", func() {
		rep, err := session.NewReporter("NONE")
		Expect(err).NotTo(HaveOccurred())

		fh := &exitRecordingHost{Host: simhost.NewHost(0x1000, nil, simhost.NewImage(), nil)}
		f := find.New(rep, fh)

		f.Found(true, 0, 0x1000, counters.New(), find.Operands{})
		Expect(fh.exited).To(BeTrue())
		Expect(fh.code).To(Equal(0))
	})
})

type exitRecordingHost struct {
	*simhost.Host
	exited bool
	code   int
}

func (h *exitRecordingHost) Exit(code int) {
	h.exited = true
	h.code = code
}
