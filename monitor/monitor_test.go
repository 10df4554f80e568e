package monitor_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/bfi/host"
	"github.com/sarchlab/bfi/monitor"
	"github.com/sarchlab/bfi/simhost"
)

func TestMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Monitor Suite")
}

var _ = Describe("Monitor", func() {
	Context("with no configured functions", func() {
		It("is always enabled", func() {
			m := monitor.New(nil, 0)
			Expect(m.Configured()).To(BeFalse())
			Expect(m.Enabled()).To(BeTrue())
		})
	})

	Context("with configured functions", func() {
		var (
			m    *monitor.Monitor
			h    *simhost.Host
			img  *simhost.Image
			ins1 *simhost.Instruction
			ins2 *simhost.Instruction
			ins3 *simhost.Instruction
		)

		BeforeEach(func() {
			m = monitor.New([]string{"work"}, 0)
			img = simhost.NewImage()
			img.Define("work", 0x2000, 0x2010)
			ins1 = simhost.NewInstruction(0x1000, []byte{0x90}, 0x2000, true, nil, nil)
			ins2 = simhost.NewInstruction(0x2000, []byte{0x90}, 0x2010, true, nil, nil)
			ins3 = simhost.NewInstruction(0x2010, []byte{0x90}, 0, false, nil, nil)
			h = simhost.NewHost(0x1000, []*simhost.Instruction{ins1, ins2, ins3}, img, nil)
		})

		It("starts disabled", func() {
			Expect(m.Enabled()).To(BeFalse())
		})

		It("becomes enabled only inside the monitored span", func() {
			m.Attach(h, img)

			var enabledBefore, enabledInside bool
			// InsertCall callbacks fire after fireFuncBoundaries for the
			// same instruction, so they observe the post-transition state.
			ins1.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) {
				enabledBefore = m.Enabled()
			})
			ins2.InsertCall(host.Before, 0, func(host.ThreadID, host.Addr, host.Context) {
				enabledInside = m.Enabled()
			})

			h.Run(0)

			Expect(enabledBefore).To(BeFalse())
			Expect(enabledInside).To(BeTrue())
			Expect(m.EntryCount("work")).To(Equal(uint64(1)))
			Expect(m.Enabled()).To(BeFalse(), "leave at 0x2010 retires the span")
		})

		It("ignores function boundaries observed on a non-target thread", func() {
			m.Attach(h, img)
			h.Run(1)

			Expect(m.Enabled()).To(BeFalse())
			Expect(m.EntryCount("work")).To(Equal(uint64(0)))
		})

		It("skips names the image does not define", func() {
			m2 := monitor.New([]string{"missing"}, 0)
			Expect(func() { m2.Attach(h, img) }).NotTo(Panic())
			Expect(m2.Enabled()).To(BeFalse())
		})
	})
})
