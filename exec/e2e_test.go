package exec_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rcornwell/x86emu/exec"
	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/state"
)

func TestExecEndToEnd(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "exec end-to-end suite")
}

func newLoopAt(code []byte, base uint64) *exec.Loop {
	loop := exec.New()
	loop.State.Memory.Allocate(0x0, 0x10000)
	loop.State.Memory.WriteBytes(base, code)
	loop.State.SetRIP(int64(base))
	return loop
}

var _ = Describe("seeded end-to-end scenarios", func() {
	It("adds two constants", func() {
		// mov eax, 3; add eax, 4; ret
		code := []byte{0xB8, 0x03, 0x00, 0x00, 0x00, 0x05, 0x04, 0x00, 0x00, 0x00, 0xC3}
		loop := newLoopAt(code, 0x1000)
		loop.State.SetRegister(isa.RSP, 0x8000)
		loop.State.Push(0x1000)

		_, err := loop.Step() // mov
		Expect(err).To(BeNil())
		_, err = loop.Step() // add
		Expect(err).To(BeNil())

		Expect(loop.State.GetRegister(isa.EAX)).To(BeEquivalentTo(7))
		Expect(loop.State.Flag(state.FlagCarry)).To(BeFalse())
		Expect(loop.State.Flag(state.FlagOverflow)).To(BeFalse())
		Expect(loop.State.Flag(state.FlagZero)).To(BeFalse())

		_, err = loop.Step() // ret
		Expect(err).To(BeNil())
		Expect(loop.State.RIP()).To(BeEquivalentTo(0x1000))
	})

	It("detects signed overflow", func() {
		// mov eax, 0x7FFFFFFF; add eax, 1
		code := []byte{0xB8, 0xFF, 0xFF, 0xFF, 0x7F, 0x05, 0x01, 0x00, 0x00, 0x00}
		loop := newLoopAt(code, 0x1000)

		_, err := loop.Step()
		Expect(err).To(BeNil())
		_, err = loop.Step()
		Expect(err).To(BeNil())

		Expect(uint32(loop.State.GetRegister(isa.EAX))).To(BeEquivalentTo(uint32(0x80000000)))
		Expect(loop.State.Flag(state.FlagOverflow)).To(BeTrue())
		Expect(loop.State.Flag(state.FlagSign)).To(BeTrue())
		Expect(loop.State.Flag(state.FlagCarry)).To(BeFalse())
	})

	It("detects an unsigned borrow", func() {
		// mov eax, 0; sub eax, 1
		code := []byte{0xB8, 0x00, 0x00, 0x00, 0x00, 0x2D, 0x01, 0x00, 0x00, 0x00}
		loop := newLoopAt(code, 0x1000)

		_, err := loop.Step()
		Expect(err).To(BeNil())
		_, err = loop.Step()
		Expect(err).To(BeNil())

		Expect(uint32(loop.State.GetRegister(isa.EAX))).To(BeEquivalentTo(uint32(0xFFFFFFFF)))
		Expect(loop.State.Flag(state.FlagCarry)).To(BeTrue())
		Expect(loop.State.Flag(state.FlagOverflow)).To(BeFalse())
		Expect(loop.State.Flag(state.FlagSign)).To(BeTrue())
	})

	It("conditionally moves based on a prior compare", func() {
		// xor eax, eax; cmp eax, 0; cmove eax, ebx
		code := []byte{0x31, 0xC0, 0x83, 0xF8, 0x00, 0x0F, 0x44, 0xC3}
		loop := newLoopAt(code, 0x1000)
		loop.State.SetRegister(isa.EBX, 42)

		_, err := loop.Step() // xor
		Expect(err).To(BeNil())
		_, err = loop.Step() // cmp
		Expect(err).To(BeNil())
		_, err = loop.Step() // cmove
		Expect(err).To(BeNil())

		Expect(loop.State.GetRegister(isa.EAX)).To(BeEquivalentTo(42))
		Expect(loop.State.Flag(state.FlagZero)).To(BeTrue())
	})

	It("moves a string with rep movsb", func() {
		code := []byte{0xF3, 0xA4} // rep movsb
		loop := newLoopAt(code, 0x1000)

		src := uint64(0x2000)
		dst := uint64(0x3000)
		loop.State.Memory.WriteBytes(src, []byte("hello"))
		loop.State.SetRegister(isa.RSI, int64(src))
		loop.State.SetRegister(isa.RDI, int64(dst))
		loop.State.SetRegister(isa.RCX, 5)
		loop.State.SetFlag(state.FlagDirection, false)

		_, err := loop.Step()
		Expect(err).To(BeNil())

		Expect(loop.State.Memory.ReadBytes(dst, 5)).To(Equal([]byte("hello")))
		Expect(loop.State.GetRegister(isa.RCX)).To(BeEquivalentTo(0))
		Expect(loop.State.GetRegister(isa.RSI)).To(BeEquivalentTo(src + 5))
		Expect(loop.State.GetRegister(isa.RDI)).To(BeEquivalentTo(dst + 5))
	})

	It("loads a value through a rip-relative operand", func() {
		// mov rax, [rip+2]; nop; nop; DATA8
		data := uint64(0x1122334455667788)
		code := []byte{0x48, 0x8B, 0x05, 0x02, 0x00, 0x00, 0x00, 0x90, 0x90}
		loop := newLoopAt(code, 0x1000)
		loop.State.Memory.Write64(0x1000+uint64(len(code)), data)

		_, err := loop.Step()
		Expect(err).To(BeNil())

		Expect(uint64(loop.State.GetRegister(isa.RAX))).To(BeEquivalentTo(data))
	})
})
