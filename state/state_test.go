package state

import (
	"testing"

	"github.com/rcornwell/x86emu/isa"
)

func setup() *State {
	s := New()
	s.Memory.Allocate(0x1000, 0x2000)
	return s
}

func TestSetRegister32ZeroExtends(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RAX, -1)
	s.SetRegister(isa.EAX, 0x12345678)
	if got := s.GetRegister(isa.RAX); got != 0x12345678 {
		t.Errorf("got: %#x wanted: %#x", got, 0x12345678)
	}
}

func TestSetRegister16PreservesUpperBits(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RAX, 0x1122334455667788)
	s.SetRegister(isa.AX, 0xbeef)
	if got := s.GetRegister(isa.RAX); uint64(got) != 0x112233445566beef {
		t.Errorf("got: %#x wanted: %#x", uint64(got), uint64(0x112233445566beef))
	}
}

func TestHighByteAliasReadWrite(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RAX, 0x1122334455667700)
	s.SetRegister(isa.AH, 0xf0)
	if got := uint64(s.GetRegister(isa.RAX)); got != 0x112233445566f000 {
		t.Errorf("got: %#x wanted: %#x", got, uint64(0x112233445566f000))
	}
	if got := s.GetRegister(isa.AH); got != -16 {
		t.Errorf("got: %d wanted: -16", got)
	}
}

func TestGetRegisterSignExtends8Bit(t *testing.T) {
	s := setup()
	s.SetRegister(isa.AL, 0x80)
	if got := s.GetRegister(isa.AL); got != -128 {
		t.Errorf("got: %d wanted: -128", got)
	}
}

func TestGetRegisterSignExtends32Bit(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 0x80000000)
	if got := s.GetRegister(isa.EAX); got != -2147483648 {
		t.Errorf("got: %d wanted: -2147483648", got)
	}
}

func TestComputeFlagsZeroAndSign(t *testing.T) {
	s := setup()
	s.ComputeFlags(0, isa.Bit32)
	if !s.Flag(FlagZero) {
		t.Errorf("got: zero flag clear wanted: set")
	}
	s.ComputeFlags(-1, isa.Bit32)
	if s.Flag(FlagZero) {
		t.Errorf("got: zero flag set wanted: clear")
	}
	if !s.Flag(FlagSign) {
		t.Errorf("got: sign flag clear wanted: set")
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RSP, 0x3000)
	s.Push(0x1122334455667788)
	if got := s.GetRegister(isa.RSP); got != 0x2ff8 {
		t.Errorf("got: rsp=%#x wanted: %#x", got, 0x2ff8)
	}
	if got := s.Pop(); got != 0x1122334455667788 {
		t.Errorf("got: %#x wanted: %#x", got, 0x1122334455667788)
	}
	if got := s.GetRegister(isa.RSP); got != 0x3000 {
		t.Errorf("got: rsp=%#x wanted: %#x", got, 0x3000)
	}
}

func TestEffectiveAddressComputesBaseIndexScaleDisplacement(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RBX, 0x1000)
	s.SetRegister(isa.RCX, 4)
	op := isa.EffectiveAddress(isa.RBX, isa.RCX, 4, 0x10)
	if got := s.EffectiveAddress(op); got != 0x1000+4*4+0x10 {
		t.Errorf("got: %#x wanted: %#x", got, 0x1000+4*4+0x10)
	}
}

func TestGetSetValueMemoryOperand32(t *testing.T) {
	s := setup()
	op := isa.EffectiveAddress(isa.NoReg, isa.NoReg, 0, 0x1100)
	s.SetValue(op, 0x1234, isa.Bit32)
	if got := s.GetValue(op, isa.Bit32); got != 0x1234 {
		t.Errorf("got: %#x wanted: %#x", got, 0x1234)
	}
}

func TestGDTIDTRoundTrip(t *testing.T) {
	s := setup()
	s.SetGDT(0x5000)
	s.SetIDT(0x6000)
	if got := s.GDT(); got != 0x5000 {
		t.Errorf("got: %#x wanted: %#x", got, 0x5000)
	}
	if got := s.IDT(); got != 0x6000 {
		t.Errorf("got: %#x wanted: %#x", got, 0x6000)
	}
}
