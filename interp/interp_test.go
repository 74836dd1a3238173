package interp

import (
	"testing"

	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/state"
)

func setup() *state.State {
	s := state.New()
	s.Memory.Allocate(0x1000, 0x2000)
	return s
}

func twoOp(dst, src isa.Operand, size isa.OperandSize) isa.Operands {
	return isa.Operands{Count: 2, Arg: [3]isa.Operand{dst, src}, ExplicitSize: size, HasExplicit: true}
}

func TestAddSetsCarryWithoutOverflow(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, -1) // 0xffffffff
	ops := twoOp(isa.Reg(isa.EAX), isa.Imm(1), isa.Bit32)
	Execute(s, isa.Instruction{Opcode: isa.Add, Operands: ops})

	if got := s.GetRegister(isa.EAX); got != 0 {
		t.Errorf("got: %#x wanted: 0", got)
	}
	if !s.Flag(state.FlagCarry) {
		t.Errorf("got: carry clear wanted: set")
	}
	if !s.Flag(state.FlagZero) {
		t.Errorf("got: zero clear wanted: set")
	}
	if s.Flag(state.FlagOverflow) {
		t.Errorf("got: overflow set wanted: clear")
	}
}

func TestAddSignedOverflow(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 0x7fffffff)
	ops := twoOp(isa.Reg(isa.EAX), isa.Imm(1), isa.Bit32)
	Execute(s, isa.Instruction{Opcode: isa.Add, Operands: ops})

	if got := uint32(s.GetRegister(isa.EAX)); got != 0x80000000 {
		t.Errorf("got: %#x wanted: %#x", got, uint32(0x80000000))
	}
	if !s.Flag(state.FlagOverflow) {
		t.Errorf("got: overflow clear wanted: set")
	}
	if !s.Flag(state.FlagSign) {
		t.Errorf("got: sign clear wanted: set")
	}
}

func TestSubUnsignedBorrowSetsCarry(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 0)
	ops := twoOp(isa.Reg(isa.EAX), isa.Imm(1), isa.Bit32)
	Execute(s, isa.Instruction{Opcode: isa.Sub, Operands: ops})

	if got := uint32(s.GetRegister(isa.EAX)); got != 0xffffffff {
		t.Errorf("got: %#x wanted: %#x", got, uint32(0xffffffff))
	}
	if !s.Flag(state.FlagCarry) {
		t.Errorf("got: carry clear wanted: set")
	}
}

func TestCmpDoesNotWriteBack(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 5)
	ops := twoOp(isa.Reg(isa.EAX), isa.Imm(5), isa.Bit32)
	Execute(s, isa.Instruction{Opcode: isa.Cmp, Operands: ops})

	if got := s.GetRegister(isa.EAX); got != 5 {
		t.Errorf("got: %#x wanted: 5 (cmp must not write back)", got)
	}
	if !s.Flag(state.FlagZero) {
		t.Errorf("got: zero clear wanted: set")
	}
}

func TestJeTakenWhenZeroFlagSet(t *testing.T) {
	s := setup()
	s.SetRIP(0x1000)
	s.SetFlag(state.FlagZero, true)
	ops := isa.Operands{Count: 1, Arg: [3]isa.Operand{isa.Imm(8)}}
	Execute(s, isa.Instruction{Opcode: isa.Je, Operands: ops})

	if got := s.RIP(); got != 0x1008 {
		t.Errorf("got: rip %#x wanted: %#x", got, 0x1008)
	}
}

func TestJeNotTakenWhenZeroFlagClear(t *testing.T) {
	s := setup()
	s.SetRIP(0x1000)
	s.SetFlag(state.FlagZero, false)
	ops := isa.Operands{Count: 1, Arg: [3]isa.Operand{isa.Imm(8)}}
	Execute(s, isa.Instruction{Opcode: isa.Je, Operands: ops})

	if got := s.RIP(); got != 0x1000 {
		t.Errorf("got: rip %#x wanted: %#x", got, 0x1000)
	}
}

func TestCmoveCopiesOnlyWhenTaken(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 1)
	s.SetRegister(isa.ECX, 0xdead)
	ops := twoOp(isa.Reg(isa.EAX), isa.Reg(isa.ECX), isa.Bit32)

	s.SetFlag(state.FlagZero, false)
	Execute(s, isa.Instruction{Opcode: isa.Cmove, Operands: ops})
	if got := s.GetRegister(isa.EAX); got != 1 {
		t.Errorf("got: %#x wanted: 1 (untaken cmove must not copy)", got)
	}

	s.SetFlag(state.FlagZero, true)
	Execute(s, isa.Instruction{Opcode: isa.Cmove, Operands: ops})
	if got := s.GetRegister(isa.EAX); got != 0xdead {
		t.Errorf("got: %#x wanted: %#x", got, 0xdead)
	}
}

func TestSetneWritesByteZeroOrOne(t *testing.T) {
	s := setup()
	ops := isa.Operands{Count: 1, Arg: [3]isa.Operand{isa.Reg(isa.AL)}}

	s.SetFlag(state.FlagZero, true)
	Execute(s, isa.Instruction{Opcode: isa.Setne, Operands: ops})
	if got := s.GetRegister(isa.AL); got != 0 {
		t.Errorf("got: %d wanted: 0", got)
	}

	s.SetFlag(state.FlagZero, false)
	Execute(s, isa.Instruction{Opcode: isa.Setne, Operands: ops})
	if got := s.GetRegister(isa.AL); got != 1 {
		t.Errorf("got: %d wanted: 1", got)
	}
}

func TestShiftLeftSetsCarryFromVacatedBit(t *testing.T) {
	s := setup()
	s.SetRegister(isa.EAX, 0x80000000)
	ops := withExt(withExplicitSize(twoOperandForTest(isa.Reg(isa.EAX), isa.Imm(1)), isa.Bit32), 4) // /4 = SHL
	Execute(s, isa.Instruction{Opcode: isa.ShiftRotate, Operands: ops})

	if got := s.GetRegister(isa.EAX); got != 0 {
		t.Errorf("got: %#x wanted: 0", got)
	}
	if !s.Flag(state.FlagCarry) {
		t.Errorf("got: carry clear wanted: set")
	}
}

func twoOperandForTest(dst, src isa.Operand) isa.Operands {
	return isa.Operands{Count: 2, Arg: [3]isa.Operand{dst, src}}
}

func withExplicitSize(ops isa.Operands, size isa.OperandSize) isa.Operands {
	ops.ExplicitSize = size
	ops.HasExplicit = true
	return ops
}

func withExt(ops isa.Operands, ext uint8) isa.Operands {
	ops.OpcodeExt = ext
	ops.HasExt = true
	return ops
}

func TestPushPopThroughInterpreter(t *testing.T) {
	s := setup()
	s.SetRegister(isa.RSP, 0x3000)
	Execute(s, isa.Instruction{Opcode: isa.Push, Operands: isa.Operands{Count: 1, Arg: [3]isa.Operand{isa.Reg(isa.RAX)}}})
	s.SetRegister(isa.RAX, 0)
	Execute(s, isa.Instruction{Opcode: isa.Pop, Operands: isa.Operands{Count: 1, Arg: [3]isa.Operand{isa.Reg(isa.RAX)}}})
	if got := s.GetRegister(isa.RSP); got != 0x3000 {
		t.Errorf("got: rsp %#x wanted: %#x", got, 0x3000)
	}
}
