package decode

import (
	"testing"

	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/memory"
)

func load(t *testing.T, bytes []byte) *memory.Memory {
	t.Helper()
	mem := memory.New()
	mem.Allocate(0x1000, 0x1000)
	mem.WriteBytes(0x1000, bytes)
	return mem
}

func TestDecodeMovEAXImm32(t *testing.T) {
	mem := load(t, []byte{0xB8, 0x78, 0x56, 0x34, 0x12})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Mov {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Mov)
	}
	if inst.Length != 5 {
		t.Errorf("got: length %d wanted: 5", inst.Length)
	}
	if inst.Operands.Arg[0].Reg != isa.EAX {
		t.Errorf("got: dst %v wanted: %v", inst.Operands.Arg[0].Reg, isa.EAX)
	}
	if inst.Operands.Arg[1].Immediate != 0x12345678 {
		t.Errorf("got: imm %#x wanted: %#x", inst.Operands.Arg[1].Immediate, 0x12345678)
	}
}

func TestDecodeAddEAXImm32(t *testing.T) {
	mem := load(t, []byte{0x05, 0x01, 0x00, 0x00, 0x00})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Add {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Add)
	}
	if inst.Operands.Arg[0].Reg != isa.EAX {
		t.Errorf("got: dst %v wanted: %v", inst.Operands.Arg[0].Reg, isa.EAX)
	}
	if inst.Operands.Arg[1].Immediate != 1 {
		t.Errorf("got: imm %d wanted: 1", inst.Operands.Arg[1].Immediate)
	}
}

func TestDecodeAddRegRegModRM(t *testing.T) {
	// add eax, ecx -> 01 C8 (mod=11 reg=ecx(1) rm=eax(0))
	mem := load(t, []byte{0x01, 0xC8})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Add {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Add)
	}
	if inst.Length != 2 {
		t.Errorf("got: length %d wanted: 2", inst.Length)
	}
	if inst.Operands.Arg[0].Reg != isa.EAX || inst.Operands.Arg[1].Reg != isa.ECX {
		t.Errorf("got: %v, %v wanted: eax, ecx", inst.Operands.Arg[0].Reg, inst.Operands.Arg[1].Reg)
	}
}

func TestDecodeRexWPromotesTo64Bit(t *testing.T) {
	// 48 01 c8 = add rax, rcx
	mem := load(t, []byte{0x48, 0x01, 0xC8})
	inst := Decode(0x1000, mem)

	if inst.Length != 3 {
		t.Errorf("got: length %d wanted: 3", inst.Length)
	}
	if inst.Operands.Arg[0].Reg != isa.RAX || inst.Operands.Arg[1].Reg != isa.RCX {
		t.Errorf("got: %v, %v wanted: rax, rcx", inst.Operands.Arg[0].Reg, inst.Operands.Arg[1].Reg)
	}
}

func TestDecodeRIPRelativeMemoryOperand(t *testing.T) {
	// mov eax, [rip+0x10] -> 8B 05 10 00 00 00
	mem := load(t, []byte{0x8B, 0x05, 0x10, 0x00, 0x00, 0x00})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Mov {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Mov)
	}
	src := inst.Operands.Arg[1]
	if src.Kind != isa.OperandEffectiveAddress {
		t.Fatalf("got: kind %v wanted: effective address", src.Kind)
	}
	if src.Base != isa.RIP {
		t.Errorf("got: base %v wanted: rip", src.Base)
	}
	if src.Displacement != 0x10 {
		t.Errorf("got: disp %#x wanted: %#x", src.Displacement, 0x10)
	}
}

func TestDecodeSIBWithScaleAndIndex(t *testing.T) {
	// mov eax, [rbx+rcx*4] -> 8B 04 8B  (mod=00 rm=100 SIB: scale=10 index=001 base=011)
	mem := load(t, []byte{0x8B, 0x04, 0x8B})
	inst := Decode(0x1000, mem)

	src := inst.Operands.Arg[1]
	if src.Base != isa.RBX {
		t.Errorf("got: base %v wanted: rbx", src.Base)
	}
	if src.Index != isa.RCX {
		t.Errorf("got: index %v wanted: rcx", src.Index)
	}
	if src.Scale != 4 {
		t.Errorf("got: scale %d wanted: 4", src.Scale)
	}
}

func TestDecodeJccShortForm(t *testing.T) {
	// je +5 -> 74 05
	mem := load(t, []byte{0x74, 0x05})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Je {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Je)
	}
	if inst.Operands.Arg[0].Immediate != 5 {
		t.Errorf("got: %d wanted: 5", inst.Operands.Arg[0].Immediate)
	}
}

func TestDecodeRet(t *testing.T) {
	mem := load(t, []byte{0xC3})
	inst := Decode(0x1000, mem)
	if inst.Opcode != isa.Ret {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Ret)
	}
	if inst.Length != 1 {
		t.Errorf("got: length %d wanted: 1", inst.Length)
	}
}

func TestDecodeMovsxdSingleModRM(t *testing.T) {
	// movsxd rax, ecx -> 48 63 C1 (must consume ModRM exactly once)
	mem := load(t, []byte{0x48, 0x63, 0xC1, 0x90})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Movsx {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Movsx)
	}
	if inst.Length != 3 {
		t.Errorf("got: length %d wanted: 3 (must not double-consume ModRM)", inst.Length)
	}
}

func TestDecodeRepPrefixOnMovs(t *testing.T) {
	// rep movsq -> F3 48 A5
	mem := load(t, []byte{0xF3, 0x48, 0xA5})
	inst := Decode(0x1000, mem)

	if inst.Opcode != isa.Movs {
		t.Errorf("got: %v wanted: %v", inst.Opcode, isa.Movs)
	}
	if inst.Operands.Repeat != isa.RepeatEqual {
		t.Errorf("got: repeat %v wanted: RepeatEqual", inst.Operands.Repeat)
	}
	if inst.Operands.ExplicitSize != isa.Bit64 {
		t.Errorf("got: size %v wanted: Bit64", inst.Operands.ExplicitSize)
	}
}
