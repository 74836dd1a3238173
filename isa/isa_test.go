package isa

import "testing"

func TestGPRSlotForAliases(t *testing.T) {
	cases := []struct {
		reg  Register
		slot int
	}{
		{RAX, 0}, {EAX, 0}, {AX, 0}, {AL, 0},
		{R15, 15}, {R15D, 15}, {R15W, 15}, {R15B, 15},
		{AH, 0}, {CH, 2}, {DH, 3}, {BH, 1},
	}
	for _, c := range cases {
		slot, ok := GPRSlot(c.reg)
		if !ok {
			t.Errorf("register %v got: invalid wanted: valid", c.reg)
			continue
		}
		if slot != c.slot {
			t.Errorf("register %v got: slot %d wanted: %d", c.reg, slot, c.slot)
		}
	}
}

func TestGPRSlotRejectsNonGPR(t *testing.T) {
	for _, reg := range []Register{RIP, ES, CR0, XMM0, NoReg} {
		if _, ok := GPRSlot(reg); ok {
			t.Errorf("register %v got: valid wanted: invalid", reg)
		}
	}
}

func TestIsHighByte(t *testing.T) {
	for _, reg := range []Register{AH, CH, DH, BH} {
		if !IsHighByte(reg) {
			t.Errorf("register %v got: false wanted: true", reg)
		}
	}
	for _, reg := range []Register{AL, SPL, RAX} {
		if IsHighByte(reg) {
			t.Errorf("register %v got: true wanted: false", reg)
		}
	}
}

func TestRegisterSize(t *testing.T) {
	cases := []struct {
		reg  Register
		size OperandSize
	}{
		{RAX, Bit64}, {RIP, Bit64}, {CR0, Bit64},
		{EAX, Bit32}, {R15D, Bit32},
		{AX, Bit16}, {ES, Bit16},
		{AL, Bit8}, {SPL, Bit8},
		{XMM0, Bit128},
	}
	for _, c := range cases {
		if got := RegisterSize(c.reg); got != c.size {
			t.Errorf("register %v got: %v wanted: %v", c.reg, got, c.size)
		}
	}
}

func TestOperandSizeBytes(t *testing.T) {
	cases := []struct {
		size OperandSize
		want int
	}{{Bit8, 1}, {Bit16, 2}, {Bit32, 4}, {Bit64, 8}, {Bit128, 16}}
	for _, c := range cases {
		if got := c.size.Bytes(); got != c.want {
			t.Errorf("size %v got: %d wanted: %d", c.size, got, c.want)
		}
	}
}

func TestOperandsSizeDefaultsToFirstRegister(t *testing.T) {
	ops := Operands{Count: 2, Arg: [3]Operand{Reg(EAX), Imm(5)}}
	if got := ops.Size(); got != Bit32 {
		t.Errorf("got: %v wanted: %v", got, Bit32)
	}
}

func TestOperandsSizeExplicitOverride(t *testing.T) {
	ops := Operands{Count: 1, Arg: [3]Operand{Reg(AX)}, ExplicitSize: Bit8, HasExplicit: true}
	if got := ops.Size(); got != Bit8 {
		t.Errorf("got: %v wanted: %v", got, Bit8)
	}
}

func TestOperandsSizeDefaultsBit64WithNoRegisters(t *testing.T) {
	ops := Operands{Count: 1, Arg: [3]Operand{Imm(1)}}
	if got := ops.Size(); got != Bit64 {
		t.Errorf("got: %v wanted: %v", got, Bit64)
	}
}

func TestOpcodeString(t *testing.T) {
	if got := Add.String(); got != "add" {
		t.Errorf("got: %q wanted: add", got)
	}
}

func TestRegisterStringRoundTrips(t *testing.T) {
	if got := RAX.String(); got != "rax" {
		t.Errorf("got: %q wanted: rax", got)
	}
	if got := NoReg.String(); got == "" {
		t.Errorf("got: empty string wanted: non-empty fallback")
	}
}
