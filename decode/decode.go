/*
x86emu instruction decoder.

Copyright 2024, Richard Cornwell

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package decode turns a byte stream addressed by state.RIP into a
// normalized isa.Instruction. It never executes anything and changes
// no state: the caller advances RIP by the returned length.
package decode

import (
	"fmt"

	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/memory"
)

// Fault is raised when the byte stream does not match any known
// encoding. The corpus of guest code is closed and bounded, so an
// unrecognized opcode is treated as a bug to fix rather than a
// recoverable condition.
type Fault struct {
	RIP    uint64
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("decode fault at %#x: %s", f.RIP, f.Reason)
}

func fail(rip uint64, format string, args ...interface{}) {
	panic(&Fault{RIP: rip, Reason: fmt.Sprintf(format, args...)})
}

// cursor walks the byte stream starting at a fixed RIP, tracking how
// many bytes have been consumed so the caller can report instruction
// length without re-deriving it from two RIP snapshots.
type cursor struct {
	mem   *memory.Memory
	start uint64
	pos   uint64
}

func (c *cursor) u8() uint8 {
	b := c.mem.ReadByte(c.start + c.pos)
	c.pos++
	return b
}

func (c *cursor) i8() int8 { return int8(c.u8()) }

func (c *cursor) u32() uint32 {
	v := uint32(c.u8())
	v |= uint32(c.u8()) << 8
	v |= uint32(c.u8()) << 16
	v |= uint32(c.u8()) << 24
	return v
}

func (c *cursor) i32() int32 { return int32(c.u32()) }

func (c *cursor) u16() uint16 {
	v := uint16(c.u8())
	v |= uint16(c.u8()) << 8
	return v
}

func (c *cursor) u64() uint64 {
	lo := uint64(c.u32())
	hi := uint64(c.u32())
	return lo | hi<<32
}

// prefixes accumulates the state the prefix-loop phase discovers.
type prefixes struct {
	repeat        isa.Repeat
	operand16     bool
	operand64     bool
	vector128     bool
	addressSize32 bool
	rexB, rexX, rexR, rexW bool
	hasREX        bool
}

func readPrefixes(c *cursor) prefixes {
	var p prefixes
	for {
		b := c.mem.ReadByte(c.start + c.pos)
		switch {
		case b == 0xF0:
			c.pos++
		case b == 0xF2:
			p.repeat = isa.RepeatNotEqual
			c.pos++
		case b == 0xF3:
			p.repeat = isa.RepeatEqual
			c.pos++
		case b == 0x2E || b == 0x3E || b == 0x36 || b == 0x26 || b == 0x64 || b == 0x65:
			c.pos++
		case b == 0x66:
			p.operand16 = true
			c.pos++
		case b == 0x67:
			p.addressSize32 = true
			c.pos++
		case b >= 0x40 && b <= 0x4F:
			c.pos++
			p.hasREX = true
			p.rexB = b&0x01 != 0
			p.rexX = b&0x02 != 0
			p.rexR = b&0x04 != 0
			p.rexW = b&0x08 != 0
			if p.rexW {
				p.operand64 = true
			}
			return p
		default:
			return p
		}
	}
}

// operandSize resolves the effective operand width given the prefix
// state: REX.W (operand64) beats the 0x66 override; absent both, the
// default is 32-bit.
func (p prefixes) operandSize() isa.OperandSize {
	switch {
	case p.vector128:
		return isa.Bit128
	case p.operand64:
		return isa.Bit64
	case p.operand16:
		return isa.Bit16
	default:
		return isa.Bit32
	}
}

// gpr64 maps a raw 3-bit register field (already extended by a REX
// bit, 0..15) to the Register naming the 64-bit form; callers narrow
// via isa.RegisterSize-compatible lookup tables below.
var gpr64 = [16]isa.Register{
	isa.RAX, isa.RCX, isa.RDX, isa.RBX, isa.RSP, isa.RBP, isa.RSI, isa.RDI,
	isa.R8, isa.R9, isa.R10, isa.R11, isa.R12, isa.R13, isa.R14, isa.R15,
}

var gpr32 = [16]isa.Register{
	isa.EAX, isa.ECX, isa.EDX, isa.EBX, isa.ESP, isa.EBP, isa.ESI, isa.EDI,
	isa.R8D, isa.R9D, isa.R10D, isa.R11D, isa.R12D, isa.R13D, isa.R14D, isa.R15D,
}

var gpr16 = [16]isa.Register{
	isa.AX, isa.CX, isa.DX, isa.BX, isa.SP, isa.BP, isa.SI, isa.DI,
	isa.R8W, isa.R9W, isa.R10W, isa.R11W, isa.R12W, isa.R13W, isa.R14W, isa.R15W,
}

// gpr8REX is the encoding used once a REX prefix is present (uniform
// SPL/BPL/SIL/DIL access, never AH/CH/DH/BH).
var gpr8REX = [16]isa.Register{
	isa.AL, isa.CL, isa.DL, isa.BL, isa.SPL, isa.BPL, isa.SIL, isa.DIL,
	isa.R8B, isa.R9B, isa.R10B, isa.R11B, isa.R12B, isa.R13B, isa.R14B, isa.R15B,
}

// gpr8Legacy is the pre-REX encoding where bits 4..7 address the
// high bytes of the first four registers instead of R8B..R15B.
var gpr8Legacy = [8]isa.Register{
	isa.AL, isa.CL, isa.DL, isa.BL, isa.AH, isa.CH, isa.DH, isa.BH,
}

// xmmRegisterTable maps a 4-bit ModR/M/SIB register field to the
// corresponding XMM register, used when decodeModRM is asked for a
// Bit128 register-direct operand.
var xmmRegisterTable = [16]isa.Register{
	isa.XMM0, isa.XMM1, isa.XMM2, isa.XMM3, isa.XMM4, isa.XMM5, isa.XMM6, isa.XMM7,
	isa.XMM8, isa.XMM9, isa.XMM10, isa.XMM11, isa.XMM12, isa.XMM13, isa.XMM14, isa.XMM15,
}

func gprRegister(index uint8, size isa.OperandSize, hasREX bool) isa.Register {
	switch size {
	case isa.Bit128:
		return xmmRegisterTable[index]
	case isa.Bit64:
		return gpr64[index]
	case isa.Bit32:
		return gpr32[index]
	case isa.Bit16:
		return gpr16[index]
	default:
		if hasREX {
			return gpr8REX[index]
		}
		return gpr8Legacy[index&7]
	}
}

// segmentRegister maps 0..5 to the six segment selectors, used by
// the handful of opcodes that address them directly.
var segmentRegister = [6]isa.Register{isa.ES, isa.CS, isa.SS, isa.DS, isa.FS, isa.GS}

// modrm holds the three fields of a decoded ModR/M (plus SIB) byte.
type modrm struct {
	mod uint8
	reg uint8 // already REX.R-extended
	rm  uint8 // already REX.B-extended, or SIB base when applicable
}

// decodeModRM reads the ModR/M byte and, when present, the SIB byte
// and displacement, returning either a register operand (mod == 11)
// or an effective-address operand. regField is returned separately
// since it frequently carries an opcode extension rather than a
// genuine register.
func decodeModRM(c *cursor, p prefixes) (operand isa.Operand, regField uint8, isRegister bool) {
	raw := c.u8()
	mod := raw >> 6
	reg := (raw >> 3) & 7
	rm := raw & 7

	if p.rexR {
		reg |= 0x08
	}
	regField = reg

	if mod == 0b11 {
		rmFull := rm
		if p.rexB {
			rmFull |= 0x08
		}
		return isa.Reg(gprRegister(rmFull, p.operandSize(), p.hasREX)), regField, true
	}

	var base, index isa.Register = isa.NoReg, isa.NoReg
	var scale uint8
	var displacement int32

	if rm == 0b100 {
		sib := c.u8()
		ss := sib >> 6
		idx := (sib >> 3) & 7
		baseField := sib & 7

		if p.rexX {
			idx |= 0x08
		}
		if idx != 0b100 {
			index = gpr64[idx]
			scale = 1 << ss
		}

		if p.rexB {
			baseField |= 0x08
		}
		if mod == 0b00 && (baseField&7) == 0b101 {
			displacement = c.i32()
		} else {
			base = gpr64[baseField]
		}
	} else if rm == 0b101 && mod == 0b00 {
		base = isa.RIP
		displacement = c.i32()
	} else {
		rmFull := rm
		if p.rexB {
			rmFull |= 0x08
		}
		base = gpr64[rmFull]
	}

	switch mod {
	case 0b01:
		displacement = int32(c.i8())
	case 0b10:
		displacement = c.i32()
	}

	return isa.EffectiveAddress(base, index, scale, displacement), regField, false
}

// immediate reads a sign-extended immediate of the given encoded
// width (1 or 4 bytes), reduced to 16 bits first when operand16 is
// set, matching the decoder's immediate-truncation rule.
func immediate(c *cursor, p prefixes, wide bool) int64 {
	if !wide {
		return int64(c.i8())
	}
	if p.operand16 {
		return int64(int16(c.u16()))
	}
	return int64(c.i32())
}

// jccTable and setccTable/cmovccTable share the same 16-way predicate
// ordering: O, NO, B, AE, E, NE, BE, A, S, NS, P, NP, L, GE, LE, G.
var jccTable = [16]isa.Opcode{
	isa.Jo, isa.Jno, isa.Jb, isa.Jae, isa.Je, isa.Jne, isa.Jbe, isa.Ja,
	isa.Js, isa.Jns, isa.Jp, isa.Jnp, isa.Jl, isa.Jge, isa.Jle, isa.Jg,
}

var setccTable = [16]isa.Opcode{
	isa.Seto, isa.Setno, isa.Setb, isa.Setae, isa.Sete, isa.Setne, isa.Setbe, isa.Seta,
	isa.Sets, isa.Setns, isa.Setp, isa.Setnp, isa.Setl, isa.Setge, isa.Setle, isa.Setg,
}

var cmovccTable = [16]isa.Opcode{
	isa.Cmovo, isa.Cmovno, isa.Cmovb, isa.Cmovae, isa.Cmove, isa.Cmovne, isa.Cmovbe, isa.Cmova,
	isa.Cmovs, isa.Cmovns, isa.Cmovp, isa.Cmovnp, isa.Cmovl, isa.Cmovge, isa.Cmovle, isa.Cmovg,
}

// arithmeticTable maps the stride-8 family at 00-3D, and the ModR/M
// reg-field extension at 80-83, to the same ordering.
var arithmeticTable = [8]isa.Opcode{
	isa.Add, isa.Or, isa.Adc, isa.Sbb, isa.And, isa.Sub, isa.Xor, isa.Cmp,
}

func twoOperand(dst, src isa.Operand) isa.Operands {
	return isa.Operands{Count: 2, Arg: [3]isa.Operand{dst, src}}
}

func oneOperand(dst isa.Operand) isa.Operands {
	return isa.Operands{Count: 1, Arg: [3]isa.Operand{dst}}
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

func withRepeat(ops isa.Operands, repeat isa.Repeat) isa.Operands {
	ops.Repeat = repeat
	return ops
}

// Decode reads one instruction starting at rip from mem and returns
// it along with its encoded byte length. rip is not mutated; the
// caller (the execution loop) advances state.RIP by the returned
// length.
func Decode(rip uint64, mem *memory.Memory) isa.Instruction {
	c := &cursor{mem: mem, start: rip}
	p := readPrefixes(c)
	size := p.operandSize()

	opcodeByte := c.u8()

	var op isa.Opcode
	var ops isa.Operands

	switch {
	case opcodeByte == 0x0F:
		op, ops = decodeTwoByte(c, p, size)

	case opcodeByte <= 0x3D && (opcodeByte&7) <= 5 && (opcodeByte>>3) <= 7:
		op, ops = decodeArithmeticFamily(c, p, size, opcodeByte)

	case opcodeByte >= 0x50 && opcodeByte <= 0x57:
		reg := opcodeByte - 0x50
		if p.rexB {
			reg |= 0x08
		}
		op, ops = isa.Push, oneOperand(isa.Reg(gpr64[reg]))

	case opcodeByte >= 0x58 && opcodeByte <= 0x5F:
		reg := opcodeByte - 0x58
		if p.rexB {
			reg |= 0x08
		}
		op, ops = isa.Pop, oneOperand(isa.Reg(gpr64[reg]))

	case opcodeByte == 0x63:
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit32))
		dst := isa.Reg(gprRegister(regField, isa.Bit64, p.hasREX))
		op = isa.Movsx
		ops = withExplicitSize(twoOperand(dst, rm), isa.Bit32)

	case opcodeByte == 0x68:
		imm := c.i32()
		op, ops = isa.Push, oneOperand(isa.Imm(int64(imm)))

	case opcodeByte == 0x6A:
		imm := c.i8()
		op, ops = isa.Push, oneOperand(isa.Imm(int64(imm)))

	case opcodeByte == 0x69:
		rm, regField, _ := decodeModRM(c, p)
		imm := immediate(c, p, true)
		dst := isa.Reg(gprRegister(regField, size, p.hasREX))
		op = isa.Imul
		ops = isa.Operands{Count: 3, Arg: [3]isa.Operand{dst, rm, isa.Imm(imm)}}

	case opcodeByte == 0x6B:
		rm, regField, _ := decodeModRM(c, p)
		imm := immediate(c, p, false)
		dst := isa.Reg(gprRegister(regField, size, p.hasREX))
		op = isa.Imul
		ops = isa.Operands{Count: 3, Arg: [3]isa.Operand{dst, rm, isa.Imm(imm)}}

	case opcodeByte >= 0x70 && opcodeByte <= 0x7F:
		disp := c.i8()
		op = jccTable[opcodeByte-0x70]
		ops = oneOperand(isa.Imm(int64(disp)))

	case opcodeByte >= 0x80 && opcodeByte <= 0x83:
		op, ops = decodeArithmeticImmediate(c, p, opcodeByte)

	case opcodeByte == 0x84 || opcodeByte == 0x85:
		width := isa.Bit8
		if opcodeByte == 0x85 {
			width = size
		}
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, width, p.hasREX))
		op, ops = isa.Test, withExplicitSize(twoOperand(rm, reg), width)

	case opcodeByte == 0x86 || opcodeByte == 0x87:
		width := isa.Bit8
		if opcodeByte == 0x87 {
			width = size
		}
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, width, p.hasREX))
		op, ops = isa.Xchg, withExplicitSize(twoOperand(rm, reg), width)

	case opcodeByte >= 0x88 && opcodeByte <= 0x8B:
		width := size
		if opcodeByte == 0x88 || opcodeByte == 0x8A {
			width = isa.Bit8
		}
		reversed := opcodeByte == 0x8A || opcodeByte == 0x8B
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, width, p.hasREX))
		if reversed {
			op, ops = isa.Mov, withExplicitSize(twoOperand(reg, rm), width)
		} else {
			op, ops = isa.Mov, withExplicitSize(twoOperand(rm, reg), width)
		}

	case opcodeByte == 0x8D:
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		op, ops = isa.Lea, twoOperand(reg, rm)

	case opcodeByte == 0x8F:
		rm, _, _ := decodeModRM(c, p)
		op, ops = isa.Pop, oneOperand(rm)

	case opcodeByte == 0x90:
		op, ops = isa.Nop, isa.Operands{}

	case opcodeByte >= 0x91 && opcodeByte <= 0x97:
		reg := opcodeByte - 0x90
		if p.rexB {
			reg |= 0x08
		}
		op, ops = isa.Xchg, twoOperand(isa.Reg(gprRegister(0, size, p.hasREX)), isa.Reg(gprRegister(reg, size, p.hasREX)))

	case opcodeByte == 0x9C:
		op, ops = isa.Pushf, isa.Operands{}

	case opcodeByte == 0x9D:
		op, ops = isa.Popf, isa.Operands{}

	case opcodeByte == 0xA4:
		op, ops = isa.Movs, withRepeat(withExplicitSize(isa.Operands{}, isa.Bit8), p.repeat)
	case opcodeByte == 0xA5:
		op, ops = isa.Movs, withRepeat(withExplicitSize(isa.Operands{}, size), p.repeat)
	case opcodeByte == 0xAA:
		op, ops = isa.Stos, withRepeat(withExplicitSize(isa.Operands{}, isa.Bit8), p.repeat)
	case opcodeByte == 0xAB:
		op, ops = isa.Stos, withRepeat(withExplicitSize(isa.Operands{}, size), p.repeat)
	case opcodeByte == 0xAE:
		op, ops = isa.Scas, withRepeat(withExplicitSize(isa.Operands{}, isa.Bit8), p.repeat)

	case opcodeByte == 0xA8:
		imm := c.i8()
		op, ops = isa.Test, withExplicitSize(twoOperand(isa.Reg(isa.AL), isa.Imm(int64(imm))), isa.Bit8)
	case opcodeByte == 0xA9:
		imm := immediate(c, p, true)
		op, ops = isa.Test, withExplicitSize(twoOperand(isa.Reg(gprRegister(0, size, p.hasREX)), isa.Imm(imm)), size)

	case opcodeByte >= 0xB0 && opcodeByte <= 0xB7:
		reg := opcodeByte - 0xB0
		if p.rexB {
			reg |= 0x08
		}
		imm := c.u8()
		op, ops = isa.Mov, withExplicitSize(twoOperand(isa.Reg(gprRegister(reg, isa.Bit8, p.hasREX)), isa.Imm(int64(imm))), isa.Bit8)

	case opcodeByte >= 0xB8 && opcodeByte <= 0xBF:
		reg := opcodeByte - 0xB8
		if p.rexB {
			reg |= 0x08
		}
		var imm int64
		if p.operand64 {
			imm = int64(c.u64())
		} else if p.operand16 {
			imm = int64(c.u16())
		} else {
			imm = int64(c.u32())
		}
		op, ops = isa.Mov, withExplicitSize(twoOperand(isa.Reg(gprRegister(reg, size, p.hasREX)), isa.Imm(imm)), size)

	case opcodeByte == 0xC0 || opcodeByte == 0xC1:
		width := isa.Bit8
		if opcodeByte == 0xC1 {
			width = size
		}
		rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))
		count := c.u8()
		op = isa.ShiftRotate
		ops = withExt(withExplicitSize(twoOperand(rm, isa.Imm(int64(count))), width), ext)

	case opcodeByte == 0xD0 || opcodeByte == 0xD1:
		width := isa.Bit8
		if opcodeByte == 0xD1 {
			width = size
		}
		rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))
		op = isa.ShiftRotate
		ops = withExt(withExplicitSize(twoOperand(rm, isa.Imm(1)), width), ext)

	case opcodeByte == 0xD2 || opcodeByte == 0xD3:
		width := isa.Bit8
		if opcodeByte == 0xD3 {
			width = size
		}
		rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))
		op = isa.ShiftRotate
		ops = withExt(withExplicitSize(twoOperand(rm, isa.Reg(isa.CL)), width), ext)

	case opcodeByte == 0xC3:
		op, ops = isa.Ret, isa.Operands{}
	case opcodeByte == 0xCB:
		op, ops = isa.Lret, isa.Operands{}
	case opcodeByte == 0xC9:
		op, ops = isa.Leave, isa.Operands{}

	case opcodeByte == 0xC6:
		rm, _, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit8))
		imm := c.u8()
		op, ops = isa.Mov, withExplicitSize(twoOperand(rm, isa.Imm(int64(imm))), isa.Bit8)

	case opcodeByte == 0xC7:
		rm, _, _ := decodeModRM(c, p)
		imm := immediate(c, p, true)
		op, ops = isa.Mov, withExplicitSize(twoOperand(rm, isa.Imm(imm)), size)

	case opcodeByte == 0xCC:
		fail(rip, "INT3 reached (in-guest test failure)")

	case opcodeByte == 0xCD:
		op, ops = isa.Int, oneOperand(isa.Imm(int64(c.u8())))

	case opcodeByte == 0xE8:
		disp := c.i32()
		op, ops = isa.Call, oneOperand(isa.Imm(int64(disp)))
	case opcodeByte == 0xE9:
		disp := c.i32()
		op, ops = isa.Jmp, oneOperand(isa.Imm(int64(disp)))
	case opcodeByte == 0xEB:
		disp := c.i8()
		op, ops = isa.Jmp, oneOperand(isa.Imm(int64(disp)))

	case opcodeByte == 0xF6 || opcodeByte == 0xF7:
		op, ops = decodeGroup3(c, p, size, opcodeByte)

	case opcodeByte == 0xFA || opcodeByte == 0xFB:
		op, ops = isa.Nop, isa.Operands{}
	case opcodeByte == 0xFC:
		op, ops = isa.Cld, isa.Operands{}
	case opcodeByte == 0xFD:
		op, ops = isa.Std, isa.Operands{}

	case opcodeByte == 0xFE:
		rm, ext, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit8))
		op = isa.RegisterOperation
		ops = withExt(withExplicitSize(oneOperand(rm), isa.Bit8), ext)

	case opcodeByte == 0xFF:
		op, ops = decodeGroup5(c, p, size)

	default:
		fail(rip, "unrecognized opcode %#02x", opcodeByte)
	}

	return isa.Instruction{Opcode: op, Operands: ops, Length: int(c.pos)}
}

// prefixesWithSize returns a copy of p whose operandSize() reports
// size; used for the sub-decoders that must force byte-sized ModR/M
// register decoding regardless of the instruction's stated width.
func prefixesWithSize(p prefixes, size isa.OperandSize) prefixes {
	switch size {
	case isa.Bit8:
		return prefixes{hasREX: p.hasREX, rexB: p.rexB, rexX: p.rexX, rexR: p.rexR}
	case isa.Bit16:
		return prefixes{hasREX: p.hasREX, rexB: p.rexB, rexX: p.rexX, rexR: p.rexR, operand16: true}
	case isa.Bit64:
		return prefixes{hasREX: p.hasREX, rexB: p.rexB, rexX: p.rexX, rexR: p.rexR, operand64: true}
	case isa.Bit128:
		return prefixes{hasREX: p.hasREX, rexB: p.rexB, rexX: p.rexX, rexR: p.rexR, vector128: true}
	default:
		return prefixes{hasREX: p.hasREX, rexB: p.rexB, rexX: p.rexX, rexR: p.rexR}
	}
}

func decodeArithmeticFamily(c *cursor, p prefixes, size isa.OperandSize, opcodeByte uint8) (isa.Opcode, isa.Operands) {
	group := arithmeticTable[opcodeByte>>3]
	variant := opcodeByte & 7

	switch variant {
	case 0: // r/m8, r8
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit8))
		reg := isa.Reg(gprRegister(regField, isa.Bit8, p.hasREX))
		return group, withExplicitSize(twoOperand(rm, reg), isa.Bit8)
	case 1: // r/m, r
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return group, withExplicitSize(twoOperand(rm, reg), size)
	case 2: // r8, r/m8
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit8))
		reg := isa.Reg(gprRegister(regField, isa.Bit8, p.hasREX))
		return group, withExplicitSize(twoOperand(reg, rm), isa.Bit8)
	case 3: // r, r/m
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return group, withExplicitSize(twoOperand(reg, rm), size)
	case 4: // AL, imm8
		imm := c.i8()
		return group, withExplicitSize(twoOperand(isa.Reg(isa.AL), isa.Imm(int64(imm))), isa.Bit8)
	default: // rAX, imm
		imm := immediate(c, p, true)
		return group, withExplicitSize(twoOperand(isa.Reg(gprRegister(0, size, p.hasREX)), isa.Imm(imm)), size)
	}
}

func decodeArithmeticImmediate(c *cursor, p prefixes, opcodeByte uint8) (isa.Opcode, isa.Operands) {
	width := isa.Bit8
	if opcodeByte != 0x80 && opcodeByte != 0x82 {
		width = p.operandSize()
	}
	rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))

	wide := opcodeByte == 0x81
	imm := immediate(c, p, wide)
	op := arithmeticTable[ext&7]
	return op, withExt(withExplicitSize(twoOperand(rm, isa.Imm(imm)), width), ext)
}

// group3Opcode names F6/F7's /0-/7 extensions: TEST, (unused), NOT,
// NEG, MUL, IMUL, DIV, IDIV.
var group3Opcode = [8]isa.Opcode{
	isa.Test, isa.Test, isa.CompareMulOperation, isa.CompareMulOperation,
	isa.CompareMulOperation, isa.CompareMulOperation, isa.CompareMulOperation, isa.CompareMulOperation,
}

func decodeGroup3(c *cursor, p prefixes, size isa.OperandSize, opcodeByte uint8) (isa.Opcode, isa.Operands) {
	width := isa.Bit8
	if opcodeByte == 0xF7 {
		width = size
	}
	rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))
	op := group3Opcode[ext&7]
	if ext == 0 || ext == 1 {
		imm := immediate(c, p, width != isa.Bit8)
		return isa.Test, withExt(withExplicitSize(twoOperand(rm, isa.Imm(imm)), width), ext)
	}
	return op, withExt(withExplicitSize(oneOperand(rm), width), ext)
}

func decodeGroup5(c *cursor, p prefixes, size isa.OperandSize) (isa.Opcode, isa.Operands) {
	width := size
	switch p.peekGroup5Ext(c) {
	case 2, 3, 4, 5:
		width = isa.Bit64
	}
	rm, ext, _ := decodeModRM(c, prefixesWithSize(p, width))
	switch ext & 7 {
	case 0, 1:
		return isa.RegisterOperation, withExt(withExplicitSize(oneOperand(rm), width), ext)
	case 2, 3:
		return isa.Call, withExplicitSize(oneOperand(rm), isa.Bit64)
	case 4, 5:
		return isa.Jmp, withExplicitSize(oneOperand(rm), isa.Bit64)
	case 6:
		return isa.Push, withExplicitSize(oneOperand(rm), isa.Bit64)
	default:
		return isa.Nop, isa.Operands{}
	}
}

// peekGroup5Ext inspects the reg field of the upcoming ModR/M byte
// without consuming it, so decodeGroup5 can pick the operand width
// the opcode extension demands before decoding the operand itself.
func (p prefixes) peekGroup5Ext(c *cursor) uint8 {
	raw := c.mem.ReadByte(c.start + c.pos)
	ext := (raw >> 3) & 7
	if p.rexR {
		ext |= 0x08
	}
	return ext & 7
}

func decodeTwoByte(c *cursor, p prefixes, size isa.OperandSize) (isa.Opcode, isa.Operands) {
	second := c.u8()

	switch {
	case second == 0x01:
		rm, ext, _ := decodeModRM(c, p)
		switch ext & 7 {
		case 2:
			return isa.Lgdt, oneOperand(rm)
		case 3:
			return isa.Lidt, oneOperand(rm)
		default:
			fail(c.start, "unhandled 0F 01 /%d", ext&7)
		}

	case second == 0x05:
		return isa.Syscall, isa.Operands{}

	case second == 0x0B:
		fail(c.start, "UD2 reached")

	case second == 0x1F:
		decodeModRM(c, p)
		return isa.Nop, isa.Operands{}

	case second == 0x20:
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit64))
		cr := isa.Register(isa.CR0 + isa.Register(regField))
		return isa.Mov, twoOperand(rm, isa.Reg(cr))

	case second == 0x22:
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit64))
		cr := isa.Register(isa.CR0 + isa.Register(regField))
		return isa.Mov, twoOperand(isa.Reg(cr), rm)

	case second >= 0x30 && second <= 0x32:
		if second == 0x30 {
			return isa.Wrmsr, isa.Operands{}
		}
		return isa.Rdmsr, isa.Operands{}

	case second >= 0x40 && second <= 0x4F:
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return cmovccTable[second-0x40], withExplicitSize(twoOperand(reg, rm), size)

	case second >= 0x80 && second <= 0x8F:
		disp := c.i32()
		return jccTable[second-0x80], oneOperand(isa.Imm(int64(disp)))

	case second >= 0x90 && second <= 0x9F:
		rm, _, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit8))
		return setccTable[second-0x90], withExplicitSize(oneOperand(rm), isa.Bit8)

	case second == 0xA2:
		return isa.Cpuid, isa.Operands{}

	case second == 0xA3 || second == 0xAB || second == 0xB3 || second == 0xBB:
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		var op isa.Opcode
		switch second {
		case 0xA3:
			op = isa.Bt
		case 0xAB:
			op = isa.Bts
		case 0xB3:
			op = isa.Btr
		default:
			op = isa.Btc
		}
		return op, withExplicitSize(twoOperand(rm, reg), size)

	case second == 0xBA:
		rm, ext, _ := decodeModRM(c, p)
		imm := c.u8()
		var op isa.Opcode
		switch ext & 7 {
		case 4:
			op = isa.Bt
		case 5:
			op = isa.Bts
		case 6:
			op = isa.Btr
		default:
			op = isa.Btc
		}
		return op, withExt(withExplicitSize(twoOperand(rm, isa.Imm(int64(imm))), size), ext)

	case second == 0xAF:
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return isa.Imul, withExplicitSize(twoOperand(reg, rm), size)

	case second == 0xB0 || second == 0xB1:
		width := isa.Bit8
		if second == 0xB1 {
			width = size
		}
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, width, p.hasREX))
		return isa.Cmpxchg, withExplicitSize(twoOperand(rm, reg), width)

	case second == 0xB6 || second == 0xB7:
		width := isa.Bit8
		if second == 0xB7 {
			width = isa.Bit16
		}
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return isa.Movzx, withExplicitSize(twoOperand(reg, rm), width)

	case second == 0xBE || second == 0xBF:
		width := isa.Bit8
		if second == 0xBF {
			width = isa.Bit16
		}
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, width))
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return isa.Movsx, withExplicitSize(twoOperand(reg, rm), width)

	case second == 0x10 || second == 0x11 || second == 0x28 || second == 0x29:
		// MOVUPS/MOVAPS: full 128-bit xmm<->xmm/m128 move. Routed to
		// MovVec rather than Mov since the operands are vector
		// registers, not GPR aliases (see execMovVec).
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit128))
		reg := isa.Reg(isa.Register(isa.XMM0 + isa.Register(regField)))
		if second == 0x10 || second == 0x28 {
			return isa.MovVec, withExplicitSize(twoOperand(reg, rm), isa.Bit128)
		}
		return isa.MovVec, withExplicitSize(twoOperand(rm, reg), isa.Bit128)

	case second == 0x6E || second == 0x7E:
		// MOVD/MOVQ: low 32/64 bits of a GPR or memory operand move
		// into (or out of) the low lane of an xmm register.
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, size))
		reg := isa.Reg(isa.Register(isa.XMM0 + isa.Register(regField)))
		if second == 0x6E {
			return isa.MovVec, withExplicitSize(twoOperand(reg, rm), size)
		}
		return isa.MovVec, withExplicitSize(twoOperand(rm, reg), size)

	case second >= 0x55 && second <= 0x5F:
		// Packed SSE logical/arithmetic: ANDNPS(0x55) ORPS(0x56)
		// XORPS(0x57) ADDPS(0x58) MULPS(0x59) CVTPS2PD(0x5A)
		// CVTDQ2PS(0x5B) SUBPS(0x5C) MINPS(0x5D) DIVPS(0x5E)
		// MAXPS(0x5F), all xmm, xmm/m128. The mandatory-prefix
		// distinction between PS/PD/SS/SD forms is not tracked; every
		// form is decoded as the packed-single variant (see DESIGN.md).
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit128))
		reg := isa.Reg(isa.Register(isa.XMM0 + isa.Register(regField)))
		return isa.Sse, withExt(withExplicitSize(twoOperand(reg, rm), isa.Bit128), second)

	case second == 0x2A:
		// CVTSI2SS/CVTSI2SD: integer GPR/memory -> low xmm lane.
		rm, regField, _ := decodeModRM(c, p)
		reg := isa.Reg(isa.Register(isa.XMM0 + isa.Register(regField)))
		return isa.Cvt, withExt(withRepeat(withExplicitSize(twoOperand(reg, rm), size), p.repeat), second)

	case second == 0x2C:
		// CVTTSS2SI/CVTTSD2SI: low xmm lane, truncated -> integer GPR.
		rm, regField, _ := decodeModRM(c, prefixesWithSize(p, isa.Bit128))
		reg := isa.Reg(gprRegister(regField, size, p.hasREX))
		return isa.Cvt, withExt(withRepeat(withExplicitSize(twoOperand(reg, rm), size), p.repeat), second)
	}

	fail(c.start, "unrecognized two-byte opcode 0F %#02x", second)
	return isa.Nop, isa.Operands{}
}

// SegmentRegister exposes the six-entry segment table for callers
// (the monitor's register dump) that need to name ES..GS by index.
func SegmentRegister(index int) isa.Register { return segmentRegister[index] }
