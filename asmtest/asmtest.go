/*
x86emu test program encoder.

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

// Package asmtest is a tiny fluent byte-slice builder for constructing
// guest instruction streams in tests. It is not a general assembler:
// it covers a small fixed set of mnemonics, one
// method per mnemonic, each appending encoded bytes and returning the
// builder so calls chain.
package asmtest

// The 3-bit register encoding used by ModR/M and by the opcode+reg
// "OI" forms (MOV r32, imm32), shared across the methods below.
// Values follow the hardware encoding order (RAX, RCX, RDX, RBX, ...).
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
)

// Builder accumulates encoded bytes for one instruction stream.
type Builder struct {
	bytes []byte
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Bytes returns the accumulated instruction stream.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

func (b *Builder) emit(bytes ...byte) *Builder {
	b.bytes = append(b.bytes, bytes...)
	return b
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// MovEAXImm32 encodes "mov eax/ecx/.../edi, imm32" (opcode B8+r).
func (b *Builder) MovEAXImm32(reg int, imm uint32) *Builder {
	b.emit(0xB8 + byte(reg))
	return b.emit(le32(imm)...)
}

// MovRAXImm64 encodes "mov rax/rcx/.../rdi, imm64" (REX.W + B8+r).
func (b *Builder) MovRAXImm64(reg int, imm uint64) *Builder {
	b.emit(0x48, 0xB8+byte(reg))
	return b.emit(le64(imm)...)
}

// AddEAXImm32 encodes "add eax, imm32" (opcode 05).
func (b *Builder) AddEAXImm32(imm uint32) *Builder {
	b.emit(0x05)
	return b.emit(le32(imm)...)
}

// AddRegReg encodes "add dst, src" for two 32-bit GP registers
// (opcode 01 /r, dst is rm, src is reg).
func (b *Builder) AddRegReg(dst, src int) *Builder {
	return b.emit(0x01, modrmRegister(src, dst))
}

// SubRegReg encodes "sub dst, src" for two 32-bit GP registers.
func (b *Builder) SubRegReg(dst, src int) *Builder {
	return b.emit(0x29, modrmRegister(src, dst))
}

// CmpRegImm32 encodes "cmp reg, imm32" via the /7 extension of opcode
// group 81.
func (b *Builder) CmpRegImm32(reg int, imm uint32) *Builder {
	b.emit(0x81, modrmRegister(7, reg))
	return b.emit(le32(imm)...)
}

// MovRegRIPRelative encodes "mov reg, [rip+disp32]" (opcode 8B /r,
// mod=00 rm=101).
func (b *Builder) MovRegRIPRelative(reg int, disp int32) *Builder {
	b.emit(0x8B, modrmRIPRelative(reg))
	return b.emit(le32(uint32(disp))...)
}

// JccRel8 encodes a short conditional jump; cond is the Jcc tttn
// nibble (0x0=JO .. 0xF=JG), matching the one/two-byte opcode map's
// condition ordering.
func (b *Builder) JccRel8(cond byte, rel8 int8) *Builder {
	return b.emit(0x70+cond, byte(rel8))
}

// CmovCC encodes "cmovCC dst, src" (0F 40+cond /r).
func (b *Builder) CmovCC(cond byte, dst, src int) *Builder {
	return b.emit(0x0F, 0x40+cond, modrmRegister(dst, src))
}

// SetCC encodes "setCC dst8" (0F 90+cond /0).
func (b *Builder) SetCC(cond byte, dst int) *Builder {
	return b.emit(0x0F, 0x90+cond, modrmRegister(0, dst))
}

// Push encodes "push reg" (opcode 50+r).
func (b *Builder) Push(reg int) *Builder {
	return b.emit(0x50 + byte(reg))
}

// Pop encodes "pop reg" (opcode 58+r).
func (b *Builder) Pop(reg int) *Builder {
	return b.emit(0x58 + byte(reg))
}

// Nop encodes a one-byte NOP (opcode 90).
func (b *Builder) Nop() *Builder {
	return b.emit(0x90)
}

// Ret encodes a near return (opcode C3).
func (b *Builder) Ret() *Builder {
	return b.emit(0xC3)
}

// Int3 encodes a breakpoint trap (opcode CC). The decoder rejects CC
// with a fault, so reaching it ends the run as Faulted.
func (b *Builder) Int3() *Builder {
	return b.emit(0xCC)
}

// IntImm8 encodes "int imm8" (opcode CD ib).
func (b *Builder) IntImm8(vector byte) *Builder {
	return b.emit(0xCD, vector)
}

// MovsQuad encodes "movsq" with a REP prefix (F3 REX.W A5).
func (b *Builder) MovsQuad() *Builder {
	return b.emit(0xF3, 0x48, 0xA5)
}

// JmpRel8 encodes a short unconditional jump (opcode EB).
func (b *Builder) JmpRel8(rel8 int8) *Builder {
	return b.emit(0xEB, byte(rel8))
}

// Raw appends literal bytes, escape hatch for anything this builder
// has no dedicated method for.
func (b *Builder) Raw(bytes ...byte) *Builder {
	return b.emit(bytes...)
}

// modrmRegister builds a register-direct ModR/M byte (mod=11) from a
// 3-bit reg field and a 3-bit rm field.
func modrmRegister(reg, rm int) byte {
	return 0xC0 | byte(reg&7)<<3 | byte(rm&7)
}

// modrmRIPRelative builds a ModR/M byte selecting RIP-relative
// addressing (mod=00, rm=101) with the given reg field.
func modrmRIPRelative(reg int) byte {
	return byte(reg&7)<<3 | 0x05
}
