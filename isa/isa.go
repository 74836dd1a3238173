/*
x86emu ISA - register, operand and opcode model.

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

// Package isa holds the closed register, operand and opcode enumerations
// shared by the decoder and interpreter. It carries no behavior of its
// own beyond formatting and the few pure lookup tables (register width,
// alias group) that both sides need.
package isa

import "fmt"

// Register names a single architectural register or sub-register alias.
// The numeric value doubles as an index: GPR width groups are laid out
// contiguously so decode can compute "which 64-bit register does this
// alias belong to" with one table lookup instead of sixteen case arms.
type Register uint8

const (
	RAX Register = iota
	RBX
	RCX
	RDX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP

	EAX
	EBX
	ECX
	EDX
	ESP
	EBP
	ESI
	EDI
	R8D
	R9D
	R10D
	R11D
	R12D
	R13D
	R14D
	R15D

	AX
	BX
	CX
	DX
	SP
	BP
	SI
	DI
	R8W
	R9W
	R10W
	R11W
	R12W
	R13W
	R14W
	R15W

	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH
	SPL
	BPL
	SIL
	DIL
	R8B
	R9B
	R10B
	R11B
	R12B
	R13B
	R14B
	R15B

	ES
	CS
	SS
	DS
	FS
	GS

	CR0
	CR2
	CR3
	CR4
	CR8

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	NoReg Register = 0xff
)

var registerNames = map[Register]string{
	RAX: "rax", RBX: "rbx", RCX: "rcx", RDX: "rdx", RSP: "rsp", RBP: "rbp", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11", R12: "r12", R13: "r13", R14: "r14", R15: "r15", RIP: "rip",

	EAX: "eax", EBX: "ebx", ECX: "ecx", EDX: "edx", ESP: "esp", EBP: "ebp", ESI: "esi", EDI: "edi",
	R8D: "r8d", R9D: "r9d", R10D: "r10d", R11D: "r11d", R12D: "r12d", R13D: "r13d", R14D: "r14d", R15D: "r15d",

	AX: "ax", BX: "bx", CX: "cx", DX: "dx", SP: "sp", BP: "bp", SI: "si", DI: "di",
	R8W: "r8w", R9W: "r9w", R10W: "r10w", R11W: "r11w", R12W: "r12w", R13W: "r13w", R14W: "r14w", R15W: "r15w",

	AL: "al", CL: "cl", DL: "dl", BL: "bl", AH: "ah", CH: "ch", DH: "dh", BH: "bh",
	SPL: "spl", BPL: "bpl", SIL: "sil", DIL: "dil",
	R8B: "r8b", R9B: "r9b", R10B: "r10b", R11B: "r11b", R12B: "r12b", R13B: "r13b", R14B: "r14b", R15B: "r15b",

	ES: "es", CS: "cs", SS: "ss", DS: "ds", FS: "fs", GS: "gs",

	CR0: "cr0", CR2: "cr2", CR3: "cr3", CR4: "cr4", CR8: "cr8",

	XMM0: "xmm0", XMM1: "xmm1", XMM2: "xmm2", XMM3: "xmm3", XMM4: "xmm4", XMM5: "xmm5", XMM6: "xmm6", XMM7: "xmm7",
	XMM8: "xmm8", XMM9: "xmm9", XMM10: "xmm10", XMM11: "xmm11", XMM12: "xmm12", XMM13: "xmm13", XMM14: "xmm14", XMM15: "xmm15",
}

// String returns the lowercase assembly mnemonic for reg, or a hex
// fallback for NoReg and any unrecognized value.
func (reg Register) String() string {
	if name, ok := registerNames[reg]; ok {
		return name
	}
	return fmt.Sprintf("reg(%#x)", uint8(reg))
}

// gprOf maps every 64/32/16/8-bit GPR alias to its owning 64-bit slot
// index (0..15, matching RAX..R15). Populated once in init.
var gprOf [256]int8
var gprValid [256]bool

// highByteAlias marks AH/CH/DH/BH, the four registers that address
// bits [15:8] of their backing register rather than bits [7:0].
var highByteAlias [256]bool

func init() {
	group := func(base Register, slots ...Register) {
		for i, reg := range slots {
			gprOf[reg] = int8(i)
			gprValid[reg] = true
			_ = base
		}
	}
	group(RAX, RAX, RBX, RCX, RDX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15)
	group(EAX, EAX, EBX, ECX, EDX, ESP, EBP, ESI, EDI, R8D, R9D, R10D, R11D, R12D, R13D, R14D, R15D)
	group(AX, AX, BX, CX, DX, SP, BP, SI, DI, R8W, R9W, R10W, R11W, R12W, R13W, R14W, R15W)
	group(AL, AL, CL, DL, BL, AH, CH, DH, BH, SPL, BPL, SIL, DIL, R8B, R9B, R10B, R11B, R12B, R13B, R14B, R15B)
	// The byte group above is listed in encoding order (AL, CL, DL, BL)
	// and interleaves AH/CH/DH/BH, so its positions are not slots; set
	// the byte slots explicitly against the RAX, RBX, RCX, RDX slot order.
	byteOrder := []Register{AL, CL, DL, BL, AH, CH, DH, BH, SPL, BPL, SIL, DIL, R8B, R9B, R10B, R11B, R12B, R13B, R14B, R15B}
	byteSlot := []int8{0, 2, 3, 1, 0, 2, 3, 1, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	for i, reg := range byteOrder {
		gprOf[reg] = byteSlot[i]
		gprValid[reg] = true
	}
	for _, reg := range []Register{AH, CH, DH, BH} {
		highByteAlias[reg] = true
	}
}

// GPRSlot returns the 0..15 index of the 64-bit register backing reg,
// and whether reg is a GPR alias at all (RIP, segments, CR and XMM
// registers are not).
func GPRSlot(reg Register) (int, bool) {
	if !gprValid[reg] {
		return 0, false
	}
	return int(gprOf[reg]), true
}

// IsHighByte reports whether reg addresses bits [15:8] (AH/CH/DH/BH).
func IsHighByte(reg Register) bool { return highByteAlias[reg] }

// IsXMM reports whether reg names one of the sixteen vector registers.
func IsXMM(reg Register) bool { return reg >= XMM0 && reg <= XMM15 }

// IsControl reports whether reg names a control register.
func IsControl(reg Register) bool { return reg >= CR0 && reg <= CR8 }

// IsSegment reports whether reg names a segment selector.
func IsSegment(reg Register) bool { return reg >= ES && reg <= GS }

// OperandSize selects the width an operation runs at.
type OperandSize uint8

const (
	Bit8 OperandSize = iota
	Bit16
	Bit32
	Bit64
	Bit128
)

// Bytes returns the width of size in bytes.
func (s OperandSize) Bytes() int {
	switch s {
	case Bit8:
		return 1
	case Bit16:
		return 2
	case Bit32:
		return 4
	case Bit64:
		return 8
	case Bit128:
		return 16
	default:
		return 0
	}
}

// RegisterSize returns the natural operand size of reg.
func RegisterSize(reg Register) OperandSize {
	switch {
	case reg <= R15 || reg == RIP || IsControl(reg):
		return Bit64
	case reg >= EAX && reg <= R15D:
		return Bit32
	case (reg >= AX && reg <= R15W) || IsSegment(reg):
		return Bit16
	case reg >= AL && reg <= R15B:
		return Bit8
	case IsXMM(reg):
		return Bit128
	default:
		return Bit64
	}
}

// OperandKind tags the active member of an Operand.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandImmediate
	OperandEffectiveAddress
)

// Operand is the flat three-way sum described by the spec: a register,
// a sign-extended immediate, or a base+index*scale+displacement
// effective address. Kept as one struct with a tag rather than an
// interface so decode can build and copy these without allocating.
type Operand struct {
	Kind         OperandKind
	Reg          Register // OperandRegister
	Immediate    int64    // OperandImmediate
	Base         Register // OperandEffectiveAddress, NoReg if absent
	Index        Register // OperandEffectiveAddress, NoReg if absent
	Scale        uint8    // 1, 2, 4 or 8 when Index != NoReg
	Displacement int32    // OperandEffectiveAddress
}

// Reg builds a register operand.
func Reg(reg Register) Operand { return Operand{Kind: OperandRegister, Reg: reg} }

// Imm builds a sign-extended immediate operand.
func Imm(value int64) Operand { return Operand{Kind: OperandImmediate, Immediate: value} }

// EffectiveAddress builds a memory operand. Pass NoReg for an absent
// base or index.
func EffectiveAddress(base, index Register, scale uint8, displacement int32) Operand {
	return Operand{
		Kind:         OperandEffectiveAddress,
		Base:         base,
		Index:        index,
		Scale:        scale,
		Displacement: displacement,
	}
}

// Repeat tags the string-operation prefix carried by an instruction.
type Repeat uint8

const (
	RepeatNone Repeat = iota
	RepeatEqual
	RepeatNotEqual
)

// Opcode names a decoded operation. Arithmetic, ShiftRotate,
// RegisterOperation, CompareMulOperation and BitManipulation are
// pseudo-opcodes: the real operation is folded into OpcodeExt (taken
// from the ModR/M reg field) and the interpreter's dispatch table
// re-switches on it. The decoder emits ShiftRotate, RegisterOperation
// and CompareMulOperation; it resolves the 80-83 arithmetic group and
// the 0F BA bit group to concrete opcodes instead.
type Opcode uint16

const (
	Adc Opcode = iota
	Add
	And
	Arithmetic
	BitManipulation
	Bt
	Bts
	Btr
	Btc
	Call
	Cld
	Cmova
	Cmovae
	Cmovb
	Cmovbe
	Cmove
	Cmovg
	Cmovge
	Cmovl
	Cmovle
	Cmovne
	Cmovno
	Cmovnp
	Cmovns
	Cmovo
	Cmovp
	Cmovs
	Cmp
	CompareMulOperation
	Cpuid
	Imul
	Int
	Ja
	Jae
	Jb
	Jbe
	Je
	Jg
	Jge
	Jl
	Jle
	Jmp
	Jne
	Jno
	Jnp
	Jns
	Jo
	Jp
	Js
	Lea
	Leave
	Lidt
	Lgdt
	Mov
	MovVec
	Movs
	Movsx
	Movzx
	Nop
	Or
	Out
	Pop
	Popf
	Push
	Pushf
	Rdmsr
	RegisterOperation
	Ret
	Lret
	Sbb
	ShiftRotate
	Std
	Stos
	Sub
	Test
	Wrmsr
	Xor
	Scas
	Cmpxchg
	Xchg
	Syscall
	Seto
	Setno
	Setb
	Setae
	Sete
	Setne
	Setbe
	Seta
	Sets
	Setns
	Setp
	Setnp
	Setl
	Setge
	Setle
	Setg
	Sse
	Cvt
)

// opcodeNames mirrors the Opcode constants above for diagnostics.
var opcodeNames = [...]string{
	"adc", "add", "and", "arithmetic", "bitmanip", "bt", "bts", "btr", "btc",
	"call", "cld", "cmova", "cmovae", "cmovb", "cmovbe", "cmove", "cmovg",
	"cmovge", "cmovl", "cmovle", "cmovne", "cmovno", "cmovnp", "cmovns",
	"cmovo", "cmovp", "cmovs", "cmp", "cmpmul", "cpuid", "imul", "int",
	"ja", "jae", "jb", "jbe", "je", "jg", "jge", "jl", "jle", "jmp", "jne",
	"jno", "jnp", "jns", "jo", "jp", "js", "lea", "leave", "lidt", "lgdt",
	"mov", "movvec", "movs", "movsx", "movzx", "nop", "or", "out", "pop", "popf",
	"push", "pushf", "rdmsr", "regop", "ret", "lret", "sbb", "shiftrot",
	"std", "stos", "sub", "test", "wrmsr", "xor", "scas", "cmpxchg",
	"xchg", "syscall", "seto", "setno", "setb", "setae", "sete", "setne",
	"setbe", "seta", "sets", "setns", "setp", "setnp", "setl", "setge",
	"setle", "setg", "sse", "cvt",
}

// String implements fmt.Stringer for diagnostics and test failure
// messages; it is not an instruction-printer (see monitor for that).
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "opcode(?)"
}

// Operands holds the up-to-three decoded arguments of an instruction
// plus the bits decode peeled off the encoding that the interpreter
// needs but that don't fit the Operand shape: the ModR/M reg field
// used to disambiguate a pseudo-opcode, an explicit operand-size
// override, and the active string-repeat prefix.
type Operands struct {
	Count        int
	Arg          [3]Operand
	OpcodeExt    uint8
	HasExt       bool
	ExplicitSize OperandSize
	HasExplicit  bool
	Repeat       Repeat
}

// Instruction is one fully decoded x86-64 instruction: the opcode,
// its operands, and the byte length consumed from the stream (so the
// caller can advance RIP and key the instruction cache).
type Instruction struct {
	Opcode   Opcode
	Operands Operands
	Length   int
}

// Size returns the operand size the instruction executes at: the
// explicit override if decode recorded one, otherwise the natural
// width of the first register operand, defaulting to Bit64 for a
// memory or immediate destination with no register present to infer
// width from.
func (ops Operands) Size() OperandSize {
	if ops.HasExplicit {
		return ops.ExplicitSize
	}
	if ops.Count > 0 && ops.Arg[0].Kind == OperandRegister {
		return RegisterSize(ops.Arg[0].Reg)
	}
	for i := 0; i < ops.Count; i++ {
		if ops.Arg[i].Kind == OperandRegister {
			return RegisterSize(ops.Arg[i].Reg)
		}
	}
	return Bit64
}
