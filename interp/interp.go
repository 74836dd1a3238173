/*
x86emu interpreter - executes one decoded instruction against machine state.

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

// Package interp executes a decoded isa.Instruction against a
// state.State. Every opcode handler is a plain function taking the
// state and the operand record; dispatch is a table built once,
// keyed by isa.Opcode, with the multiplexed pseudo-opcodes
// re-switching on Operands.OpcodeExt.
package interp

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/state"
)

// Fault is raised for conditions the interpreter treats as fatal:
// division overflow, an unrecognized MSR, or an opcode extension with
// no handler.
type Fault struct {
	RIP    int64
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("interpreter fault at %#x: %s", f.RIP, f.Reason)
}

func fail(s *state.State, format string, args ...interface{}) {
	panic(&Fault{RIP: s.RIP(), Reason: fmt.Sprintf(format, args...)})
}

type handler func(s *state.State, ops isa.Operands)

var table [256]handler

func init() {
	table[isa.Add] = execAdd
	table[isa.Or] = execOr
	table[isa.Adc] = execAdc
	table[isa.Sbb] = execSbb
	table[isa.And] = execAnd
	table[isa.Sub] = execSub
	table[isa.Xor] = execXor
	table[isa.Cmp] = execCmp
	table[isa.Arithmetic] = execArithmeticExt
	table[isa.Test] = execTest
	table[isa.Mov] = execMov
	table[isa.MovVec] = execMovVec
	table[isa.Sse] = execSse
	table[isa.Cvt] = execCvt
	table[isa.Movsx] = execMovsx
	table[isa.Movzx] = execMovzx
	table[isa.Lea] = execLea
	table[isa.Push] = execPush
	table[isa.Pop] = execPop
	table[isa.Pushf] = execPushf
	table[isa.Popf] = execPopf
	table[isa.Leave] = execLeave
	table[isa.Call] = execCall
	table[isa.Ret] = execRet
	table[isa.Lret] = execLret
	table[isa.Jmp] = execJmp
	table[isa.Nop] = execNop
	table[isa.Cld] = execCld
	table[isa.Std] = execStd
	table[isa.ShiftRotate] = execShiftRotate
	table[isa.CompareMulOperation] = execCompareMulOperation
	table[isa.RegisterOperation] = execRegisterOperation
	table[isa.Movs] = execMovs
	table[isa.Stos] = execStos
	table[isa.Scas] = execScas
	table[isa.Bt] = execBt
	table[isa.Bts] = execBts
	table[isa.Btr] = execBtr
	table[isa.Btc] = execBtc
	table[isa.Cmpxchg] = execCmpxchg
	table[isa.Xchg] = execXchg
	table[isa.Cpuid] = execCpuid
	table[isa.Rdmsr] = execRdmsr
	table[isa.Wrmsr] = execWrmsr
	table[isa.Lgdt] = execLgdt
	table[isa.Lidt] = execLidt
	table[isa.Syscall] = execSyscall
	table[isa.Imul] = execImul
	table[isa.Int] = execInt

	for i, op := range []isa.Opcode{isa.Jo, isa.Jno, isa.Jb, isa.Jae, isa.Je, isa.Jne, isa.Jbe, isa.Ja,
		isa.Js, isa.Jns, isa.Jp, isa.Jnp, isa.Jl, isa.Jge, isa.Jle, isa.Jg} {
		predicate := conditionTable[i]
		table[op] = makeJcc(predicate)
	}
	for i, op := range []isa.Opcode{isa.Seto, isa.Setno, isa.Setb, isa.Setae, isa.Sete, isa.Setne, isa.Setbe, isa.Seta,
		isa.Sets, isa.Setns, isa.Setp, isa.Setnp, isa.Setl, isa.Setge, isa.Setle, isa.Setg} {
		predicate := conditionTable[i]
		table[op] = makeSetcc(predicate)
	}
	// CMOVcc ordering matches the O,NO,B,AE,E,NE,BE,A,S,NS,P,NP,L,GE,LE,G
	// predicate table directly (see decode's cmovccTable), so reuse it here.
	cmovOrder := []isa.Opcode{isa.Cmovo, isa.Cmovno, isa.Cmovb, isa.Cmovae, isa.Cmove, isa.Cmovne, isa.Cmovbe, isa.Cmova,
		isa.Cmovs, isa.Cmovns, isa.Cmovp, isa.Cmovnp, isa.Cmovl, isa.Cmovge, isa.Cmovle, isa.Cmovg}
	for i, op := range cmovOrder {
		predicate := conditionTable[i]
		table[op] = makeCmovcc(predicate)
	}
}

// Execute dispatches one decoded instruction. It panics with *Fault
// (or a *memory.Fault from a memory access) on any unrecoverable
// condition; the execution loop recovers these.
func Execute(s *state.State, inst isa.Instruction) {
	h := table[inst.Opcode]
	if h == nil {
		fail(s, "no interpreter handler for opcode %v", inst.Opcode)
	}
	h(s, inst.Operands)
}

// conditionTable is shared by Jcc/Setcc/Cmovcc: O, NO, B, AE, E, NE,
// BE, A, S, NS, P, NP, L, GE, LE, G.
var conditionTable = [16]func(s *state.State) bool{
	func(s *state.State) bool { return s.Flag(state.FlagOverflow) },
	func(s *state.State) bool { return !s.Flag(state.FlagOverflow) },
	func(s *state.State) bool { return s.Flag(state.FlagCarry) },
	func(s *state.State) bool { return !s.Flag(state.FlagCarry) },
	func(s *state.State) bool { return s.Flag(state.FlagZero) },
	func(s *state.State) bool { return !s.Flag(state.FlagZero) },
	func(s *state.State) bool { return s.Flag(state.FlagCarry) || s.Flag(state.FlagZero) },
	func(s *state.State) bool { return !s.Flag(state.FlagCarry) && !s.Flag(state.FlagZero) },
	func(s *state.State) bool { return s.Flag(state.FlagSign) },
	func(s *state.State) bool { return !s.Flag(state.FlagSign) },
	func(s *state.State) bool { return s.Flag(state.FlagParity) },
	func(s *state.State) bool { return !s.Flag(state.FlagParity) },
	func(s *state.State) bool { return s.Flag(state.FlagSign) != s.Flag(state.FlagOverflow) },
	func(s *state.State) bool { return s.Flag(state.FlagSign) == s.Flag(state.FlagOverflow) },
	func(s *state.State) bool {
		return s.Flag(state.FlagZero) || s.Flag(state.FlagSign) != s.Flag(state.FlagOverflow)
	},
	func(s *state.State) bool {
		return !s.Flag(state.FlagZero) && s.Flag(state.FlagSign) == s.Flag(state.FlagOverflow)
	},
}

func makeJcc(predicate func(s *state.State) bool) handler {
	return func(s *state.State, ops isa.Operands) {
		disp := ops.Arg[0].Immediate
		if predicate(s) {
			s.AdvanceRIP(int(disp))
		}
	}
}

func makeSetcc(predicate func(s *state.State) bool) handler {
	return func(s *state.State, ops isa.Operands) {
		value := int64(0)
		if predicate(s) {
			value = 1
		}
		s.SetValue(ops.Arg[0], value, isa.Bit8)
	}
}

func makeCmovcc(predicate func(s *state.State) bool) handler {
	return func(s *state.State, ops isa.Operands) {
		if predicate(s) {
			size := ops.Size()
			v := s.GetValue(ops.Arg[1], size)
			s.SetValue(ops.Arg[0], v, size)
		}
	}
}

func truncate(value int64, size isa.OperandSize) int64 {
	switch size {
	case isa.Bit8:
		return int64(int8(value))
	case isa.Bit16:
		return int64(int16(value))
	case isa.Bit32:
		return int64(int32(value))
	default:
		return value
	}
}

func maskOf(size isa.OperandSize) uint64 {
	switch size {
	case isa.Bit8:
		return 0xff
	case isa.Bit16:
		return 0xffff
	case isa.Bit32:
		return 0xffffffff
	default:
		return 0xffffffffffffffff
	}
}

func signBitOf(value int64, size isa.OperandSize) bool {
	switch size {
	case isa.Bit8:
		return value&0x80 != 0
	case isa.Bit16:
		return value&0x8000 != 0
	case isa.Bit32:
		return value&0x80000000 != 0
	default:
		return value&(-1<<63) != 0
	}
}

// arith executes the binary operation named by kind at size,
// returning the truncated result. Carry/Overflow are set for every
// kind except the three bitwise operations, which clear both per the
// architecture.
func arith(s *state.State, ops isa.Operands, kind isa.Opcode, writeBack bool) int64 {
	size := ops.Size()
	dst := s.GetValue(ops.Arg[0], size)
	src := s.GetValue(ops.Arg[1], size)
	mask := maskOf(size)

	var result int64
	switch kind {
	case isa.Add:
		result = dst + src
	case isa.Sub, isa.Cmp:
		result = dst - src
	case isa.Adc: // ADC/SBB do not use the incoming carry flag.
		result = dst + src
	case isa.Sbb:
		result = dst - src
	case isa.And:
		result = dst & src
	case isa.Or:
		result = dst | src
	case isa.Xor:
		result = dst ^ src
	}

	truncated := truncate(result, size)
	s.ComputeFlags(truncated, size)

	switch kind {
	case isa.And, isa.Or, isa.Xor:
		s.SetFlag(state.FlagCarry, false)
		s.SetFlag(state.FlagOverflow, false)
	case isa.Add, isa.Adc:
		s.SetFlag(state.FlagCarry, (uint64(dst)+uint64(src))&^mask != (uint64(result))&^mask || uint64(result)&mask < uint64(dst)&mask)
		overflow := signBitOf(dst, size) == signBitOf(src, size) && signBitOf(dst, size) != signBitOf(truncated, size)
		s.SetFlag(state.FlagOverflow, overflow)
	case isa.Sub, isa.Sbb, isa.Cmp:
		s.SetFlag(state.FlagCarry, uint64(dst)&mask < uint64(src)&mask)
		overflow := signBitOf(dst, size) != signBitOf(src, size) && signBitOf(dst, size) != signBitOf(truncated, size)
		s.SetFlag(state.FlagOverflow, overflow)
	}

	if writeBack && kind != isa.Cmp {
		s.SetValue(ops.Arg[0], truncated, size)
	}
	return truncated
}

func execAdd(s *state.State, ops isa.Operands) { arith(s, ops, isa.Add, true) }
func execOr(s *state.State, ops isa.Operands)  { arith(s, ops, isa.Or, true) }
func execAdc(s *state.State, ops isa.Operands) { arith(s, ops, isa.Adc, true) }
func execSbb(s *state.State, ops isa.Operands) { arith(s, ops, isa.Sbb, true) }
func execAnd(s *state.State, ops isa.Operands) { arith(s, ops, isa.And, true) }
func execSub(s *state.State, ops isa.Operands) { arith(s, ops, isa.Sub, true) }
func execXor(s *state.State, ops isa.Operands) { arith(s, ops, isa.Xor, true) }
func execCmp(s *state.State, ops isa.Operands) { arith(s, ops, isa.Cmp, false) }

// execArithmeticExt re-dispatches the Arithmetic pseudo-opcode to the
// concrete operation named by OpcodeExt (the ModR/M reg field of the
// 80-83 family). The decoder resolves 80-83 to concrete opcodes itself,
// so this handler only runs for an Arithmetic record built elsewhere.
func execArithmeticExt(s *state.State, ops isa.Operands) {
	kinds := [8]isa.Opcode{isa.Add, isa.Or, isa.Adc, isa.Sbb, isa.And, isa.Sub, isa.Xor, isa.Cmp}
	kind := kinds[ops.OpcodeExt&7]
	arith(s, ops, kind, true)
}

func execTest(s *state.State, ops isa.Operands) {
	size := ops.Size()
	dst := s.GetValue(ops.Arg[0], size)
	src := s.GetValue(ops.Arg[1], size)
	result := truncate(dst&src, size)
	s.ComputeFlags(result, size)
	s.SetFlag(state.FlagCarry, false)
	s.SetFlag(state.FlagOverflow, false)
}

func execMov(s *state.State, ops isa.Operands) {
	size := ops.Size()
	v := s.GetValue(ops.Arg[1], size)
	s.SetValue(ops.Arg[0], v, size)
}

func isXMMOperand(op isa.Operand) bool {
	return op.Kind == isa.OperandRegister && isa.IsXMM(op.Reg)
}

// execMovVec handles MOVAPS/MOVUPS (full 128-bit xmm<->xmm/m128) and
// MOVD/MOVQ (low 32/64 bits of a GPR or memory operand into, or out
// of, the low lane of an xmm register, per ops.Size()). Routed
// separately from execMov because an xmm operand is never a valid
// isa.GPRSlot and must go through state's vector path instead.
func execMovVec(s *state.State, ops isa.Operands) {
	dst, src := ops.Arg[0], ops.Arg[1]
	size := ops.Size()

	switch {
	case size == isa.Bit128:
		low, high := s.GetXMMValue(src)
		s.SetXMMValue(dst, low, high)

	case isXMMOperand(dst):
		v := uint64(s.GetValue(src, size))
		s.SetXMM(dst.Reg, v, 0)

	case isXMMOperand(src):
		low, _ := s.GetXMM(src.Reg)
		s.SetValue(dst, int64(low), size)

	default:
		fail(s, "movvec: neither operand is an xmm register")
	}
}

// execSse handles the packed SSE logical/arithmetic forms (two-byte
// opcodes 0x55-0x5F), multiplexed on OpcodeExt the same way Arithmetic
// and ShiftRotate multiplex on the ModR/M reg field. Every form is
// treated as operating on packed single-precision (four float32) lanes
// regardless of a 0x66/F2/F3 mandatory prefix; the decoder does not
// track the PS/PD/SS/SD distinction separately from the legacy
// operand-size meaning of 0x66 (see DESIGN.md).
func execSse(s *state.State, ops isa.Operands) {
	dst, src := ops.Arg[0], ops.Arg[1]
	dlow, dhigh := s.GetXMMValue(dst)
	slow, shigh := s.GetXMMValue(src)

	switch ops.OpcodeExt {
	case 0x55: // ANDNPS
		s.SetXMMValue(dst, ^dlow&slow, ^dhigh&shigh)
	case 0x56: // ORPS
		s.SetXMMValue(dst, dlow|slow, dhigh|shigh)
	case 0x57: // XORPS
		s.SetXMMValue(dst, dlow^slow, dhigh^shigh)
	case 0x5A: // CVTPS2PD: low two float32 lanes of src -> two float64 lanes
		f0 := float64(math.Float32frombits(uint32(slow)))
		f1 := float64(math.Float32frombits(uint32(slow >> 32)))
		s.SetXMMValue(dst, math.Float64bits(f0), math.Float64bits(f1))
	case 0x5B: // CVTDQ2PS: four packed int32 lanes of src -> four float32 lanes
		var lanes [4]uint32
		for i := range lanes {
			v := int32(sseLane32(slow, shigh, i))
			lanes[i] = math.Float32bits(float32(v))
		}
		low := uint64(lanes[0]) | uint64(lanes[1])<<32
		high := uint64(lanes[2]) | uint64(lanes[3])<<32
		s.SetXMMValue(dst, low, high)
	default:
		low, high := ssePackedArith(dlow, dhigh, slow, shigh, ops.OpcodeExt)
		s.SetXMMValue(dst, low, high)
	}
}

// sseLane32 extracts 32-bit lane i (0-3) from a 128-bit value split as
// low/high 64-bit halves.
func sseLane32(low, high uint64, i int) uint32 {
	switch i {
	case 0:
		return uint32(low)
	case 1:
		return uint32(low >> 32)
	case 2:
		return uint32(high)
	default:
		return uint32(high >> 32)
	}
}

// ssePackedArith applies a per-lane float32 arithmetic op (ADDPS 0x58,
// MULPS 0x59, SUBPS 0x5C, MINPS 0x5D, DIVPS 0x5E, MAXPS 0x5F) across the
// four packed lanes of dst and src.
func ssePackedArith(dlow, dhigh, slow, shigh uint64, ext uint8) (low, high uint64) {
	var lanes [4]uint32
	for i := range lanes {
		a := math.Float32frombits(sseLane32(dlow, dhigh, i))
		b := math.Float32frombits(sseLane32(slow, shigh, i))
		var r float32
		switch ext {
		case 0x58:
			r = a + b
		case 0x59:
			r = a * b
		case 0x5C:
			r = a - b
		case 0x5D:
			if b < a {
				r = b
			} else {
				r = a
			}
		case 0x5E:
			r = a / b
		case 0x5F:
			if b > a {
				r = b
			} else {
				r = a
			}
		}
		lanes[i] = math.Float32bits(r)
	}
	low = uint64(lanes[0]) | uint64(lanes[1])<<32
	high = uint64(lanes[2]) | uint64(lanes[3])<<32
	return low, high
}

// execCvt handles scalar integer<->float conversions (two-byte opcodes
// 0x2A CVTSI2SS/CVTSI2SD and 0x2C CVTTSS2SI/CVTTSD2SI), multiplexed on
// OpcodeExt. ops.Repeat distinguishes the single- (F3) and double- (F2)
// precision forms; absent either prefix, single-precision is assumed.
func execCvt(s *state.State, ops isa.Operands) {
	dst, src := ops.Arg[0], ops.Arg[1]
	double := ops.Repeat == isa.RepeatNotEqual

	switch ops.OpcodeExt {
	case 0x2A: // CVTSI2SS/CVTSI2SD: integer -> low xmm lane
		v := s.GetValue(src, ops.Size())
		low, high := s.GetXMM(dst.Reg)
		if double {
			low = math.Float64bits(float64(v))
		} else {
			low = (low &^ 0xffffffff) | uint64(math.Float32bits(float32(v)))
		}
		s.SetXMM(dst.Reg, low, high)

	case 0x2C: // CVTTSS2SI/CVTTSD2SI: low xmm lane, truncated -> integer GPR
		low, _ := s.GetXMMValue(src)
		var v float64
		if double {
			v = math.Float64frombits(low)
		} else {
			v = float64(math.Float32frombits(uint32(low)))
		}
		s.SetValue(dst, int64(math.Trunc(v)), ops.Size())

	default:
		fail(s, "cvt: unrecognized extension %#x", ops.OpcodeExt)
	}
}

func execMovsx(s *state.State, ops isa.Operands) {
	srcSize := ops.ExplicitSize
	v := s.GetValue(ops.Arg[1], srcSize)
	dstSize := isa.Bit64
	if ops.Arg[0].Kind == isa.OperandRegister {
		dstSize = isa.RegisterSize(ops.Arg[0].Reg)
	}
	s.SetValue(ops.Arg[0], v, dstSize)
}

func execMovzx(s *state.State, ops isa.Operands) {
	srcSize := ops.ExplicitSize
	v := s.GetValue(ops.Arg[1], srcSize)
	v &= int64(maskOf(srcSize))
	dstSize := isa.Bit64
	if ops.Arg[0].Kind == isa.OperandRegister {
		dstSize = isa.RegisterSize(ops.Arg[0].Reg)
	}
	s.SetValue(ops.Arg[0], v, dstSize)
}

func execLea(s *state.State, ops isa.Operands) {
	address := s.EffectiveAddress(ops.Arg[1])
	s.SetValue(ops.Arg[0], int64(address), ops.Size())
}

func execPush(s *state.State, ops isa.Operands) {
	v := s.GetValue(ops.Arg[0], ops.Size())
	s.Push(v)
}

func execPop(s *state.State, ops isa.Operands) {
	v := s.Pop()
	s.SetValue(ops.Arg[0], v, ops.Size())
}

func execPushf(s *state.State, _ isa.Operands) { s.Push(s.RFLAGS()) }
func execPopf(s *state.State, _ isa.Operands)  { s.SetRFLAGS(s.Pop()) }

func execLeave(s *state.State, _ isa.Operands) {
	bp := s.GetRegister(isa.RBP)
	s.SetRegister(isa.RSP, bp)
	s.SetRegister(isa.RBP, s.Pop())
}

func execCall(s *state.State, ops isa.Operands) {
	switch ops.Arg[0].Kind {
	case isa.OperandImmediate:
		ret := s.RIP()
		s.Push(ret)
		s.AdvanceRIP(int(ops.Arg[0].Immediate))
	default:
		target := s.GetValue(ops.Arg[0], isa.Bit64)
		ret := s.RIP()
		s.Push(ret)
		s.SetRIP(target)
	}
}

// Ret pops the return address into RIP. This is also invoked directly
// by the execution loop after a trap callback runs.
func Ret(s *state.State) { s.SetRIP(s.Pop()) }

func execRet(s *state.State, _ isa.Operands)  { Ret(s) }
func execLret(s *state.State, _ isa.Operands) {
	Ret(s)
	s.Pop() // discard the code-segment word
}

func execJmp(s *state.State, ops isa.Operands) {
	switch ops.Arg[0].Kind {
	case isa.OperandImmediate:
		s.AdvanceRIP(int(ops.Arg[0].Immediate))
	default:
		s.SetRIP(s.GetValue(ops.Arg[0], isa.Bit64))
	}
}

func execNop(_ *state.State, _ isa.Operands) {}
func execCld(s *state.State, _ isa.Operands) { s.SetFlag(state.FlagDirection, false) }
func execStd(s *state.State, _ isa.Operands) { s.SetFlag(state.FlagDirection, true) }

// execShiftRotate re-dispatches SHL/SHR/SAR/ROL/ROR/RCL/RCR keyed by
// OpcodeExt (the ModR/M reg field): 0=ROL 1=ROR 2=RCL 3=RCR 4=SHL
// 5=SHR 6=SHL(alias) 7=SAR.
func execShiftRotate(s *state.State, ops isa.Operands) {
	size := ops.Size()
	bits := uint64(size.Bytes() * 8)
	mask := uint64(0x1F)
	if size == isa.Bit64 {
		mask = 0x3F
	}
	count := uint64(s.GetValue(ops.Arg[1], isa.Bit8)) & mask
	if count == 0 {
		return
	}
	value := uint64(s.GetValue(ops.Arg[0], size)) & maskOf(size)
	msbBefore := signBitOf(int64(value), size)

	var result uint64
	var carry bool

	switch ops.OpcodeExt & 7 {
	case 4, 6: // SHL
		shifted := value << count
		carry = count <= bits && (value>>(bits-count))&1 != 0
		result = shifted & maskOf(size)
		msbAfter := signBitOf(int64(result), size)
		if count == 1 {
			s.SetFlag(state.FlagOverflow, msbBefore != msbAfter)
		}
	case 5: // SHR
		carry = (value>>(count-1))&1 != 0
		result = value >> count
		if count == 1 {
			s.SetFlag(state.FlagOverflow, msbBefore)
		}
	case 7: // SAR
		signed := truncate(int64(value), size)
		carry = (value>>(count-1))&1 != 0
		result = uint64(signed>>count) & maskOf(size)
		if count == 1 {
			s.SetFlag(state.FlagOverflow, false)
		}
	case 0: // ROL
		n := bits
		c := count % n
		result = ((value << c) | (value >> (n - c))) & maskOf(size)
		carry = result&1 != 0
	case 1: // ROR
		n := bits
		c := count % n
		result = ((value >> c) | (value << (n - c))) & maskOf(size)
		carry = signBitOf(int64(result), size)
	case 2: // RCL
		result = value
		for i := uint64(0); i < count; i++ {
			top := signBitOf(int64(result), size)
			result = ((result << 1) | boolBit(carry)) & maskOf(size)
			carry = top
		}
	case 3: // RCR
		result = value
		for i := uint64(0); i < count; i++ {
			bottom := result&1 != 0
			result = (result >> 1) | (boolBit(carry) << (bits - 1))
			result &= maskOf(size)
			carry = bottom
		}
	}

	s.SetFlag(state.FlagCarry, carry)
	if ops.OpcodeExt&7 <= 1 || ops.OpcodeExt&7 >= 4 {
		// ROL/ROR do not touch Zero/Sign/Parity; shifts do.
		if ops.OpcodeExt&7 >= 4 {
			s.ComputeFlags(truncate(int64(result), size), size)
		}
	}
	s.SetValue(ops.Arg[0], int64(result), size)
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// execCompareMulOperation re-dispatches the F6/F7 group keyed by
// OpcodeExt: 2=NOT 3=NEG 4=MUL 5=IMUL 6=DIV 7=IDIV.
func execCompareMulOperation(s *state.State, ops isa.Operands) {
	size := ops.Size()
	switch ops.OpcodeExt & 7 {
	case 2: // NOT
		v := s.GetValue(ops.Arg[0], size)
		s.SetValue(ops.Arg[0], truncate(^v, size), size)
	case 3: // NEG
		v := s.GetValue(ops.Arg[0], size)
		result := truncate(-v, size)
		s.ComputeFlags(result, size)
		s.SetFlag(state.FlagCarry, v != 0)
		s.SetFlag(state.FlagOverflow, signBitOf(v, size) && signBitOf(result, size))
		s.SetValue(ops.Arg[0], result, size)
	case 4: // MUL
		execMul(s, ops, size, false)
	case 5: // IMUL
		execMul(s, ops, size, true)
	case 6: // DIV
		execDiv(s, ops, size, false)
	case 7: // IDIV
		execDiv(s, ops, size, true)
	}
}

func execMul(s *state.State, ops isa.Operands, size isa.OperandSize, signed bool) {
	src := s.GetValue(ops.Arg[0], size)
	acc := s.GetValue(isa.Reg(isa.RAX), size)
	bits := size.Bytes() * 8

	var low, high int64
	if signed {
		full := truncate(acc, size) * truncate(src, size)
		low = truncate(full, size)
		high = full >> uint(bits)
	} else {
		full := (uint64(acc) & maskOf(size)) * (uint64(src) & maskOf(size))
		low = int64(full & maskOf(size))
		high = int64(full >> uint(bits))
	}
	overflow := high != 0
	if signed && low < 0 {
		overflow = high != -1
	}

	writeMulResult(s, size, low, high)
	s.SetFlag(state.FlagCarry, overflow)
	s.SetFlag(state.FlagOverflow, overflow)
}

func writeMulResult(s *state.State, size isa.OperandSize, low, high int64) {
	switch size {
	case isa.Bit8:
		s.SetRegister(isa.AX, low&0xff|((high&0xff)<<8))
	case isa.Bit16:
		s.SetRegister(isa.AX, low)
		s.SetRegister(isa.DX, high)
	case isa.Bit32:
		s.SetRegister(isa.EAX, low)
		s.SetRegister(isa.EDX, high)
	default:
		s.SetRegister(isa.RAX, low)
		s.SetRegister(isa.RDX, high)
	}
}

func execDiv(s *state.State, ops isa.Operands, size isa.OperandSize, signed bool) {
	divisor := s.GetValue(ops.Arg[0], size)
	if divisor == 0 {
		fail(s, "division by zero")
	}

	var dividend int64
	var dividendHigh int64
	switch size {
	case isa.Bit8:
		dividend = s.GetRegister(isa.AX)
	case isa.Bit16:
		dividend = s.GetRegister(isa.AX) & 0xffff
		dividendHigh = s.GetRegister(isa.DX) & 0xffff
	case isa.Bit32:
		dividend = s.GetRegister(isa.EAX) & 0xffffffff
		dividendHigh = s.GetRegister(isa.EDX) & 0xffffffff
	default:
		dividend = s.GetRegister(isa.RAX)
		dividendHigh = s.GetRegister(isa.RDX)
	}

	var quotient, remainder int64
	if signed {
		full := (dividendHigh << uint(size.Bytes()*8)) | (dividend & int64(maskOf(size)))
		quotient = full / divisor
		remainder = full % divisor
		if quotient != truncate(quotient, size) {
			fail(s, "DIV quotient overflow")
		}
	} else {
		full := (uint64(dividendHigh) << uint(size.Bytes()*8)) | (uint64(dividend) & maskOf(size))
		uq := full / uint64(divisor)
		ur := full % uint64(divisor)
		if uq&^maskOf(size) != 0 {
			fail(s, "DIV quotient overflow")
		}
		quotient, remainder = int64(uq), int64(ur)
	}

	switch size {
	case isa.Bit8:
		s.SetRegister(isa.AL, quotient)
		s.SetRegister(isa.AH, remainder)
	case isa.Bit16:
		s.SetRegister(isa.AX, quotient)
		s.SetRegister(isa.DX, remainder)
	case isa.Bit32:
		s.SetRegister(isa.EAX, quotient)
		s.SetRegister(isa.EDX, remainder)
	default:
		s.SetRegister(isa.RAX, quotient)
		s.SetRegister(isa.RDX, remainder)
	}
}

func execImul(s *state.State, ops isa.Operands) {
	size := ops.Size()
	switch ops.Count {
	case 3:
		a := s.GetValue(ops.Arg[1], size)
		b := ops.Arg[2].Immediate
		full := truncate(a, size) * truncate(b, size)
		result := truncate(full, size)
		overflow := imulOverflows(truncate(a, size), truncate(b, size), size)
		s.SetFlag(state.FlagCarry, overflow)
		s.SetFlag(state.FlagOverflow, overflow)
		s.SetValue(ops.Arg[0], result, size)
	default:
		a := s.GetValue(ops.Arg[0], size)
		b := s.GetValue(ops.Arg[1], size)
		full := truncate(a, size) * truncate(b, size)
		result := truncate(full, size)
		overflow := imulOverflows(truncate(a, size), truncate(b, size), size)
		s.SetFlag(state.FlagCarry, overflow)
		s.SetFlag(state.FlagOverflow, overflow)
		s.SetValue(ops.Arg[0], result, size)
	}
}

// imulOverflows reports whether the signed product a*b does not fit in
// size: its high half is not the sign-extension of its low half.
func imulOverflows(a, b int64, size isa.OperandSize) bool {
	if size != isa.Bit64 {
		full := a * b
		return full != truncate(full, size)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return int64(hi) != int64(lo)>>63
}

// execRegisterOperation re-dispatches the FE/FF INC/DEC family keyed
// by OpcodeExt: 0=INC 1=DEC.
func execRegisterOperation(s *state.State, ops isa.Operands) {
	size := ops.Size()
	v := s.GetValue(ops.Arg[0], size)
	var result int64
	var overflow bool
	if ops.OpcodeExt&7 == 0 {
		result = truncate(v+1, size)
		overflow = signBitOf(v, size) != signBitOf(1, size) && signBitOf(result, size) != signBitOf(v, size)
	} else {
		result = truncate(v-1, size)
		overflow = signBitOf(v, size) && !signBitOf(result, size) && v != 0
	}
	s.ComputeFlags(result, size)
	s.SetFlag(state.FlagOverflow, overflow)
	s.SetValue(ops.Arg[0], result, size)
}

func stringStep(s *state.State) int64 {
	if s.Flag(state.FlagDirection) {
		return -1
	}
	return 1
}

func execMovs(s *state.State, ops isa.Operands) {
	size := ops.ExplicitSize
	step := int64(size.Bytes()) * stringStep(s)

	iterate := func() {
		src := s.GetValue(isa.EffectiveAddress(isa.RSI, isa.NoReg, 0, 0), size)
		s.SetValue(isa.EffectiveAddress(isa.RDI, isa.NoReg, 0, 0), src, size)
		s.SetRegister(isa.RSI, s.GetRegister(isa.RSI)+step)
		s.SetRegister(isa.RDI, s.GetRegister(isa.RDI)+step)
	}

	switch ops.Repeat {
	case isa.RepeatNone:
		iterate()
	default:
		for s.GetRegister(isa.RCX) != 0 {
			iterate()
			s.SetRegister(isa.RCX, s.GetRegister(isa.RCX)-1)
		}
	}
}

func execStos(s *state.State, ops isa.Operands) {
	size := ops.ExplicitSize
	step := int64(size.Bytes()) * stringStep(s)

	iterate := func() {
		v := s.GetValue(isa.Reg(isa.RAX), size)
		s.SetValue(isa.EffectiveAddress(isa.RDI, isa.NoReg, 0, 0), v, size)
		s.SetRegister(isa.RDI, s.GetRegister(isa.RDI)+step)
	}

	switch ops.Repeat {
	case isa.RepeatNone:
		iterate()
	default:
		for s.GetRegister(isa.RCX) != 0 {
			iterate()
			s.SetRegister(isa.RCX, s.GetRegister(isa.RCX)-1)
		}
	}
}

func execScas(s *state.State, ops isa.Operands) {
	size := ops.ExplicitSize
	step := int64(size.Bytes()) * stringStep(s)

	iterate := func() {
		acc := s.GetValue(isa.Reg(isa.RAX), size)
		v := s.GetValue(isa.EffectiveAddress(isa.RDI, isa.NoReg, 0, 0), size)
		result := truncate(acc-v, size)
		s.ComputeFlags(result, size)
		s.SetFlag(state.FlagCarry, uint64(acc)&maskOf(size) < uint64(v)&maskOf(size))
		s.SetRegister(isa.RDI, s.GetRegister(isa.RDI)+step)
	}

	switch ops.Repeat {
	case isa.RepeatNone:
		iterate()
	case isa.RepeatEqual:
		for s.GetRegister(isa.RCX) != 0 {
			iterate()
			s.SetRegister(isa.RCX, s.GetRegister(isa.RCX)-1)
			if !s.Flag(state.FlagZero) {
				break
			}
		}
	case isa.RepeatNotEqual:
		for s.GetRegister(isa.RCX) != 0 {
			iterate()
			s.SetRegister(isa.RCX, s.GetRegister(isa.RCX)-1)
			if s.Flag(state.FlagZero) {
				break
			}
		}
	}
}

func bitOp(s *state.State, ops isa.Operands, apply func(bit bool) bool) {
	size := ops.Size()
	bits := int64(size.Bytes() * 8)
	index := ops.Arg[1].Immediate % bits
	value := uint64(s.GetValue(ops.Arg[0], size))
	bit := value&(1<<uint(index)) != 0
	s.SetFlag(state.FlagCarry, bit)
	newBit := apply(bit)
	if newBit {
		value |= 1 << uint(index)
	} else {
		value &^= 1 << uint(index)
	}
	s.SetValue(ops.Arg[0], int64(value), size)
}

func execBt(s *state.State, ops isa.Operands) {
	size := ops.Size()
	bits := int64(size.Bytes() * 8)
	index := ops.Arg[1].Immediate % bits
	value := uint64(s.GetValue(ops.Arg[0], size))
	s.SetFlag(state.FlagCarry, value&(1<<uint(index)) != 0)
}

func execBts(s *state.State, ops isa.Operands) { bitOp(s, ops, func(bool) bool { return true }) }
func execBtr(s *state.State, ops isa.Operands) { bitOp(s, ops, func(bool) bool { return false }) }
func execBtc(s *state.State, ops isa.Operands) { bitOp(s, ops, func(bit bool) bool { return !bit }) }

func execCmpxchg(s *state.State, ops isa.Operands) {
	size := ops.Size()
	acc := s.GetValue(isa.Reg(isa.RAX), size)
	dst := s.GetValue(ops.Arg[0], size)
	if truncate(acc, size) == truncate(dst, size) {
		s.SetFlag(state.FlagZero, true)
		src := s.GetValue(ops.Arg[1], size)
		s.SetValue(ops.Arg[0], src, size)
	} else {
		s.SetFlag(state.FlagZero, false)
		s.SetValue(isa.Reg(isa.RAX), dst, size)
	}
}

func execXchg(s *state.State, ops isa.Operands) {
	size := ops.Size()
	a := s.GetValue(ops.Arg[0], size)
	b := s.GetValue(ops.Arg[1], size)
	s.SetValue(ops.Arg[0], b, size)
	s.SetValue(ops.Arg[1], a, size)
}

// execCpuid returns a fixed, documented feature-bit pattern keyed by
// the leaf in EAX.
func execCpuid(s *state.State, _ isa.Operands) {
	switch s.GetRegister(isa.EAX) & 0xffffffff {
	case 0:
		s.SetRegister(isa.EAX, 1)
		s.SetRegister(isa.EBX, 0x756e6547) // "Genu"
		s.SetRegister(isa.EDX, 0x49656e69) // "ineI"
		s.SetRegister(isa.ECX, 0x6c65746e) // "ntel"
	case 1:
		s.SetRegister(isa.EAX, 0x000006A0)
		s.SetRegister(isa.EBX, 0)
		s.SetRegister(isa.ECX, 0)
		s.SetRegister(isa.EDX, 0x06000331) // fpu,tsc,msr,cx8,apic,sse,sse2
	case 0x80000000:
		s.SetRegister(isa.EAX, 0x80000001)
	case 0x80000001:
		s.SetRegister(isa.EBX, 0)
		s.SetRegister(isa.ECX, 0)
		s.SetRegister(isa.EDX, 0)
	default:
		s.SetRegister(isa.EAX, 0)
		s.SetRegister(isa.EBX, 0)
		s.SetRegister(isa.ECX, 0)
		s.SetRegister(isa.EDX, 0)
	}
}

const msrEFER = 0xC0000080

func execRdmsr(s *state.State, _ isa.Operands) {
	if s.GetRegister(isa.ECX)&0xffffffff != msrEFER {
		fail(s, "RDMSR of unsupported MSR %#x", s.GetRegister(isa.ECX))
	}
	s.SetRegister(isa.EAX, 0x500)
	s.SetRegister(isa.EDX, 0)
}

func execWrmsr(_ *state.State, _ isa.Operands) {}

func execLgdt(s *state.State, ops isa.Operands) {
	s.SetGDT(int64(s.EffectiveAddress(ops.Arg[0])))
}

func execLidt(s *state.State, ops isa.Operands) {
	s.SetIDT(int64(s.EffectiveAddress(ops.Arg[0])))
}

func execSyscall(s *state.State, _ isa.Operands) {
	fail(s, "SYSCALL reached with no host dispatch installed")
}

func execInt(s *state.State, ops isa.Operands) {
	_ = ops
	panic(terminal{rip: s.RIP()})
}

// terminal signals a successful guest-requested stop (INT n): not a
// Fault, since it is the expected way a test program ends.
type terminal struct{ rip int64 }

func (t terminal) Error() string { return fmt.Sprintf("guest terminated at %#x", t.rip) }
