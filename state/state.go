/*
x86emu machine state - registers, flags and operand-level access.

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

// Package state holds the emulated machine's architectural registers
// and flags, and the operand-level read/write helpers the interpreter
// drives from a decoded isa.Operand.
package state

import (
	"fmt"

	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/memory"
)

// State is the entire architectural register file plus the memory it
// addresses. gpr holds the 16 general-purpose 64-bit registers in
// RAX..R15 order; every narrower alias reads and writes through it.
type State struct {
	gpr    [16]int64
	rip    int64
	rflags int64

	cr0, cr2, cr3, cr4, cr8 int64
	gdt, idt                int64

	xmmLow, xmmHigh [16]uint64

	Memory *memory.Memory

	PrintInstructions bool
}

// New returns a machine with a fresh, empty address space and every
// register zeroed.
func New() *State {
	return &State{Memory: memory.New()}
}

// RIP returns the current instruction pointer.
func (s *State) RIP() int64 { return s.rip }

// SetRIP sets the instruction pointer, e.g. after a branch or on
// entry to the execution loop.
func (s *State) SetRIP(value int64) { s.rip = value }

// AdvanceRIP moves the instruction pointer forward by n bytes, the
// length of the instruction just fetched.
func (s *State) AdvanceRIP(n int) { s.rip += int64(n) }

// Flag bit positions within RFLAGS.
const (
	FlagCarry     = 1 << 0
	FlagParity    = 1 << 2
	FlagZero      = 1 << 6
	FlagSign      = 1 << 7
	FlagDirection = 1 << 10
	FlagOverflow  = 1 << 11
)

// Flag reads a single RFLAGS bit.
func (s *State) Flag(mask int64) bool { return s.rflags&mask != 0 }

// SetFlag sets or clears a single RFLAGS bit.
func (s *State) SetFlag(mask int64, value bool) {
	if value {
		s.rflags |= mask
	} else {
		s.rflags &^= mask
	}
}

// GDT returns the operand LGDT last recorded.
func (s *State) GDT() int64 { return s.gdt }

// SetGDT records the operand of an LGDT instruction. Not otherwise
// interpreted: no descriptor table is materialized.
func (s *State) SetGDT(value int64) { s.gdt = value }

// IDT returns the operand LIDT last recorded.
func (s *State) IDT() int64 { return s.idt }

// SetIDT records the operand of an LIDT instruction.
func (s *State) SetIDT(value int64) { s.idt = value }

// RFLAGS returns the raw flags register.
func (s *State) RFLAGS() int64 { return s.rflags }

// SetRFLAGS overwrites the raw flags register, e.g. from POPF.
func (s *State) SetRFLAGS(value int64) { s.rflags = value }

// ComputeFlags derives Zero, Sign and Parity from result, truncated to
// size. Carry and Overflow are operation-specific and must be set by
// the caller; they are never inferred here.
func (s *State) ComputeFlags(result int64, size isa.OperandSize) {
	var zero bool
	var signBit int64
	switch size {
	case isa.Bit8:
		zero = result&0xff == 0
		signBit = result & 0x80
	case isa.Bit16:
		zero = result&0xffff == 0
		signBit = result & 0x8000
	case isa.Bit32:
		zero = result&0xffffffff == 0
		signBit = result & 0x80000000
	default:
		zero = result == 0
		signBit = result & (-1 << 63)
	}
	s.SetFlag(FlagZero, zero)
	s.SetFlag(FlagSign, signBit != 0)

	parity := byte(result)
	var bits byte
	for i := 0; i < 8; i++ {
		bits ^= (parity >> i) & 1
	}
	s.SetFlag(FlagParity, bits == 0)
}

// GetRegister reads reg, widening any alias narrower than 64 bits by
// SIGN-extending it to an int64. This read-time convention is
// distinct from the write-time zero-extend/preserve rules in
// SetRegister: AH/CH/DH/BH in particular read as the signed byte in
// bits [15:8] of the backing word, not the unsigned byte value.
func (s *State) GetRegister(reg isa.Register) int64 {
	switch {
	case isa.IsSegment(reg):
		return 0
	case reg == isa.RIP:
		return s.rip
	case reg == isa.CR0:
		return s.cr0
	case reg == isa.CR2:
		return s.cr2
	case reg == isa.CR3:
		return s.cr3
	case reg == isa.CR4:
		return s.cr4
	case reg == isa.CR8:
		return s.cr8
	}

	slot, ok := isa.GPRSlot(reg)
	if !ok {
		panic(fmt.Sprintf("state: %v is not an integer register", reg))
	}
	raw := s.gpr[slot]

	switch isa.RegisterSize(reg) {
	case isa.Bit64:
		return raw
	case isa.Bit32:
		return int64(int32(raw))
	case isa.Bit16:
		return int64(int16(raw))
	case isa.Bit8:
		if isa.IsHighByte(reg) {
			return int64(int16(raw) >> 8)
		}
		return int64(int8(raw))
	default:
		panic(fmt.Sprintf("state: %v is not an integer register", reg))
	}
}

// SetRegister writes value into reg. A 32-bit alias zero-extends into
// the full 64-bit backing register; 16-bit and 8-bit aliases preserve
// the untouched bits of the backing register.
func (s *State) SetRegister(reg isa.Register, value int64) {
	switch {
	case isa.IsSegment(reg):
		return
	case reg == isa.RIP:
		s.rip = value
		return
	case reg == isa.CR0:
		s.cr0 = value
		return
	case reg == isa.CR2:
		s.cr2 = value
		return
	case reg == isa.CR3:
		s.cr3 = value
		return
	case reg == isa.CR4:
		s.cr4 = value
		return
	case reg == isa.CR8:
		s.cr8 = value
		return
	}

	slot, ok := isa.GPRSlot(reg)
	if !ok {
		panic(fmt.Sprintf("state: %v is not an integer register", reg))
	}

	switch isa.RegisterSize(reg) {
	case isa.Bit64:
		s.gpr[slot] = value
	case isa.Bit32:
		s.gpr[slot] = int64(uint32(value))
	case isa.Bit16:
		s.gpr[slot] = int64((uint64(s.gpr[slot]) &^ 0xffff) | uint64(uint16(value)))
	case isa.Bit8:
		if isa.IsHighByte(reg) {
			s.gpr[slot] = int64((uint64(s.gpr[slot]) &^ 0xff00) | (uint64(uint8(value)) << 8))
		} else {
			s.gpr[slot] = int64((uint64(s.gpr[slot]) &^ 0xff) | uint64(uint8(value)))
		}
	default:
		panic(fmt.Sprintf("state: %v is not an integer register", reg))
	}
}

// GetXMM reads the full 128-bit value of an XMM register as
// (low, high) 64-bit halves.
func (s *State) GetXMM(reg isa.Register) (low, high uint64) {
	if !isa.IsXMM(reg) {
		panic(fmt.Sprintf("state: %v is not an xmm register", reg))
	}
	idx := int(reg - isa.XMM0)
	return s.xmmLow[idx], s.xmmHigh[idx]
}

// SetXMM writes the full 128-bit value of an XMM register.
func (s *State) SetXMM(reg isa.Register, low, high uint64) {
	if !isa.IsXMM(reg) {
		panic(fmt.Sprintf("state: %v is not an xmm register", reg))
	}
	idx := int(reg - isa.XMM0)
	s.xmmLow[idx] = low
	s.xmmHigh[idx] = high
}

// EffectiveAddress computes base + index*scale + displacement for a
// memory operand. Any component left absent (isa.NoReg) contributes
// zero.
func (s *State) EffectiveAddress(op isa.Operand) uint64 {
	var address int64
	if op.Base != isa.NoReg {
		address += s.GetRegister(op.Base)
	}
	if op.Index != isa.NoReg {
		address += s.GetRegister(op.Index) * int64(op.Scale)
	}
	address += int64(op.Displacement)
	return uint64(address)
}

// GetValue reads operand op at the given size: a register read
// (sign-extended per GetRegister), the immediate's literal value, or
// a sign-extended memory load at the computed effective address.
func (s *State) GetValue(op isa.Operand, size isa.OperandSize) int64 {
	switch op.Kind {
	case isa.OperandRegister:
		return s.GetRegister(op.Reg)
	case isa.OperandImmediate:
		return op.Immediate
	case isa.OperandEffectiveAddress:
		address := s.EffectiveAddress(op)
		switch size {
		case isa.Bit8:
			return int64(int8(s.Memory.Read8(address)))
		case isa.Bit16:
			return int64(int16(s.Memory.Read16(address)))
		case isa.Bit32:
			return int64(int32(s.Memory.Read32(address)))
		default:
			return int64(s.Memory.Read64(address))
		}
	default:
		panic("state: GetValue on empty operand")
	}
}

// GetXMMValue reads operand op as a 128-bit vector value.
func (s *State) GetXMMValue(op isa.Operand) (low, high uint64) {
	switch op.Kind {
	case isa.OperandRegister:
		return s.GetXMM(op.Reg)
	case isa.OperandEffectiveAddress:
		return s.Memory.Read128(s.EffectiveAddress(op))
	default:
		panic("state: GetXMMValue unsupported operand kind")
	}
}

// SetValue writes value into operand op at the given size. Immediate
// operands cannot be a write destination.
func (s *State) SetValue(op isa.Operand, value int64, size isa.OperandSize) {
	switch op.Kind {
	case isa.OperandRegister:
		s.SetRegister(op.Reg, value)
	case isa.OperandEffectiveAddress:
		address := s.EffectiveAddress(op)
		switch size {
		case isa.Bit8:
			s.Memory.WriteByte(address, uint8(value))
		case isa.Bit16:
			s.Memory.Write16(address, uint16(value))
		case isa.Bit32:
			s.Memory.Write32(address, uint32(value))
		default:
			s.Memory.Write64(address, uint64(value))
		}
	default:
		panic("state: cannot set an immediate operand")
	}
}

// SetXMMValue writes a 128-bit vector value into operand op.
func (s *State) SetXMMValue(op isa.Operand, low, high uint64) {
	switch op.Kind {
	case isa.OperandRegister:
		s.SetXMM(op.Reg, low, high)
	case isa.OperandEffectiveAddress:
		s.Memory.Write128(s.EffectiveAddress(op), low, high)
	default:
		panic("state: cannot set xmm on this operand kind")
	}
}

// Push decrements RSP by the word size and stores value at the new
// top of stack.
func (s *State) Push(value int64) {
	sp := s.GetRegister(isa.RSP) - 8
	s.SetRegister(isa.RSP, sp)
	s.Memory.Write64(uint64(sp), uint64(value))
}

// Pop reads the value at the top of stack and increments RSP by the
// word size.
func (s *State) Pop() int64 {
	sp := s.GetRegister(isa.RSP)
	value := int64(s.Memory.Read64(uint64(sp)))
	s.SetRegister(isa.RSP, sp+8)
	return value
}
