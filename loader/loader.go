/*
x86emu flat image loader.

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

// Package loader places a raw binary image into guest memory. It is
// deliberately not an ELF/PE loader: a real embedder is expected to
// parse its own container format and call Load with the sections it
// extracts. This package only owns the "put these bytes at this
// address and point RIP at the entry" mechanics every loader needs
// regardless of container format.
package loader

import (
	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/memory"
	"github.com/rcornwell/x86emu/state"
)

// Format names the container a Section table was derived from. Flat
// is the only format this package parses directly; ELF and PE are
// named so an embedder's own parser can tag its output, but parsing
// those containers is out of scope here.
type Format int

const (
	Flat Format = iota
	ELF
	PE
)

// Section is one contiguous span of guest memory to populate.
type Section struct {
	VirtualAddress uint64
	Data           []byte
	Writable       bool
}

// Image is a fully resolved set of sections plus the address
// execution should begin at.
type Image struct {
	Format  Format
	Entry   uint64
	Sections []Section
}

// LoadFlat treats data as one flat binary mapped starting at base,
// with the entry point at base itself. This is the only format this
// package parses on its own; ELF/PE images must be pre-split into an
// Image by the embedder and passed to Load.
func LoadFlat(data []byte, base uint64) Image {
	return Image{
		Format: Flat,
		Entry:  base,
		Sections: []Section{
			{VirtualAddress: base, Data: data, Writable: true},
		},
	}
}

// Load maps every section of img into mem and positions s.RIP at the
// image's entry point. It also allocates a stack of stackSize bytes
// topping out at stackTop and sets RSP there, since almost every
// guest program expects a usable stack before its first instruction.
func Load(img Image, mem *memory.Memory, s *state.State, stackTop uint64, stackSize uint64) {
	for _, sec := range img.Sections {
		mem.Allocate(sec.VirtualAddress, uint64(len(sec.Data)))
		mem.WriteBytes(sec.VirtualAddress, sec.Data)
	}
	if stackSize > 0 {
		base := stackTop - stackSize
		mem.Allocate(base, stackSize)
	}
	s.SetRIP(int64(img.Entry))
	if stackTop != 0 {
		s.SetRegister(isa.RSP, int64(stackTop))
	}
}
