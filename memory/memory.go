/*
x86emu guest memory - identity-mapped paged address space.

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

// Package memory models the guest's flat 64-bit address space as a
// sparse set of 4096-byte pages. There is no MMU: every virtual
// address is its own physical address, and a page must be allocated
// with Allocate before anything touches it.
package memory

import "fmt"

// PageSize is the granularity at which guest memory is backed.
const PageSize = 0x1000

// Memory is a page-indexed guest address space. The zero value is
// ready to use but has no pages mapped.
type Memory struct {
	pages map[uint64][]byte
}

// New returns an empty guest address space.
func New() *Memory {
	return &Memory{pages: make(map[uint64][]byte)}
}

// Fault is the typed error raised on any access to an unmapped page.
// The execution loop recovers it as a machine fault rather than letting
// it unwind past the execution loop.
type Fault struct {
	Address uint64
	Reason  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault at %#x: %s", f.Address, f.Reason)
}

func pageIndex(address uint64) uint64 { return address &^ (PageSize - 1) }

// IsAligned reports whether address is naturally aligned for size
// bytes and size itself is a page-sized-or-smaller power of two.
func IsAligned(address uint64, size int) bool {
	if size <= 0 || size > PageSize || (size&(size-1)) != 0 {
		return false
	}
	return address%uint64(size) == 0
}

// Allocate backs the pages spanning [address, address+size) with
// zeroed storage. Allocating a page that is already mapped is a
// no-op for that page.
func (m *Memory) Allocate(address uint64, size uint64) {
	if m.pages == nil {
		m.pages = make(map[uint64][]byte)
	}
	start := pageIndex(address)
	end := pageIndex(address + size - 1)
	for page := start; page <= end; page += PageSize {
		if _, ok := m.pages[page]; !ok {
			m.pages[page] = make([]byte, PageSize)
		}
	}
}

func (m *Memory) page(address uint64) ([]byte, uint64, bool) {
	base := pageIndex(address)
	line, ok := m.pages[base]
	return line, base, ok
}

// ReadByte reads a single byte. It panics with *Fault if the
// containing page is not mapped.
func (m *Memory) ReadByte(address uint64) uint8 {
	line, base, ok := m.page(address)
	if !ok {
		panic(&Fault{Address: address, Reason: "page not mapped"})
	}
	return line[address-base]
}

// WriteByte writes a single byte. It panics with *Fault if the
// containing page is not mapped.
func (m *Memory) WriteByte(address uint64, value uint8) {
	line, base, ok := m.page(address)
	if !ok {
		panic(&Fault{Address: address, Reason: "page not mapped"})
	}
	line[address-base] = value
}

// readAligned reads size bytes from an address that is known to be
// aligned to a power-of-two size not exceeding PageSize, so the
// access never crosses a page boundary.
func (m *Memory) readAligned(address uint64, size int) []byte {
	line, base, ok := m.page(address)
	if !ok {
		panic(&Fault{Address: address, Reason: "page not mapped"})
	}
	offset := address - base
	return line[offset : offset+uint64(size)]
}

func (m *Memory) writeAligned(address uint64, data []byte) {
	line, base, ok := m.page(address)
	if !ok {
		panic(&Fault{Address: address, Reason: "page not mapped"})
	}
	offset := address - base
	copy(line[offset:offset+uint64(len(data))], data)
}

// nextPow2 rounds size up to the next power of two, matching the
// "line size" a potentially unaligned access of size bytes must be
// read within.
func nextPow2(size int) int {
	p := 1
	for p < size {
		p <<= 1
	}
	return p
}

// readUnaligned reads size bytes starting at address, splitting the
// read across two aligned lines when the access straddles a
// line boundary. This mirrors the split-read algorithm used for
// every non-naturally-aligned typed memory access.
func (m *Memory) readUnaligned(address uint64, size int) []byte {
	lineSize := uint64(nextPow2(size))
	offset := address % lineSize
	split := lineSize - offset

	lineBase := address - offset
	line := m.readAligned(lineBase, int(lineSize))

	if split >= uint64(size) {
		out := make([]byte, size)
		copy(out, line[offset:offset+uint64(size)])
		return out
	}

	out := make([]byte, size)
	copy(out, line[offset:])
	remaining := uint64(size) - split

	nextBase := (address + uint64(size)) - remaining
	nextBase -= nextBase % lineSize
	next := m.readAligned(nextBase, int(lineSize))
	copy(out[split:], next[:remaining])
	return out
}

func (m *Memory) writeUnaligned(address uint64, data []byte) {
	for i, b := range data {
		m.WriteByte(address+uint64(i), b)
	}
}

// Read8/16/32/64/128 return the little-endian value stored at
// address. Naturally aligned accesses take the fast single-page
// path; unaligned accesses are split and stitched per readUnaligned.
func (m *Memory) Read8(address uint64) uint8 { return m.ReadByte(address) }

func (m *Memory) Read16(address uint64) uint16 {
	var b []byte
	if IsAligned(address, 2) {
		b = m.readAligned(address, 2)
	} else {
		b = m.readUnaligned(address, 2)
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

func (m *Memory) Read32(address uint64) uint32 {
	var b []byte
	if IsAligned(address, 4) {
		b = m.readAligned(address, 4)
	} else {
		b = m.readUnaligned(address, 4)
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (m *Memory) Read64(address uint64) uint64 {
	var b []byte
	if IsAligned(address, 8) {
		b = m.readAligned(address, 8)
	} else {
		b = m.readUnaligned(address, 8)
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Read128 returns the 128-bit value at address as (low, high) 64-bit
// halves, the representation state.State keeps XMM registers in.
func (m *Memory) Read128(address uint64) (low, high uint64) {
	var b []byte
	if IsAligned(address, 16) {
		b = m.readAligned(address, 16)
	} else {
		b = m.readUnaligned(address, 16)
	}
	for i := 7; i >= 0; i-- {
		low = low<<8 | uint64(b[i])
	}
	for i := 15; i >= 8; i-- {
		high = high<<8 | uint64(b[i])
	}
	return low, high
}

func putLE(buf []byte, value uint64) {
	for i := range buf {
		buf[i] = byte(value)
		value >>= 8
	}
}

func (m *Memory) Write16(address uint64, value uint16) {
	buf := make([]byte, 2)
	putLE(buf, uint64(value))
	if IsAligned(address, 2) {
		m.writeAligned(address, buf)
	} else {
		m.writeUnaligned(address, buf)
	}
}

func (m *Memory) Write32(address uint64, value uint32) {
	buf := make([]byte, 4)
	putLE(buf, uint64(value))
	if IsAligned(address, 4) {
		m.writeAligned(address, buf)
	} else {
		m.writeUnaligned(address, buf)
	}
}

func (m *Memory) Write64(address uint64, value uint64) {
	buf := make([]byte, 8)
	putLE(buf, value)
	if IsAligned(address, 8) {
		m.writeAligned(address, buf)
	} else {
		m.writeUnaligned(address, buf)
	}
}

func (m *Memory) Write128(address uint64, low, high uint64) {
	buf := make([]byte, 16)
	putLE(buf[:8], low)
	putLE(buf[8:], high)
	if IsAligned(address, 16) {
		m.writeAligned(address, buf)
	} else {
		m.writeUnaligned(address, buf)
	}
}

// ReadBytes copies size bytes starting at address into a fresh slice.
// Used by the monitor's examine command to dump a raw span rather
// than a typed value.
func (m *Memory) ReadBytes(address uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = m.ReadByte(address + uint64(i))
	}
	return out
}

// WriteBytes copies data into guest memory starting at address.
func (m *Memory) WriteBytes(address uint64, data []byte) {
	for i, b := range data {
		m.WriteByte(address+uint64(i), b)
	}
}
