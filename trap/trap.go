/*
x86emu trap table - host callbacks invoked when RIP lands on a
registered address.

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

// Package trap is the fixed calling convention between the execution
// loop and a host collaborator: when RIP lands on a registered
// address after an instruction dispatches, the loop hands control to
// a Func, assigns its return to RAX, and pops one return address off
// the guest stack as if the address had been CALLed.
package trap

import "github.com/rcornwell/x86emu/state"

// Func is a host callback. It runs with exclusive access to State
// and returns the value the guest sees in RAX.
type Func func(s *state.State) int64

// Table maps trap addresses to callbacks. Installation is expected
// to happen before Run starts; the execution loop only reads it.
type Table struct {
	byAddress map[uint64]Func
}

// NewTable returns an empty trap table.
func NewTable() *Table {
	return &Table{byAddress: make(map[uint64]Func)}
}

// Install registers fn to run whenever RIP reaches address.
func (t *Table) Install(address uint64, fn Func) {
	t.byAddress[address] = fn
}

// Remove clears any callback registered at address.
func (t *Table) Remove(address uint64) {
	delete(t.byAddress, address)
}

// Lookup returns the callback registered at address, if any.
func (t *Table) Lookup(address uint64) (Func, bool) {
	fn, ok := t.byAddress[address]
	return fn, ok
}
