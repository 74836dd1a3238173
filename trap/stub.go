/*
x86emu trap stubs - a canned bank of host callbacks standing in for a
UEFI-shaped firmware surface.

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

package trap

import (
	"fmt"

	"github.com/rcornwell/x86emu/state"
)

// EFI status codes a guest checks after a boot/runtime-service call.
const (
	EFISuccess       = 0
	EFIUnsupported   = 0x8000000000000003
	EFINotFound      = 0x800000000000000E
)

// Unimplemented fails the run the same way the firmware surface this
// stands in for fails when a service nobody ported is called: loudly,
// with the service name attached.
func Unimplemented(name string) Func {
	return func(s *state.State) int64 {
		panic(fmt.Sprintf("trap: unimplemented firmware service %q at rip %#x", name, s.RIP()))
	}
}

// Stall returns EFISuccess immediately; the guest asked to busy-wait
// for a host-measured duration we have no clock for.
func Stall(s *state.State) int64 { return EFISuccess }

// GetTime returns EFISuccess without writing the output Time
// structure; only the return code is meaningful to a guest that
// merely checks for success.
func GetTime(s *state.State) int64 { return EFISuccess }

// ExitBootServices always succeeds: there is no boot-service phase to
// exit in an emulator that starts the guest already past it.
func ExitBootServices(s *state.State) int64 { return EFISuccess }

// SetWatchdogTimer accepts and ignores the request.
func SetWatchdogTimer(s *state.State) int64 { return EFISuccess }

// StandardStubs returns the fixed set of named callbacks a loader can
// install at the addresses a flat image's firmware vector table
// names, covering the handful of services a typical guest checks for
// success without needing real behavior, and failing loudly on
// anything the guest actually depends on.
func StandardStubs() map[string]Func {
	return map[string]Func{
		"Stall":             Stall,
		"GetTime":           GetTime,
		"ExitBootServices":  ExitBootServices,
		"SetWatchdogTimer":  SetWatchdogTimer,
		"AllocatePages":     Unimplemented("AllocatePages"),
		"FreePages":         Unimplemented("FreePages"),
		"AllocatePool":      Unimplemented("AllocatePool"),
		"FreePool":          Unimplemented("FreePool"),
		"GetMemoryMap":      Unimplemented("GetMemoryMap"),
		"CreateEvent":       Unimplemented("CreateEvent"),
		"SetTimer":          Unimplemented("SetTimer"),
		"WaitForEvent":      Unimplemented("WaitForEvent"),
		"HandleProtocol":    Unimplemented("HandleProtocol"),
		"LocateProtocol":    Unimplemented("LocateProtocol"),
		"OutputString":      Unimplemented("OutputString"),
		"ReadKeyStroke":     Unimplemented("ReadKeyStroke"),
	}
}
