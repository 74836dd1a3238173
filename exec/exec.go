/*
x86emu execution loop - fetch, decode-or-cache, dispatch, trap.

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

// Package exec drives the fetch/decode/dispatch loop: it owns the
// instruction cache and the trap table, and runs either to a halt
// (self-loop), a fault (RIP lands outside mapped memory), a terminal
// INT, or external cancellation.
package exec

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcornwell/x86emu/decode"
	"github.com/rcornwell/x86emu/interp"
	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/memory"
	"github.com/rcornwell/x86emu/state"
	"github.com/rcornwell/x86emu/trap"
)

// Status names how a run ended.
type Status int

const (
	Running Status = iota
	Halted
	Faulted
	Terminated
)

func (s Status) String() string {
	switch s {
	case Halted:
		return "halted"
	case Faulted:
		return "faulted"
	case Terminated:
		return "terminated"
	default:
		return "running"
	}
}

// Result is returned when the loop stops.
type Result struct {
	Status Status
	RIP    int64
	Err    error
}

type cacheEntry struct {
	inst isa.Instruction
}

// Loop is the top-level driver: one State, one Memory, one
// instruction cache, one Traps table. A fresh Loop has nothing
// mapped and RIP at zero; the caller (typically loader.Load) must
// populate memory and RIP before Run.
type Loop struct {
	State *state.State
	Traps *trap.Table

	cache map[int64]cacheEntry
	mu    sync.Mutex

	done    chan struct{}
	stopped bool
}

// New returns a Loop over a fresh machine state.
func New() *Loop {
	return &Loop{
		State: state.New(),
		Traps: trap.NewTable(),
		cache: make(map[int64]cacheEntry),
		done:  make(chan struct{}),
	}
}

// InvalidateRange drops any cached instructions starting within
// [address, address+size). Exposed for embedders that patch guest
// code between runs; the interpreter itself never calls it, since
// self-modifying code during execution is out of scope.
func (l *Loop) InvalidateRange(address uint64, size uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for rip := range l.cache {
		if uint64(rip) >= address && uint64(rip) < address+size {
			delete(l.cache, rip)
		}
	}
}

// fetch returns the cached instruction at the current RIP, decoding
// and inserting it on a miss.
func (l *Loop) fetch() isa.Instruction {
	rip := l.State.RIP()
	if entry, ok := l.cache[rip]; ok {
		return entry.inst
	}
	inst := decode.Decode(uint64(rip), l.State.Memory)
	l.cache[rip] = cacheEntry{inst: inst}
	return inst
}

// fetchChecked wraps fetch with the same fault/terminal recovery
// dispatch gives instruction execution, since decoding an unmapped
// RIP panics with *memory.Fault exactly like executing one does.
func (l *Loop) fetchChecked() (inst isa.Instruction, status Status, err error) {
	defer func() {
		if r := recover(); r == nil {
			return
		} else if t, ok := r.(interface{ Error() string }); ok {
			status, err = classify(t)
		} else {
			panic(r)
		}
	}()
	return l.fetch(), Running, nil
}

// Step runs exactly one fetch/decode-or-cache/dispatch/trap-check
// cycle and reports whether the loop should keep running.
func (l *Loop) Step() (Status, error) {
	start := l.State.RIP()

	inst, status, err := l.fetchChecked()
	if status != Running {
		return status, err
	}
	l.State.AdvanceRIP(inst.Length)

	if status, err := l.dispatch(inst); status != Running {
		return status, err
	}

	if fn, ok := l.Traps.Lookup(uint64(l.State.RIP())); ok {
		result := fn(l.State)
		l.State.SetRegister(isa.RAX, result)
		interp.Ret(l.State)
	}

	if l.State.RIP() == start {
		return Halted, nil
	}
	if _, err := l.tryReadRIP(); err != nil {
		return Faulted, err
	}
	return Running, nil
}

func (l *Loop) tryReadRIP() (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if e, isErr := r.(error); isErr {
				err = e
			}
		}
	}()
	l.State.Memory.ReadByte(uint64(l.State.RIP()))
	return true, nil
}

func (l *Loop) dispatch(inst isa.Instruction) (status Status, err error) {
	defer func() {
		if r := recover(); r == nil {
			return
		} else if t, ok := r.(interface{ Error() string }); ok {
			status, err = classify(t)
		} else {
			panic(r)
		}
	}()
	interp.Execute(l.State, inst)
	return Running, nil
}

// classify picks a Status by the type of a recovered panic value:
// *memory.Fault, *decode.Fault and *interp.Fault are Faulted, and any
// other error (such as interp's terminal value for INT n) is Terminated.
func classify(err interface{ Error() string }) (Status, error) {
	switch v := err.(type) {
	case *memory.Fault:
		return Faulted, v
	case *decode.Fault:
		return Faulted, v
	case *interp.Fault:
		return Faulted, v
	case error:
		return Terminated, v
	default:
		return Faulted, nil
	}
}

// Run steps the loop until it halts, faults, terminates or Stop is
// called. It logs the terminal status at Info level so an
// embedder running headless still sees why the guest stopped.
func (l *Loop) Run() Result {
	for {
		select {
		case <-l.done:
			return Result{Status: Running, RIP: l.State.RIP()}
		default:
		}

		status, err := l.Step()
		if status != Running {
			slog.Info("execution stopped", "status", status, "rip", l.State.RIP())
			return Result{Status: status, RIP: l.State.RIP(), Err: err}
		}
	}
}

// Stop requests that a concurrently running Loop.Run return at its
// next cooperative yield point.
func (l *Loop) Stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// RunAsync starts Run in its own goroutine and returns a channel
// that receives the single Result when the loop stops, mirroring the
// done/control-channel convention the rest of the ambient stack uses
// for long-running workers.
func (l *Loop) RunAsync() <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- l.Run()
	}()
	return out
}

// WaitStop calls Stop and blocks up to timeout for Run to observe it.
func (l *Loop) WaitStop(results <-chan Result, timeout time.Duration) (Result, bool) {
	l.Stop()
	select {
	case r := <-results:
		return r, true
	case <-time.After(timeout):
		return Result{}, false
	}
}
