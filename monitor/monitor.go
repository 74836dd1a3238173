/*
x86emu - Interactive monitor command executor.

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

// Package monitor is a table-driven debugger command set over a
// running exec.Loop: step, continue, break, register and memory
// inspection. It has no I/O of its own; Dispatch takes one command
// line and returns the text to print plus whether the session should
// end.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rcornwell/x86emu/exec"
	"github.com/rcornwell/x86emu/isa"
	"github.com/rcornwell/x86emu/util/hex"
)

type process func(m *Monitor, args []string) (string, error)

type cmd struct {
	Name    string
	Min     int // minimum unambiguous abbreviation length
	Process process
}

var cmdList = []cmd{
	{Name: "step", Min: 1, Process: step},
	{Name: "continue", Min: 1, Process: cont},
	{Name: "break", Min: 3, Process: setBreak},
	{Name: "unbreak", Min: 3, Process: clearBreak},
	{Name: "registers", Min: 3, Process: registers},
	{Name: "examine", Min: 2, Process: examine},
	{Name: "deposit", Min: 2, Process: deposit},
	{Name: "quit", Min: 1, Process: quit},
}

// Monitor wraps the loop under inspection and the set of addresses
// the operator has asked to stop at.
type Monitor struct {
	Loop        *exec.Loop
	breakpoints map[uint64]bool
}

// New returns a monitor over loop.
func New(loop *exec.Loop) *Monitor {
	return &Monitor{Loop: loop, breakpoints: make(map[uint64]bool)}
}

// Dispatch resolves line's command word against an unambiguous
// abbreviation in cmdList and runs it. quit reports whether the
// session should end.
func Dispatch(m *Monitor, line string) (output string, quitSession bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false, nil
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	var matched *cmd
	for i := range cmdList {
		c := &cmdList[i]
		if len(name) < c.Min {
			continue
		}
		if strings.HasPrefix(c.Name, name) {
			if matched != nil {
				return "", false, fmt.Errorf("ambiguous command %q", name)
			}
			matched = c
		}
	}
	if matched == nil {
		return "", false, fmt.Errorf("unknown command %q", name)
	}

	slog.Debug("monitor command", "name", matched.Name)
	out, err := matched.Process(m, args)
	return out, matched.Name == "quit", err
}

func step(m *Monitor, _ []string) (string, error) {
	status, err := m.Loop.Step()
	out := fmt.Sprintf("rip=%#x status=%v", m.Loop.State.RIP(), status)
	if err != nil {
		out += ": " + err.Error()
	}
	return out, nil
}

func cont(m *Monitor, _ []string) (string, error) {
	for {
		rip := uint64(m.Loop.State.RIP())
		if m.breakpoints[rip] {
			return fmt.Sprintf("breakpoint at %#x", rip), nil
		}
		status, err := m.Loop.Step()
		if err != nil || status != exec.Running {
			return fmt.Sprintf("stopped: %v at %#x", status, m.Loop.State.RIP()), err
		}
	}
}

func parseAddress(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func setBreak(m *Monitor, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("break requires one address")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return "", err
	}
	m.breakpoints[addr] = true
	return fmt.Sprintf("breakpoint set at %#x", addr), nil
}

func clearBreak(m *Monitor, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("unbreak requires one address")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return "", err
	}
	delete(m.breakpoints, addr)
	return fmt.Sprintf("breakpoint cleared at %#x", addr), nil
}

func registers(m *Monitor, _ []string) (string, error) {
	s := m.Loop.State
	names := []isa.Register{isa.RAX, isa.RBX, isa.RCX, isa.RDX, isa.RSI, isa.RDI, isa.RSP, isa.RBP}
	var b strings.Builder
	fmt.Fprintf(&b, "rip=%#016x rflags=%#08x\n", s.RIP(), s.RFLAGS())
	for _, r := range names {
		fmt.Fprintf(&b, "%-4v=%#016x ", r, uint64(s.GetRegister(r)))
	}
	return b.String(), nil
}

func examine(m *Monitor, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("examine requires one address")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return "", err
	}
	v := m.Loop.State.Memory.Read64(addr)
	bytes := m.Loop.State.Memory.ReadBytes(addr, 16)

	var b strings.Builder
	fmt.Fprintf(&b, "%#x: %#016x  ", addr, v)
	hex.FormatBytes(&b, true, bytes)
	return strings.TrimRight(b.String(), " "), nil
}

func deposit(m *Monitor, args []string) (string, error) {
	if len(args) != 2 {
		return "", errors.New("deposit requires an address and a value")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return "", err
	}
	value, err := parseAddress(args[1])
	if err != nil {
		return "", err
	}
	m.Loop.State.Memory.Write64(addr, value)
	return fmt.Sprintf("%#x: %#016x", addr, value), nil
}

func quit(_ *Monitor, _ []string) (string, error) {
	return "", nil
}
