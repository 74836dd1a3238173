package monitor

import (
	"strings"
	"testing"

	"github.com/rcornwell/x86emu/exec"
)

func setup() *Monitor {
	loop := exec.New()
	loop.State.Memory.Allocate(0x1000, 0x1000)
	loop.State.SetRIP(0x1000)
	return New(loop)
}

func TestDispatchUnknownCommand(t *testing.T) {
	m := setup()
	_, _, err := Dispatch(m, "bogus")
	if err == nil {
		t.Errorf("got: nil error wanted: unknown command error")
	}
}

func TestDispatchAcceptsAbbreviation(t *testing.T) {
	m := setup()
	// No two command names share a first letter, so no abbreviation is
	// ambiguous; "bre" is a minimum-length abbreviation of break.
	_, _, err := Dispatch(m, "bre 0x1000")
	if err != nil {
		t.Errorf("got: %v wanted: nil", err)
	}
}

func TestBreakAndUnbreak(t *testing.T) {
	m := setup()
	out, quit, err := Dispatch(m, "break 1000")
	if err != nil || quit {
		t.Errorf("got: out=%q quit=%v err=%v wanted: success", out, quit, err)
	}
	if !strings.Contains(out, "0x1000") {
		t.Errorf("got: %q wanted: contains 0x1000", out)
	}
	if !m.breakpoints[0x1000] {
		t.Errorf("got: breakpoint not set wanted: set")
	}

	out, _, err = Dispatch(m, "unbreak 1000")
	if err != nil {
		t.Errorf("got: %v wanted: nil", err)
	}
	if m.breakpoints[0x1000] {
		t.Errorf("got: breakpoint still set wanted: cleared")
	}
	_ = out
}

func TestDepositAndExamine(t *testing.T) {
	m := setup()
	if _, _, err := Dispatch(m, "deposit 1000 cafebabe"); err != nil {
		t.Errorf("got: %v wanted: nil", err)
	}
	out, _, err := Dispatch(m, "examine 1000")
	if err != nil {
		t.Errorf("got: %v wanted: nil", err)
	}
	if !strings.Contains(out, "cafebabe") {
		t.Errorf("got: %q wanted: contains cafebabe", out)
	}
}

func TestRegistersIncludesRIP(t *testing.T) {
	m := setup()
	out, _, err := Dispatch(m, "registers")
	if err != nil {
		t.Errorf("got: %v wanted: nil", err)
	}
	if !strings.Contains(out, "rip=0x0000000000001000") {
		t.Errorf("got: %q wanted: rip=0x0000000000001000", out)
	}
}

func TestQuitSignalsSession(t *testing.T) {
	m := setup()
	_, quit, err := Dispatch(m, "quit")
	if err != nil || !quit {
		t.Errorf("got: quit=%v err=%v wanted: quit=true err=nil", quit, err)
	}
}

func TestStepOnUnmappedMemoryFaults(t *testing.T) {
	m := setup()
	m.Loop.State.SetRIP(0x9000)
	out, err := step(m, nil)
	if err != nil {
		t.Errorf("got: %v wanted: nil (fault reported via status string)", err)
	}
	if !strings.Contains(out, "faulted") {
		t.Errorf("got: %q wanted: contains faulted", out)
	}
}
