package remote

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rcornwell/x86emu/exec"
	"github.com/rcornwell/x86emu/monitor"
)

func TestServeRegistersCommand(t *testing.T) {
	loop := exec.New()
	loop.State.SetRIP(0x2000)
	m := monitor.New(loop)

	s, err := Start("127.0.0.1:0", m)
	if err != nil {
		t.Fatalf("got: %v wanted: nil", err)
	}
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.listener.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("got: %v wanted: nil", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("got: %v wanted: banner line", err)
	}

	if _, err := conn.Write([]byte("registers\n")); err != nil {
		t.Fatalf("got: %v wanted: nil", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("got: %v wanted: registers line", err)
	}
	if want := "rip=0x0000000000002000"; len(line) < len(want) || line[:len(want)] != want {
		t.Errorf("got: %q wanted: prefix %q", line, want)
	}
}
