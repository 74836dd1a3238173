package asmtest

import "testing"

func TestMovEAXImm32Encoding(t *testing.T) {
	got := New().MovEAXImm32(RAX, 0x12345678).Bytes()
	want := []byte{0xB8, 0x78, 0x56, 0x34, 0x12}
	if len(got) != len(want) {
		t.Fatalf("got: %x wanted: %x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("byte %d got: %02x wanted: %02x", i, got[i], want[i])
		}
	}
}

func TestAddRegRegEncoding(t *testing.T) {
	got := New().AddRegReg(RAX, RCX).Bytes()
	want := []byte{0x01, 0xC8}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got: %x wanted: %x", got, want)
	}
}

func TestChainedBuildAppends(t *testing.T) {
	got := New().MovEAXImm32(RAX, 1).AddEAXImm32(2).Ret().Bytes()
	if len(got) != 5+5+1 {
		t.Errorf("got: %d bytes wanted: %d", len(got), 11)
	}
	if got[len(got)-1] != 0xC3 {
		t.Errorf("got: %02x wanted: c3 (ret)", got[len(got)-1])
	}
}
