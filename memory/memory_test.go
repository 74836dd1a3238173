package memory

import "testing"

func setup() *Memory {
	m := New()
	m.Allocate(0x1000, 0x2000)
	return m
}

func TestReadWriteByte(t *testing.T) {
	m := setup()
	m.WriteByte(0x1004, 0x42)
	if got := m.ReadByte(0x1004); got != 0x42 {
		t.Errorf("ReadByte got: %02x wanted: %02x", got, 0x42)
	}
}

func TestReadWriteAligned32(t *testing.T) {
	m := setup()
	m.Write32(0x1000, 0xdeadbeef)
	if got := m.Read32(0x1000); got != 0xdeadbeef {
		t.Errorf("Read32 got: %08x wanted: %08x", got, 0xdeadbeef)
	}
}

func TestReadWriteUnaligned32(t *testing.T) {
	m := setup()
	// 0x1ffe..0x2002 straddles the page boundary at 0x2000.
	m.Write32(0x1ffe, 0x11223344)
	if got := m.Read32(0x1ffe); got != 0x11223344 {
		t.Errorf("Read32 unaligned got: %08x wanted: %08x", got, 0x11223344)
	}
}

func TestReadWriteUnaligned64(t *testing.T) {
	m := setup()
	m.Write64(0x1ffd, 0x0102030405060708)
	if got := m.Read64(0x1ffd); got != 0x0102030405060708 {
		t.Errorf("Read64 unaligned got: %016x wanted: %016x", got, 0x0102030405060708)
	}
}

func TestReadWrite128(t *testing.T) {
	m := setup()
	m.Write128(0x1ff8, 0x1111111111111111, 0x2222222222222222)
	low, high := m.Read128(0x1ff8)
	if low != 0x1111111111111111 || high != 0x2222222222222222 {
		t.Errorf("Read128 got: %016x:%016x wanted: %016x:%016x", high, low, uint64(0x2222222222222222), uint64(0x1111111111111111))
	}
}

func TestUnmappedPageFaults(t *testing.T) {
	m := New()
	defer func() {
		if recover() == nil {
			t.Errorf("ReadByte on unmapped page did not fault")
		}
	}()
	m.ReadByte(0x9000)
}

func TestBytesRoundTrip(t *testing.T) {
	m := setup()
	data := []byte{1, 2, 3, 4, 5, 6, 7}
	m.WriteBytes(0x1500, data)
	got := m.ReadBytes(0x1500, len(data))
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("ReadBytes[%d] got: %02x wanted: %02x", i, got[i], data[i])
		}
	}
}
