package hex

import (
	"strings"
	"testing"
)

func TestFormatBytesWithSpaces(t *testing.T) {
	var b strings.Builder
	FormatBytes(&b, true, []byte{0xde, 0xad, 0xbe, 0xef})
	if got := b.String(); got != "DE AD BE EF " {
		t.Errorf("got: %q wanted: %q", got, "DE AD BE EF ")
	}
}

func TestFormatWordAppendsEightDigitsPerWord(t *testing.T) {
	var b strings.Builder
	FormatWord(&b, []uint32{0x12345678})
	if got := b.String(); got != "12345678 " {
		t.Errorf("got: %q wanted: %q", got, "12345678 ")
	}
}

func TestFormatByteSingle(t *testing.T) {
	var b strings.Builder
	FormatByte(&b, 0x0a)
	if got := b.String(); got != "0A" {
		t.Errorf("got: %q wanted: 0A", got)
	}
}
