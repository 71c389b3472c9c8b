package wire

import (
	"bytes"
	"testing"
)

func TestRoundTrip64(t *testing.T) {
	values := []uint64{0, 1, 0xff, 0x1234567890abcdef, ^uint64(0), 1 << 63, 99_000_000_000}
	for _, v := range values {
		buf := make([]byte, 12)
		Write64(buf, v, 3)
		if got := Parse64(buf, 3); got != v {
			t.Errorf("Parse64(Write64(%#x)) = %#x", v, got)
		}
	}
}

func TestRoundTrip32(t *testing.T) {
	values := []uint32{0, 1, 0xff00ff00, ^uint32(0), 5001}
	for _, v := range values {
		buf := make([]byte, 8)
		Write32(buf, v, 2)
		if got := Parse32(buf, 2); got != v {
			t.Errorf("Parse32(Write32(%#x)) = %#x", v, got)
		}
	}
}

func TestRoundTrip16(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x1389, 0xffff} {
		buf := make([]byte, 4)
		Write16(buf, v, 1)
		if got := Parse16(buf, 1); got != v {
			t.Errorf("Parse16(Write16(%#x)) = %#x", v, got)
		}
	}
}

func TestLittleEndianLayout(t *testing.T) {
	buf := make([]byte, 8)
	Write64(buf, 0x0807060504030201, 0)
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if !bytes.Equal(buf, want) {
		t.Fatalf("Write64 layout = %v, want %v", buf, want)
	}

	buf2 := make([]byte, 2)
	Write16(buf2, 5000, 0)
	if buf2[0] != 0x88 || buf2[1] != 0x13 {
		t.Fatalf("Write16(5000) = % x, want 88 13", buf2)
	}
}

func TestSignedValuesSurvive(t *testing.T) {
	buf := make([]byte, 8)
	negOne := int64(-1)
	Write64(buf, uint64(negOne), 0)
	if got := int64(Parse64(buf, 0)); got != -1 {
		t.Errorf("signed round trip = %d, want -1", got)
	}
	negFive := int32(-5)
	Write32(buf, uint32(negFive), 0)
	if got := int32(Parse32(buf, 0)); got != -5 {
		t.Errorf("signed 32 round trip = %d, want -5", got)
	}
}
