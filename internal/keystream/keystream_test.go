package keystream

import (
	"bytes"
	"testing"
)

func TestSegmentRoundTrip(t *testing.T) {
	c := Derive("correct horse battery staple")
	cases := []struct {
		name     string
		streamID uint64
		offset   uint64
		data     string
	}{
		{"aligned", 1, 0, "hello, world"},
		{"unaligned", 1, 7, "hello, world"},
		{"block boundary", 0x100000001, 16, "sixteen bytes!!!"},
		{"large offset", 0x200000000, 1<<40 + 3, "offsets far into the stream"},
		{"empty", 42, 99, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct := c.Segment(tc.streamID, tc.offset, []byte(tc.data))
			if tc.data != "" && bytes.Equal(ct, []byte(tc.data)) {
				t.Fatalf("ciphertext equals plaintext")
			}
			pt := c.Segment(tc.streamID, tc.offset, ct)
			if string(pt) != tc.data {
				t.Fatalf("round trip: got %q, want %q", pt, tc.data)
			}
		})
	}
}

func TestSegmentSeekable(t *testing.T) {
	c := Derive("seekable")
	plain := make([]byte, 1000)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	const base = uint64(12345) // deliberately not block-aligned
	whole := c.Segment(3, base, plain)

	// Encrypting arbitrary adjacent sub-ranges must concatenate to the same
	// ciphertext as the single whole-range call.
	for _, split := range []int{1, 15, 16, 17, 500, 999} {
		a := c.Segment(3, base, plain[:split])
		b := c.Segment(3, base+uint64(split), plain[split:])
		if !bytes.Equal(append(a, b...), whole) {
			t.Fatalf("split at %d does not match whole-range segment", split)
		}
	}
}

func TestSegmentIndependentStreams(t *testing.T) {
	c := Derive("streams")
	data := []byte("same plaintext, same offset")
	a := c.Segment(1, 0, data)
	b := c.Segment(2, 0, data)
	if bytes.Equal(a, b) {
		t.Fatalf("different stream ids produced identical ciphertext")
	}
}

func TestZerosDeterministic(t *testing.T) {
	a := Derive("secret-a")
	b := Derive("secret-a")
	other := Derive("secret-b")

	if !bytes.Equal(a.Zeros(), b.Zeros()) {
		t.Fatalf("equal secrets produced different zero blocks")
	}
	if bytes.Equal(a.Zeros(), other.Zeros()) {
		t.Fatalf("distinct secrets produced identical zero blocks")
	}
	if got := len(a.Zeros()); got != 16 {
		t.Fatalf("zero block length = %d, want 16", got)
	}
}

func TestSegmentZeroStreamPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for stream id 0")
		}
	}()
	Derive("x").Segment(0, 0, []byte("data"))
}
