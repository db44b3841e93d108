package kermit

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	// spec.md §8 testable property 1: decode(encode(B)) == B for every
	// combination of {qctl, qbin, rept, seven_bit_only}, over randomized
	// byte sequences.
	combos := []struct {
		qctl, qbin, rept byte
		sevenBit         bool
	}{
		{'#', 0, 0, false},
		{'#', '&', '~', false},
		{'#', '&', '~', true},
		{'$', 0, '~', false},
		{'#', '&', 0, false},
	}
	rng := rand.New(rand.NewSource(1))
	for _, c := range combos {
		codec := newDataCodec(c.qctl, c.qbin, c.rept, c.sevenBit)
		for _, n := range []int{0, 1, 5, 37, 500, 5000} {
			raw := make([]byte, n)
			for i := range raw {
				raw[i] = byte(rng.Intn(256))
			}
			if c.sevenBit {
				for i := range raw {
					raw[i] &= 0x7f
				}
			}
			encoded := codec.encodeBytes(raw, false, false, false)
			decoded, err := codec.decodeBytes(encoded, false, false)
			if err != nil {
				t.Fatalf("combo %+v len %d: decode error: %v", c, n, err)
			}
			if !bytes.Equal(decoded, raw) {
				t.Fatalf("combo %+v len %d: round-trip mismatch:\n got  %v\n want %v", c, n, decoded, raw)
			}
		}
	}
}

func TestCodecRunLengthCompression(t *testing.T) {
	codec := newDataCodec('#', '&', '~', false)
	raw := bytes.Repeat([]byte{'x'}, 50)
	encoded := codec.encodeBytes(raw, false, false, false)
	if len(encoded) >= len(raw) {
		t.Fatalf("expected run-length compression to shrink 50 repeated bytes, got %d encoded bytes", len(encoded))
	}
	decoded, err := codec.decodeBytes(encoded, false, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("decoded run-length data mismatch")
	}
}

func TestCodecTextModeLFExpansion(t *testing.T) {
	// spec.md §8 testable property 6.
	codec := newDataCodec('#', 0, 0, false)
	encoded := codec.encodeBytes([]byte("a\nb"), true, false, false)
	decoded, err := codec.decodeBytes(encoded, true, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "a\nb" {
		t.Fatalf("text-mode round trip: got %q, want %q", decoded, "a\nb")
	}

	raw := textModeSend([]byte("a\nb"))
	if string(raw) != "a\r\nb" {
		t.Fatalf("textModeSend(%q) = %q, want %q", "a\nb", raw, "a\r\nb")
	}
}

func TestCodecBypassIsVerbatim(t *testing.T) {
	codec := newDataCodec('#', '&', '~', false)
	raw := []byte{0x01, '#', '&', '~', 0x00, 0xff}
	encoded := codec.encodeBytes(raw, false, false, true)
	if !bytes.Equal(encoded, raw) {
		t.Fatalf("bypass encode should be verbatim: got %v, want %v", encoded, raw)
	}
	decoded, err := codec.decodeBytes(encoded, false, true)
	if err != nil {
		t.Fatalf("bypass decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("bypass decode should be verbatim: got %v, want %v", decoded, raw)
	}
}

func TestCodecMalformedQbinQbin(t *testing.T) {
	codec := newDataCodec('#', '&', 0, false)
	wire := []byte{'&', '&', 'x'}
	if _, err := codec.decodeBytes(wire, false, false); err == nil {
		t.Fatalf("expected decode error for qbin qbin without control prefix")
	}
}
