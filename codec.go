package kermit

import "bytes"

// dataCodec encodes and decodes Kermit data-field payloads: control-prefix
// quoting (QCTL), eighth-bit prefixing (QBIN), and run-length repetition
// (REPT). Grounded on the teacher's buildEscapeTable/escapeRequired/
// escapeByte trio (escape.go) for the encode side and zdlRead/zdlEscape
// (reader.go) for the decode side — same table-driven "is this byte
// special" check followed by a prefix-then-transform emission.
type dataCodec struct {
	qctl         byte
	qbin         byte // 0 means "not active" (space or 'N'/not offered)
	rept         byte // 0 means RLE disabled (space)
	sevenBitOnly bool
}

func newDataCodec(qctl, qbin, rept byte, sevenBitOnly bool) *dataCodec {
	c := &dataCodec{qctl: qctl, sevenBitOnly: sevenBitOnly}
	if qbin != 0 && qbin != ' ' {
		c.qbin = qbin
	}
	if rept != 0 && rept != ' ' {
		c.rept = rept
	}
	return c
}

// needsQuote reports whether b7 (already stripped of its eighth bit) must
// be control-quoted verbatim: it collides with one of the three prefix
// characters currently in use.
func (c *dataCodec) needsQuote(b7 byte) bool {
	if b7 == c.qctl {
		return true
	}
	if c.qbin != 0 && b7 == c.qbin {
		return true
	}
	if c.rept != 0 && b7 == c.rept {
		return true
	}
	return false
}

// encodeByte appends the wire encoding of one raw byte to out, per the five
// steps of spec.md §4.B's Encoding algorithm. It does not handle run-length
// compression or text-mode CR/LF injection — those are layered on top by
// encodeBytes.
//
// When QBIN fires, everything downstream (the quote-collision check, the
// control transform, the raw pass-through) continues to work on the 7-bit
// value — the eighth bit already travelled via the QBIN prefix. When QBIN
// does not fire (inactive, or the eighth bit was clear), downstream work
// operates on the full byte so an 8-bit-clean channel can still carry a set
// eighth bit through unprefixed.
func (c *dataCodec) encodeByte(out *bytes.Buffer, b byte) {
	if c.sevenBitOnly {
		b &= 0x7f
	}
	eighth := b & 0x80
	b7 := b & 0x7F
	base := b
	if eighth != 0 && c.qbin != 0 {
		out.WriteByte(c.qbin)
		base = b7
	}

	switch {
	case c.needsQuote(b7):
		out.WriteByte(c.qctl)
		out.WriteByte(base)
	case b7 < 0x20 || b7 == 0x7F:
		out.WriteByte(c.qctl)
		out.WriteByte(ctl(base))
	default:
		out.WriteByte(base)
	}
}

const maxRept = 94
const minRept = 4

// encodeBytes encodes a raw byte slice into wire form, applying run-length
// compression and (when textMode is set) CR/LF transmission rules. bypass
// disables all prefixing (Send-Init body / Attributes payloads travel
// verbatim per spec.md §4.B).
func (c *dataCodec) encodeBytes(raw []byte, textMode, checkTypeIsB, bypass bool) []byte {
	if bypass {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}

	// Text-mode: strip lone CR, expand LF to CR LF.
	if textMode {
		raw = textModeSend(raw)
	}

	var out bytes.Buffer
	i := 0
	for i < len(raw) {
		b := raw[i]
		n := 1
		for i+n < len(raw) && raw[i+n] == b && n < maxRept {
			n++
		}
		threshold := minRept
		if checkTypeIsB && b == ' ' {
			threshold = 2
		}
		if c.rept != 0 && n >= threshold {
			out.WriteByte(c.rept)
			out.WriteByte(tochar(byte(n)))
			c.encodeByte(&out, b)
			i += n
			continue
		}
		c.encodeByte(&out, b)
		i++
	}
	return out.Bytes()
}

// textModeSend strips a lone CR and expands every LF into CR LF, matching
// spec.md §4.B's text-mode send rule.
func textModeSend(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+len(raw)/4)
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch b {
		case '\r':
			// Lone CR (not immediately followed by LF) is dropped; a CR
			// immediately followed by LF collapses into the LF handling below.
			if i+1 < len(raw) && raw[i+1] == '\n' {
				continue
			}
			continue
		case '\n':
			out = append(out, '\r', '\n')
		default:
			out = append(out, b)
		}
	}
	return out
}

// decodeError signals a malformed wire stream (spec.md §4.B: "qbin qbin"
// without an intervening control prefix is malformed and fails the packet).
type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }

// decodeBytes decodes a wire-form payload back into raw bytes, honoring
// QCTL/QBIN/REPT and (when textMode is set) stripping CR from the decoded
// stream. bypass mirrors encodeBytes' bypass flag.
func (c *dataCodec) decodeBytes(wire []byte, textMode, bypass bool) ([]byte, error) {
	if bypass {
		out := make([]byte, len(wire))
		copy(out, wire)
		return out, nil
	}

	var out bytes.Buffer
	pendingCtrl := false
	pendingBin := false
	pendingRept := -1 // repeat count, or -1 if no repeat pending

	emit := func(b byte) {
		if textMode && b == '\r' {
			return
		}
		out.WriteByte(b)
	}

	for i := 0; i < len(wire); i++ {
		w := wire[i]

		if c.rept != 0 && w == c.rept && !pendingCtrl && !pendingBin && pendingRept < 0 {
			// rept tochar(n) <encoded-byte...> — read count, then fall
			// through to decode the following (possibly quoted) byte as
			// the repeated unit.
			i++
			if i >= len(wire) {
				return nil, &decodeError{"kermit: truncated repeat count"}
			}
			pendingRept = int(unchar(wire[i]))
			continue
		}

		// qctl may follow a pending qbin (wire order is always qbin then
		// qctl then byte); two qbins in a row with no intervening qctl is
		// the malformed stream spec.md §4.B calls out explicitly.
		if !pendingCtrl && w == c.qctl {
			pendingCtrl = true
			continue
		}
		if !pendingCtrl && c.qbin != 0 && w == c.qbin {
			if pendingBin {
				return nil, &decodeError{"kermit: qbin qbin without control prefix"}
			}
			pendingBin = true
			continue
		}

		// The byte following a QCTL prefix is either one of the quote
		// characters themselves (sent verbatim — step 3 of the encode
		// algorithm) or a ctl-transformed control character (step 4).
		// The negotiated punctuation ranges for qctl/qbin/rept keep these
		// two cases disjoint, so equality of the low seven bits against the
		// quote set is enough to tell them apart (without QBIN, a quoted
		// quote character may carry its eighth bit on the wire).
		b := w
		if pendingCtrl {
			if w7 := w & 0x7F; w7 == c.qctl || (c.qbin != 0 && w7 == c.qbin) || (c.rept != 0 && w7 == c.rept) {
				b = w
			} else {
				b = ctl(w)
			}
			pendingCtrl = false
		}
		if pendingBin {
			b |= 0x80
			pendingBin = false
		}
		decoded := b

		if pendingRept >= 0 {
			for k := 0; k < pendingRept; k++ {
				emit(decoded)
			}
			pendingRept = -1
		} else {
			emit(decoded)
		}
	}

	if pendingCtrl || pendingBin {
		return nil, &decodeError{"kermit: truncated quote sequence at end of payload"}
	}
	if pendingRept >= 0 {
		return nil, &decodeError{"kermit: truncated repeat sequence at end of payload"}
	}

	return out.Bytes(), nil
}
