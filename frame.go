package kermit

// InputPacket is the decoded form of a received frame (spec.md §3).
type InputPacket struct {
	ParsedOK   bool
	Seq        int // 0..63
	Type       PacketType
	Len        int // declared length field (n, per spec.md §4.C)
	LongPacket bool
	Data       []byte
}

// OutputPacket is a frame queued for serialization. When Raw is non-nil the
// packet has already been serialized (a verbatim retransmission) and
// flushPending emits it unchanged instead of calling serializeFrame, so
// retransmitted bytes are byte-identical to the original transmission
// (spec.md §5's ordering guarantee).
type OutputPacket struct {
	Seq  int
	Type PacketType
	Data []byte
	Raw  []byte
}

// frameParseResult is returned by parseFrame.
type frameParseResult struct {
	pkt        InputPacket
	consumed   int  // bytes consumed from the input buffer (only those before the MARK if incomplete)
	needNak    bool // true if the caller should NAK (receiver side only)
	nakSeq     int  // sequence to NAK, when needNak
	discardAll bool // caller should discard the entire reassembly buffer
}

// parseFrame attempts to parse one packet from buf, starting at a MARK byte.
// Grounded on the teacher's scanForPad-then-decode shape (reader.go),
// adapted to a non-blocking, buffer-scoped parse: if the frame starting at a
// found MARK is incomplete, it consumes only the bytes before the MARK so the
// caller retains the MARK onward for the next pump() call (spec.md §4.C's
// parsing flow).
func parseFrame(buf []byte, mark byte, defaultCheckType int, longPacketsOK bool) frameParseResult {
	start := -1
	for i, b := range buf {
		if b == mark {
			start = i
			break
		}
	}
	if start < 0 {
		return frameParseResult{consumed: len(buf)}
	}
	rest := buf[start:]
	if len(rest) < 5 {
		return frameParseResult{consumed: start}
	}

	lenField := unchar(rest[1])
	seqField := int(unchar(rest[2]))
	typeField := PacketType(rest[3])
	checkType := selectCheckType(typeField, seqField, lenField, defaultCheckType)
	cLen := checkLen(checkType)

	var dataLen int
	var headerBytes int // bytes from MARK through the last header byte (exclusive of DATA)

	switch {
	case lenField == 0:
		if !longPacketsOK {
			return frameParseResult{consumed: start + 1, needNak: true, nakSeq: seqField, discardAll: true}
		}
		if len(rest) < 7 {
			return frameParseResult{consumed: start}
		}
		lenx1 := unchar(rest[4])
		lenx2 := unchar(rest[5])
		hcheckRecv := rest[6]
		computedH := computeHCheck(rest[1], rest[2], rest[3], rest[4], rest[5])
		if computedH != hcheckRecv {
			return frameParseResult{consumed: start + 1, needNak: true, nakSeq: (seqField + 1) & 0x3F, discardAll: true}
		}
		lx := int(lenx1)*95 + int(lenx2) // == dataLen + checkLen, per spec.md §4.C
		dataLen = lx - cLen
		headerBytes = 7 // MARK LEN SEQ TYPE LENX1 LENX2 HCHECK
	case lenField == 1 || lenField == 2:
		return frameParseResult{consumed: start + 1, needNak: true, nakSeq: seqField, discardAll: true}
	default:
		n := int(lenField) // SEQ TYPE DATA CHECK, inclusive
		dataLen = n - 2 - cLen
		headerBytes = 4 // MARK LEN SEQ TYPE
	}

	if dataLen < 0 {
		return frameParseResult{consumed: start + 1, needNak: true, nakSeq: seqField, discardAll: true}
	}

	totalLen := headerBytes + dataLen + cLen + 1 // +1 for EOL
	if len(rest) < totalLen {
		return frameParseResult{consumed: start}
	}

	dataStart := start + headerBytes
	dataEnd := dataStart + dataLen
	checkStart := dataEnd
	checkEnd := checkStart + cLen

	checkSpan := buf[start+1 : checkStart] // LEN through last payload byte, inclusive
	received := buf[checkStart:checkEnd]

	if !verifyCheck(checkType, checkSpan, false, received) {
		return frameParseResult{
			consumed:   checkEnd + 1,
			needNak:    true,
			nakSeq:     seqField,
			discardAll: true,
		}
	}

	data := make([]byte, dataLen)
	copy(data, buf[dataStart:dataEnd])

	pkt := InputPacket{
		ParsedOK:   true,
		Seq:        seqField,
		Type:       typeField,
		Len:        int(lenField),
		LongPacket: lenField == 0,
		Data:       data,
	}
	return frameParseResult{pkt: pkt, consumed: start + totalLen}
}

// computeHCheck computes the extended-length header check (spec.md §4.C).
// Its five inputs are the actual wire bytes for LEN, SEQ, TYPE, LENX1,
// LENX2 (LEN/SEQ/LENX1/LENX2 already tochar-encoded; TYPE is the raw
// ASCII packet-type letter) — not the pre-tochar numeric values.
func computeHCheck(lenWire, seqWire, typeWire, lenx1Wire, lenx2Wire byte) byte {
	sum := int(lenWire) + int(seqWire) + int(typeWire) + int(lenx1Wire) + int(lenx2Wire)
	return tochar(byte((sum + ((sum & 0xC0) >> 6)) & 0x3F))
}

// selectCheckType picks the check type to use while parsing an inbound
// packet, per spec.md §4.C's "Check-type selection on parse".
func selectCheckType(t PacketType, seq int, lenField byte, negotiated int) int {
	if t == PacketSendInit {
		return checkType1
	}
	if t == PacketNak {
		ct := int(lenField) - 2
		if ct >= 1 && ct <= 3 {
			return ct
		}
		return checkType1
	}
	return negotiated
}

// serializeFrame builds the wire bytes for an outbound packet, choosing the
// long-packet form only when both peers negotiated it and the encoded
// payload does not fit in a short packet's 1..94 byte cap.
func serializeFrame(p OutputPacket, params *SessionParameters, codec *dataCodec, textMode, bypassCodec bool) []byte {
	encoded := codec.encodeBytes(p.Data, textMode, params.CheckType == checkTypeB, bypassCodec)
	cLen := checkLen(params.CheckType)

	out := make([]byte, 0, len(encoded)+16)
	out = append(out, params.Mark)

	shortN := 2 + len(encoded) + cLen
	useLong := params.Capas&capLongPackets != 0 && shortN > 94

	if useLong {
		lx := len(encoded) + cLen
		lenx1 := byte(lx / 95)
		lenx2 := byte(lx % 95)
		out = append(out, tochar(0))
		out = append(out, tochar(byte(p.Seq&0x3F)))
		out = append(out, byte(p.Type))
		lenx1Wire := tochar(lenx1)
		lenx2Wire := tochar(lenx2)
		out = append(out, lenx1Wire)
		out = append(out, lenx2Wire)
		hc := computeHCheck(tochar(0), tochar(byte(p.Seq&0x3F)), byte(p.Type), lenx1Wire, lenx2Wire)
		out = append(out, hc)
	} else {
		out = append(out, tochar(byte(shortN)))
		out = append(out, tochar(byte(p.Seq&0x3F)))
		out = append(out, byte(p.Type))
	}

	out = append(out, encoded...)
	checkSpan := out[1:]
	check := computeCheck(params.CheckType, checkSpan, false)
	out = append(out, check...)
	out = append(out, params.EOL)
	return out
}

// padding returns NPAD bytes of padc, emitted before the next packet when
// the peer requested it (spec.md §4.C).
func padding(npad int, padc byte) []byte {
	if npad <= 0 {
		return nil
	}
	p := make([]byte, npad)
	for i := range p {
		p[i] = padc
	}
	return p
}
