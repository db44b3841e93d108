package kermit

// SessionParameters holds one instance of the negotiable Kermit parameters
// (spec.md §3). Three instances exist per transfer: local, remote, and
// negotiated ("session") — see Invariant 6: session is never read before
// negotiation completes.
type SessionParameters struct {
	Mark           byte
	MaxLen         int // short-packet payload cap, 1..94
	TimeoutSeconds int // 1..94
	PadCount       int
	PadChar        byte
	EOL            byte
	QCtl           byte
	QBin           byte // 'Y' offered, 'N' refused, ' ' not needed, or a concrete char
	CheckType      int  // internal code: 1, 2, 3, or 12 (='B')
	Rept           byte // ' ' disables RLE
	Capas          byte
	Whatami        byte
	Window         int // 1..31
	WindoIn        int
	WindoOut       int
	MaxLX1         byte
	MaxLX2         byte
	MaxLongLen     int // derived: maxlx1*95 + maxlx2, capped at 9024
}

// defaultLocalParams returns this engine's advertised local parameters,
// applying Config overrides. Grounded on the teacher's Config.defaults()
// pattern (zmodem.go) of zero-value fallback assignment.
func defaultLocalParams(cfg *Config) SessionParameters {
	p := SessionParameters{
		Mark:           defaultMark,
		MaxLen:         94,
		TimeoutSeconds: cfg.TimeoutSeconds,
		PadCount:       0,
		PadChar:        0,
		EOL:            defaultEOL,
		QCtl:           '#',
		QBin:           ' ',
		CheckType:      checkType1,
		Rept:           '~',
		Window:         1,
		WindoIn:        1,
		WindoOut:       1,
	}
	if cfg.MaxShortLen > 0 && cfg.MaxShortLen <= 94 {
		p.MaxLen = cfg.MaxShortLen
	}
	if cfg.CheckType != 0 {
		p.CheckType = checkTypeFromWire(byte(cfg.CheckType))
	}
	if cfg.Window >= 1 && cfg.Window <= 31 {
		p.Window = cfg.Window
		p.WindoIn = cfg.Window
		p.WindoOut = cfg.Window
	}
	maxLong := cfg.MaxLongLen
	if cfg.LongPackets {
		if maxLong <= 0 || maxLong > 9024 {
			maxLong = 9024
		}
		p.MaxLX1 = byte(maxLong / 95)
		p.MaxLX2 = byte(maxLong % 95)
		p.MaxLongLen = maxLong
		p.Capas |= capLongPackets
	}
	if cfg.Windowing && p.Window > 1 {
		p.Capas |= capWindowing
	}
	if cfg.Attributes {
		p.Capas |= capAttributes
	}
	if cfg.Resend {
		p.Capas |= capResend
	}
	p.Whatami = whatamiLocal // advertise streaming capability locally, per spec.md §3
	if !cfg.Streaming {
		p.Whatami &^= whatamiStreaming
	}
	return p
}

// isValidPunct reports whether b falls in the "valid punctuation ranges"
// spec.md §4.D uses repeatedly for qctl/qbin/rept negotiation:
// [33..62] ∪ [96..126].
func isValidPunct(b byte) bool {
	return (b >= 33 && b <= 62) || (b >= 96 && b <= 126)
}

// negotiate computes the session parameters from local and remote
// Send-Init payloads, per spec.md §4.D's explicit tie-break rules.
func negotiate(local, remote *SessionParameters) SessionParameters {
	var s SessionParameters
	s.Mark = local.Mark
	s.EOL = remote.EOL
	s.PadCount = remote.PadCount
	s.PadChar = remote.PadChar
	s.TimeoutSeconds = local.TimeoutSeconds

	if local.MaxLen < remote.MaxLen {
		s.MaxLen = local.MaxLen
	} else {
		s.MaxLen = remote.MaxLen
	}

	s.QCtl = local.QCtl

	switch remote.QBin {
	case 'Y':
		if local.QBin != ' ' && local.QBin != 'Y' && local.QBin != 'N' && isValidPunct(local.QBin) {
			s.QBin = local.QBin
		} else if isValidPunct(defaultQBinOffer) {
			s.QBin = defaultQBinOffer
		} else {
			s.QBin = ' '
		}
	case 'N':
		s.QBin = ' '
	case ' ':
		s.QBin = ' '
	default:
		if isValidPunct(remote.QBin) {
			s.QBin = remote.QBin
		} else {
			s.QBin = ' '
		}
	}
	if s.QBin == s.QCtl {
		s.QBin = ' '
	}

	if local.CheckType == remote.CheckType {
		s.CheckType = local.CheckType
	} else {
		s.CheckType = checkType1
	}

	if local.Rept == remote.Rept && local.Rept != ' ' && isValidPunct(local.Rept) {
		s.Rept = local.Rept
	} else {
		s.Rept = ' '
	}
	if s.Rept == s.QCtl || s.Rept == s.QBin {
		s.Rept = ' '
	}

	attributesOn := (local.Capas&capAttributes != 0) && (remote.Capas&capAttributes != 0)
	longOn := (local.Capas&capLongPackets != 0) && (remote.Capas&capLongPackets != 0)
	windowingOn := (local.Capas&capWindowing != 0) && (remote.Capas&capWindowing != 0)
	streamingOn := (local.Whatami&whatamiStreaming != 0) && (remote.Whatami&whatamiStreaming != 0)
	resendOn := attributesOn && (local.Capas&capResend != 0) && (remote.Capas&capResend != 0)

	var capas byte
	if attributesOn {
		capas |= capAttributes | 0x10 // 0x18 per spec.md §4.D
	}
	if longOn {
		capas |= capLongPackets
	}
	if resendOn {
		capas |= capResend
	}
	s.Capas = capas

	w := local.Window
	if remote.Window < w {
		w = remote.Window
	}
	if windowingOn && w >= 2 {
		s.Window = w
		s.WindoIn = w
		s.WindoOut = w
		s.Capas |= capWindowing
	} else {
		s.Window = 1
		s.WindoIn = 1
		s.WindoOut = 1
	}

	if streamingOn {
		s.Window = 1
		s.WindoIn = 1
		s.WindoOut = 1
		s.Capas &^= capWindowing
	}
	if streamingOn {
		s.Whatami = whatamiStreaming
	}

	if longOn {
		maxLX := int(local.MaxLX1)*95 + int(local.MaxLX2)
		remoteLX := int(remote.MaxLX1)*95 + int(remote.MaxLX2)
		if remoteLX > 0 && remoteLX < maxLX {
			maxLX = remoteLX
		}
		if maxLX <= 0 || maxLX > 9024 {
			maxLX = 9024
		}
		s.MaxLongLen = maxLX
		s.MaxLX1 = byte(maxLX / 95)
		s.MaxLX2 = byte(maxLX % 95)
	}

	return s
}

// defaultQBinOffer is the punctuation byte this engine offers for QBIN when
// it chooses to advertise one (kept distinct from the default QCTL/REPT).
const defaultQBinOffer = '&'

// doResend reports whether the negotiated capability mask enables
// crash-recovery RESEND handshaking.
func (s *SessionParameters) doResend() bool {
	return s.Capas&capResend != 0
}

// buildSendInit serializes p into a Send-Init packet body. The body travels
// verbatim (spec.md §4.B: bypasses the data-field codec), so every field is
// packed as a single printable byte in a fixed position, classic-Kermit
// style.
func buildSendInit(p *SessionParameters) []byte {
	qbin := p.QBin
	if qbin == 0 {
		qbin = ' '
	}
	rept := p.Rept
	if rept == 0 {
		rept = ' '
	}
	return []byte{
		tochar(byte(p.MaxLen)),
		tochar(byte(p.TimeoutSeconds)),
		tochar(byte(p.PadCount)),
		ctl(p.PadChar),
		tochar(p.EOL),
		p.QCtl,
		qbin,
		checkTypeToWire(p.CheckType),
		rept,
		tochar(p.Capas),
		tochar(byte(p.Window)),
		tochar(p.MaxLX1),
		tochar(p.MaxLX2),
		tochar(p.Whatami),
	}
}

// parseSendInit decodes a Send-Init packet body into a SessionParameters,
// the inverse of buildSendInit. Short or truncated bodies fall back to
// conservative defaults for any trailing fields a peer chose not to send,
// matching classic Kermit's backward-compatible extension-field convention.
func parseSendInit(body []byte) SessionParameters {
	// A field the peer did not send reads as a space, i.e. tochar(0), so
	// numeric fields unchar to 0 and take the fallbacks below.
	get := func(i int) byte {
		if i < len(body) {
			return body[i]
		}
		return ' '
	}
	var p SessionParameters
	p.MaxLen = int(unchar(get(0)))
	if p.MaxLen <= 0 || p.MaxLen > 94 {
		p.MaxLen = 80
	}
	p.TimeoutSeconds = int(unchar(get(1)))
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 10
	}
	p.PadCount = int(unchar(get(2)))
	p.PadChar = ctl(get(3))
	p.EOL = unchar(get(4))
	if p.EOL == 0 {
		p.EOL = defaultEOL
	}
	p.QCtl = get(5)
	if p.QCtl == 0 || p.QCtl == ' ' {
		p.QCtl = '#'
	}
	p.QBin = get(6)
	p.CheckType = checkTypeFromWire(get(7))
	p.Rept = get(8)
	p.Capas = unchar(get(9))
	p.Window = int(unchar(get(10)))
	if p.Window <= 0 || p.Window > 31 {
		p.Window = 1
	}
	p.MaxLX1 = unchar(get(11))
	p.MaxLX2 = unchar(get(12))
	p.MaxLongLen = int(p.MaxLX1)*95 + int(p.MaxLX2)
	p.Whatami = unchar(get(13))
	p.Mark = defaultMark
	return p
}
