package kermit

import (
	"fmt"
	"strconv"
)

// Attribute tags (spec.md §4.H), one ASCII byte each, tag/length/value
// triples packed back to back inside an Attributes (A) packet payload.
// Unknown tags in the `2..@` range are self-delimiting and silently skipped.
const (
	attrSizeKiB       byte = '!' // size in KiB, ASCII decimal
	attrType          byte = '"' // A -> text, B8 -> binary
	attrCreationDate  byte = '#' // YYYYMMDD[ HH:MM[:SS]] or YYMMDD
	attrAccess        byte = ')' // N, S, A, W
	attrDisposition   byte = '+' // R -> RESEND
	attrOctalMode     byte = ',' // octal POSIX mode, low 9 bits
	attrKermitMode    byte = '-' // 3-bit r=0x01 w=0x02 x=0x04
	attrSizeBytes     byte = '1' // size in bytes, ASCII decimal
)

// FileAttributes is the decoded form of an Attributes packet (spec.md §4.H).
type FileAttributes struct {
	HasSizeKiB   bool
	SizeKiB      int64
	HasSizeBytes bool
	SizeBytes    int64

	HasType  bool
	TextMode bool

	HasCreationDate bool
	CreationDateRaw string

	HasAccess bool
	Access    AccessPolicy

	HasResend bool

	HasOctalMode bool
	OctalMode    uint32

	HasKermitMode bool
	KermitMode    byte // low 3 bits: r=0x01 w=0x02 x=0x04
}

// parseAttributePacket decodes an Attributes packet body into tag/length/
// value triples, per spec.md §4.H.
//
// The Kermit 3-bit mode tag ('-') carries a deliberate bug-for-bug replica of
// a historical builder defect: the original implementation's builder used
// the read bit twice, writing it into both the world-read and world-execute
// positions instead of the real execute bit. This parser reproduces that
// defect when CONSUMING a peer's mode byte — the decoded execute bit is
// taken from the read bit, not bit 2 — to interoperate with that builder's
// output. encodeAttributePacket does not replicate it: outbound mode bytes
// carry the real execute bit (see Open Question resolution in DESIGN.md).
func parseAttributePacket(body []byte) (FileAttributes, error) {
	var attrs FileAttributes
	i := 0
	for i < len(body) {
		tag := body[i]
		i++
		if i >= len(body) {
			return attrs, fmt.Errorf("kermit: truncated attribute tag %q", tag)
		}
		length := int(unchar(body[i]))
		i++
		if i+length > len(body) {
			return attrs, fmt.Errorf("kermit: truncated attribute value for tag %q", tag)
		}
		value := body[i : i+length]
		i += length

		switch tag {
		case attrSizeKiB:
			if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
				attrs.HasSizeKiB = true
				attrs.SizeKiB = n
			}
		case attrSizeBytes:
			if n, err := strconv.ParseInt(string(value), 10, 64); err == nil {
				attrs.HasSizeBytes = true
				attrs.SizeBytes = n
			}
		case attrType:
			attrs.HasType = true
			attrs.TextMode = len(value) > 0 && value[0] == 'A'
		case attrCreationDate:
			attrs.HasCreationDate = true
			attrs.CreationDateRaw = string(value)
		case attrAccess:
			if len(value) > 0 {
				attrs.HasAccess = true
				attrs.Access = accessFromWire(value[0])
			}
		case attrDisposition:
			if len(value) > 0 && value[0] == 'R' {
				attrs.HasResend = true
			}
		case attrOctalMode:
			if m, err := strconv.ParseUint(string(value), 8, 32); err == nil {
				attrs.HasOctalMode = true
				attrs.OctalMode = uint32(m) & 0777
			}
		case attrKermitMode:
			if len(value) > 0 {
				v := value[0] - '0'
				mode := v & 0x03 // real r (0x01) and w (0x02) bits
				if v&0x01 != 0 {
					mode |= 0x04 // replicated bug: execute mirrors read, not bit 2
				}
				attrs.HasKermitMode = true
				attrs.KermitMode = mode
			}
		default:
			// unrecognized tag: self-delimiting, safely skipped
		}
	}
	return attrs, nil
}

// encodeAttributePacket builds an Attributes packet body from the fields
// present in attrs, emitting the minimum set the spec calls for: file type,
// byte size, mod time, octal mode, Kermit mode, and RESEND disposition when
// both peers advertised it and the caller opted in. Unlike parse, the
// Kermit-mode execute bit emitted here is the real one.
func encodeAttributePacket(attrs FileAttributes) []byte {
	var out []byte
	appendField := func(tag byte, value []byte) {
		out = append(out, tag, tochar(byte(len(value))))
		out = append(out, value...)
	}
	if attrs.HasType {
		if attrs.TextMode {
			appendField(attrType, []byte{'A'})
		} else {
			appendField(attrType, []byte("B8"))
		}
	}
	if attrs.HasSizeBytes {
		appendField(attrSizeBytes, []byte(strconv.FormatInt(attrs.SizeBytes, 10)))
	}
	if attrs.HasCreationDate {
		appendField(attrCreationDate, []byte(attrs.CreationDateRaw))
	}
	if attrs.HasOctalMode {
		appendField(attrOctalMode, []byte(strconv.FormatUint(uint64(attrs.OctalMode&0777), 8)))
	}
	if attrs.HasKermitMode {
		appendField(attrKermitMode, []byte{'0' + attrs.KermitMode&0x07})
	}
	if attrs.HasResend {
		appendField(attrDisposition, []byte{'R'})
	}
	return out
}

// kermitModeFromUnix derives the 3-bit Kermit mode (r=0x01 w=0x02 x=0x04)
// from a Unix permission mode's world bits (0o004, 0o002, 0o001). Unlike
// parseAttributePacket's decode side, this uses the real execute bit rather
// than replicating the historical read-into-execute defect (see Open
// Question resolution in DESIGN.md): the bug is only reproduced when
// interoperating with a peer's output, never introduced fresh on packets
// this session builds.
func kermitModeFromUnix(mode uint32) byte {
	var m byte
	if mode&0o004 != 0 {
		m |= 0x01
	}
	if mode&0o002 != 0 {
		m |= 0x02
	}
	if mode&0o001 != 0 {
		m |= 0x04
	}
	return m
}

// accessFromWire maps an Attributes packet's access code byte to an
// AccessPolicy — the tag's {N,S,A,W} alphabet matches AccessPolicy's own
// New/Supersede/Append/Warn axis one-to-one.
func accessFromWire(b byte) AccessPolicy {
	switch b {
	case 'S':
		return AccessSupersede
	case 'A':
		return AccessAppend
	case 'W':
		return AccessWarn
	default:
		return AccessNew
	}
}

func accessToWire(p AccessPolicy) byte {
	switch p {
	case AccessSupersede:
		return 'S'
	case AccessAppend:
		return 'A'
	case AccessWarn:
		return 'W'
	default:
		return 'N'
	}
}
