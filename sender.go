package kermit

import (
	"io"
	"strconv"
	"time"
)

// queueSendInit queues the initial Send-Init packet using local parameters
// (spec.md §4.G, state Init → S).
func (s *Session) queueSendInit() {
	s.pending = append(s.pending, OutputPacket{Seq: 0, Type: PacketSendInit, Data: buildSendInit(&s.local)})
}

// runSender drives the sender state machine (spec.md §4.G).
func (s *Session) runSender(pkt InputPacket) {
	if pkt.Type == PacketAck {
		s.outWin.Ack(pkt.Seq)
		s.outWin.MoveWindow()
	}
	switch s.status.State {
	case StateS:
		s.stepS(pkt)
	case StateSF:
		s.stepSF(pkt)
	case StateSA:
		s.stepSA(pkt)
	case StateSDW:
		s.stepSDW(pkt)
	case StateSZ:
		s.stepSZ(pkt)
	case StateSB:
		s.stepSB(pkt)
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

func (s *Session) stepS(pkt InputPacket) {
	switch pkt.Type {
	case PacketNak:
		s.queueSendInit()
	case PacketAck:
		s.remote = parseSendInit(pkt.Data)
		s.params = negotiate(&s.local, &s.remote)
		s.codec = newDataCodec(s.params.QCtl, s.params.QBin, s.params.Rept, s.status.SevenBitOnly)
		s.inWin = newReceiverWindow(s.params.WindoIn)
		s.outWin = newSenderWindow(s.params.WindoOut)
		s.status.advanceSeq()
		s.status.CheckType = s.params.CheckType
		s.beginNextFile()
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

// beginNextFile opens the next file in the list (sender side) and queues a
// FileHeader packet, or queues EOT if the list is exhausted.
func (s *Session) beginNextFile() {
	for s.fileIdx < len(s.offers) {
		offer, rsc, err := s.files.OpenSend(s.fileIdx)
		s.fileIdx++
		if err == ErrSkip {
			continue
		}
		if err != nil {
			s.emitError("CANNOT CREATE FILE")
			s.status.State = StateAbort
			return
		}
		s.sendFH = rsc
		s.status.file = fileState{
			name:      offer.Name,
			sizeBytes: offer.Size,
			sizeKB:    (offer.Size + 1023) / 1024,
			modTime:   offer.ModTime,
			mode:      offer.Mode,
		}
		s.status.SkipFile = false
		s.cfg.Stats.SetFilename(offer.Name)
		s.cfg.Stats.SetFileStartTime(time.Now())
		s.cfg.Stats.SetBytesTotal(offer.Size)
		s.cfg.Stats.SetBytesTransferred(0)
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketFileHeader, Data: []byte(offer.Name)})
		s.status.State = StateSF
		return
	}
	s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketBreak})
	s.status.State = StateSB
}

func (s *Session) stepSF(pkt InputPacket) {
	if pkt.Type != PacketAck {
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
		return
	}
	s.status.advanceSeq()
	if s.params.Capas&capAttributes != 0 {
		attrs := FileAttributes{
			HasType:         true,
			TextMode:        s.status.TextMode,
			HasSizeBytes:    true,
			SizeBytes:       s.status.file.sizeBytes,
			HasOctalMode:    true,
			OctalMode:       s.status.file.mode & 0777,
			HasCreationDate: true,
			CreationDateRaw: formatKermitDate(s.status.file.modTime),
			HasKermitMode:   true,
			KermitMode:      kermitModeFromUnix(s.status.file.mode),
		}
		if s.status.DoResend && s.params.doResend() {
			attrs.HasResend = true
		}
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketAttributes, Data: encodeAttributePacket(attrs)})
		if s.windowingOrStreaming() {
			s.status.advanceSeq()
		}
		s.status.State = StateSA
		return
	}
	s.beginDataOrEOF()
}

func (s *Session) stepSA(pkt InputPacket) {
	if pkt.Type != PacketAck {
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
		return
	}
	if len(pkt.Data) > 0 && pkt.Data[0] == '1' {
		if pos, ok := parseResendAck(pkt.Data); ok && s.sendFH != nil {
			s.sendFH.Seek(pos, io.SeekStart)
			s.status.file.position = pos
		}
	}
	s.status.file.outstanding = 0
	if !s.windowingOrStreaming() {
		s.status.advanceSeq()
	}
	s.beginDataOrEOF()
}

// parseResendAck parses a RESEND-offset ACK body of the form "1_<decimal>",
// per S4's literal wire value.
func parseResendAck(data []byte) (int64, bool) {
	rest := data[1:]
	if len(rest) > 0 && rest[0] == '_' {
		rest = rest[1:]
	}
	n, err := strconv.ParseInt(string(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Session) windowingOrStreaming() bool {
	return s.params.Capas&capWindowing != 0 || s.params.Whatami&whatamiStreaming != 0
}

// beginDataOrEOF reads the next chunk from the sender's file and queues
// either a Data packet or, at end of file, an Eof packet (spec.md §4.G:
// "Sender EOF detection").
func (s *Session) beginDataOrEOF() {
	if s.status.SkipFile {
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketEof, Data: []byte{'D'}})
		s.status.State = StateSZ
		return
	}

	chunkLen := s.params.MaxLen
	if s.params.Capas&capLongPackets != 0 && s.params.MaxLongLen > chunkLen {
		chunkLen = s.params.MaxLongLen
	}
	buf := make([]byte, chunkLen)
	n, err := s.sendFH.Read(buf)
	if n == 0 || err == io.EOF {
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketEof})
		s.status.State = StateSZ
		return
	}
	// In windowing/streaming mode, Data is issued eagerly without waiting
	// for the matching ACK, so position advances here at read time. In the
	// lock-step case position instead advances in stepSDW's ACK handler,
	// once the outstanding bytes are confirmed sent (spec.md §4.G's SDW
	// row) — advancing it here too would double-count it.
	if s.windowingOrStreaming() {
		s.status.file.position += int64(n)
	}
	s.status.file.outstanding = int64(n)
	s.reportBlock()
	pkt := OutputPacket{Seq: s.status.seq(), Type: PacketData, Data: buf[:n]}
	s.pending = append(s.pending, pkt)
	s.status.State = StateSDW

	if s.windowingOrStreaming() {
		s.status.advanceSeq()
	}
}

func (s *Session) stepSDW(pkt InputPacket) {
	switch pkt.Type {
	case PacketNak:
		if s.params.Whatami&whatamiStreaming != 0 {
			s.emitError("NAK WHILE STREAMING")
			s.status.State = StateAbort
			return
		}
		if raw := s.outWin.Nak(pkt.Seq); raw != nil {
			s.reemit(raw)
		} else if s.outWin.NakOfNext(pkt.Seq, s.status.seq()) {
			s.beginDataOrEOF()
		}
	case PacketAck:
		s.outWin.Ack(pkt.Seq)
		s.outWin.MoveWindow()
		if s.windowingOrStreaming() {
			s.beginDataOrEOF()
			return
		}
		s.status.file.position += s.status.file.outstanding
		s.status.advanceSeq()
		s.beginDataOrEOF()
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

// reemit queues a previously serialized raw packet for verbatim
// retransmission, bypassing re-serialization so the bytes on the wire match
// the original exactly (spec.md §5's ordering guarantee).
func (s *Session) reemit(raw []byte) {
	s.pending = append(s.pending, OutputPacket{Raw: raw})
}

func (s *Session) stepSZ(pkt InputPacket) {
	if pkt.Type != PacketAck {
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
		return
	}
	if s.windowingOrStreaming() && len(s.outWin.missingSeqsSend()) > 0 {
		return
	}
	if s.sendFH != nil {
		s.sendFH.Close()
		s.sendFH = nil
	}
	s.status.advanceSeq()
	s.beginNextFile()
}

func (s *Session) stepSB(pkt InputPacket) {
	if pkt.Type != PacketAck {
		return
	}
	s.status.FirstSB = false
	s.status.State = StateComplete
	s.cfg.Notifier.PlaySequence(DirUpload)
	s.cfg.Notifier.StopFileTransfer(false)
}

// formatKermitDate renders the %Y%m%d %H:%M:%S local timestamp the
// Attributes handler's builder emits (spec.md §4.H).
func formatKermitDate(t time.Time) string {
	return t.Format("20060102 15:04:05")
}
