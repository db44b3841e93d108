package kermit

import (
	"strconv"
	"strings"
	"time"
)

// runReceiver drives the receiver state machine (spec.md §4.F).
func (s *Session) runReceiver(pkt InputPacket) {
	switch s.status.State {
	case StateR:
		s.stepRecvR(pkt)
	case StateRF:
		s.stepRecvRF(pkt)
	case StateRDW:
		s.stepRecvRDW(pkt)
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

func (s *Session) stepRecvR(pkt InputPacket) {
	if pkt.Type != PacketSendInit {
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
		return
	}
	s.remote = parseSendInit(pkt.Data)
	s.params = negotiate(&s.local, &s.remote)
	s.codec = newDataCodec(s.params.QCtl, s.params.QBin, s.params.Rept, s.status.SevenBitOnly)
	s.inWin = newReceiverWindow(s.params.WindoIn)
	s.outWin = newSenderWindow(s.params.WindoOut)
	s.status.CheckType = s.params.CheckType
	s.pending = append(s.pending, OutputPacket{Seq: 0, Type: PacketAck, Data: buildSendInit(&s.params)})
	s.status.advanceSeq()
	s.status.State = StateRF
}

func (s *Session) stepRecvRF(pkt InputPacket) {
	switch pkt.Type {
	case PacketFileHeader:
		name := string(pkt.Data)
		if isAllUpper(name) {
			name = strings.ToLower(name)
		}
		s.status.file = fileState{name: name}
		s.status.SkipFile = false
		s.cfg.Stats.SetFilename(name)
		s.cfg.Stats.SetFileStartTime(time.Now())
		s.cfg.Stats.SetBytesTransferred(0)
		s.cfg.Stats.SetBytesTotal(0)
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketAck, Data: pkt.Data})
		s.status.advanceSeq()
		// Data packets for this file will start at whatever sequence the
		// running counter now holds (no Attributes exchange negotiated);
		// handleAttributes resyncs this again if one follows.
		s.inWin.next = s.status.seq()
		s.status.State = StateRDW
	case PacketBreak:
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketAck})
		s.status.State = StateComplete
		s.cfg.Notifier.PlaySequence(DirDownload)
		s.cfg.Notifier.StopFileTransfer(false)
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

func isAllUpper(name string) bool {
	seenLetter := false
	for _, r := range name {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			seenLetter = true
		}
	}
	return seenLetter
}

func (s *Session) stepRecvRDW(pkt InputPacket) {
	switch pkt.Type {
	case PacketAttributes:
		s.handleAttributes(pkt)
	case PacketData:
		s.handleData(pkt)
	case PacketEof:
		s.handleEOF(pkt)
	default:
		s.emitError("Wrong packet in sequence")
		s.status.State = StateAbort
	}
}

func (s *Session) handleAttributes(pkt InputPacket) {
	attrs, err := parseAttributePacket(pkt.Data)
	ackSeq := s.status.seq()
	if err != nil {
		s.pending = append(s.pending, OutputPacket{Seq: ackSeq, Type: PacketAck, Data: []byte("N+")})
		s.status.advanceSeq()
		s.inWin.next = s.status.seq()
		return
	}
	if attrs.HasSizeBytes {
		s.status.file.sizeBytes = attrs.SizeBytes
		s.cfg.Stats.SetBytesTotal(attrs.SizeBytes)
	}
	if attrs.HasOctalMode {
		s.status.file.mode = attrs.OctalMode
	}
	if attrs.HasCreationDate {
		s.status.file.modTime = parseKermitDate(attrs.CreationDateRaw)
		s.status.file.hadAttributes = true
	}
	if attrs.HasType {
		s.status.TextMode = attrs.TextMode
	}
	if attrs.HasAccess {
		s.status.AccessPolicy = attrs.Access
	}

	if attrs.HasResend && s.params.doResend() {
		if s.status.TextMode {
			// Text-mode RESEND is refused: offsets would not align with
			// decoded byte positions once CR/LF translation is involved.
			s.pending = append(s.pending, OutputPacket{Seq: ackSeq, Type: PacketAck, Data: []byte("N+")})
			s.status.advanceSeq()
			s.inWin.next = s.status.seq()
			return
		}
		// offeredSize lets OpenReceive truncate an existing partial file
		// that is longer than what the sender is about to send (DESIGN.md
		// Open Question #5): reporting a resume position past the sender's
		// own declared end would hand back a "1_<pos>" the sender cannot
		// seek to meaningfully.
		var offeredSize int64
		if attrs.HasSizeBytes {
			offeredSize = attrs.SizeBytes
		}
		handle, path, resumeOffset, err := s.files.OpenReceive(s.status.file.name, s.downloadPath, s.status.AccessPolicy, true, offeredSize)
		if err != nil {
			s.emitError("CANNOT CREATE FILE")
			s.status.State = StateAbort
			return
		}
		s.fh = handle
		s.fhPath = path
		s.cfg.Stats.SetPathname(path)
		s.status.file.position = resumeOffset
		s.status.DoResend = true
		ackBody := []byte("1_" + strconv.FormatInt(resumeOffset, 10))
		s.pending = append(s.pending, OutputPacket{Seq: ackSeq, Type: PacketAck, Data: ackBody})
		s.status.advanceSeq()
		s.inWin.next = s.status.seq()
		return
	}

	s.pending = append(s.pending, OutputPacket{Seq: ackSeq, Type: PacketAck, Data: []byte("Y")})
	s.status.advanceSeq()
	s.inWin.next = s.status.seq()
}

// parseKermitDate parses the "%Y%m%d %H:%M:%S" format emitted by
// encodeAttributePacket, and the shorter YYMMDD / YYYYMMDD variants a peer
// may send (spec.md §4.H). Unparseable input yields the zero time.
func parseKermitDate(raw string) time.Time {
	layouts := []string{"20060102 15:04:05", "20060102", "060102"}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *Session) handleData(pkt InputPacket) {
	if s.fh == nil {
		handle, path, _, err := s.files.OpenReceive(s.status.file.name, s.downloadPath, s.status.AccessPolicy, false, 0)
		if err != nil {
			s.emitError("CANNOT CREATE FILE")
			s.status.State = StateAbort
			return
		}
		s.fh = handle
		s.fhPath = path
		s.cfg.Stats.SetPathname(path)
	}

	decoded, err := s.codec.decodeBytes(pkt.Data, s.status.TextMode, false)
	if err != nil {
		// Malformed payload: NAK the sequence we still expect.
		s.pending = append(s.pending, OutputPacket{Seq: s.inWin.next, Type: PacketNak})
		return
	}
	taggedPkt := pkt
	taggedPkt.Data = decoded

	res, ferr := s.inWin.Accept(taggedPkt, s.flushToFile)
	if ferr != nil {
		s.emitError("DISK I/O ERROR")
		s.status.State = StateAbort
		return
	}

	switch res.decision {
	case decideNormal:
		s.pending = append(s.pending, OutputPacket{Seq: pkt.Seq, Type: PacketAck})
		s.status.sequenceNumber = s.inWin.next
	case decideDuplicate:
		s.pending = append(s.pending, OutputPacket{Seq: pkt.Seq, Type: PacketAck})
	case decideLostPacket:
		for _, gap := range res.nakSeqs {
			s.pending = append(s.pending, OutputPacket{Seq: gap, Type: PacketNak})
		}
		s.pending = append(s.pending, OutputPacket{Seq: pkt.Seq, Type: PacketAck})
	case decideOutside:
		// Outside the window: silently ignored per spec.md §4.E case 4.
	}
}

// flushToFile writes an ACKed Data packet's decoded payload to the open
// destination handle and advances the file position, the callback the
// window controller invokes on eviction (spec.md §4.E).
func (s *Session) flushToFile(payload []byte) error {
	if s.fh == nil {
		return nil
	}
	_, err := s.fh.Write(payload)
	if err != nil {
		return err
	}
	s.status.file.position += int64(len(payload))
	s.reportBlock()
	return nil
}

func (s *Session) handleEOF(pkt InputPacket) {
	if len(pkt.Data) > 0 && pkt.Data[0] == 'D' {
		// Sender-initiated skip: best-effort ack, discard partial.
		s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketAck})
		s.status.advanceSeq()
		if s.fh != nil {
			s.files.Discard(s.fh, s.fhPath, false)
			s.fh = nil
		}
		s.status.State = StateRF
		return
	}

	allClear, err := s.inWin.flushAcked(s.flushToFile)
	if err != nil {
		s.emitError("DISK I/O ERROR")
		s.status.State = StateAbort
		return
	}
	if !allClear {
		missing := s.inWin.missingSeqs()
		for _, m := range missing {
			s.pending = append(s.pending, OutputPacket{Seq: m, Type: PacketNak})
		}
		return
	}

	if s.fh != nil {
		err := s.files.Finalize(s.fh, s.fhPath, s.status.file.modTime, s.status.file.mode)
		s.fh = nil
		if err != nil {
			s.emitError("DISK I/O ERROR")
			s.status.State = StateAbort
			return
		}
	}
	s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketAck})
	s.status.advanceSeq()
	s.status.State = StateRF
}
