package kermit

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors the core surfaces through its collaborators, grounded on
// the teacher's package-scope sentinel-error convention (zmodem.go's
// ErrSkip, wrapped with fmt.Errorf("...: %w", err) at call sites).
var (
	ErrSkip        = errors.New("kermit: file skipped by caller")
	ErrNotStarted  = errors.New("kermit: session not started")
	ErrAlreadyDone = errors.New("kermit: session already complete or aborted")
)

// FileOffer describes one file a sending session will transmit.
type FileOffer struct {
	Name    string
	ModTime time.Time
	Size    int64
	Mode    uint32
}

// FileHandler is the filesystem collaborator the core never bypasses
// (spec.md §6: "neither blocks on the channel nor touches the filesystem
// outside the documented collaborators"). Grounded on the teacher's
// FileHandler interface (zmodem.go), generalized from ZMODEM's single
// Open/Close shape into the sender/receiver-specific methods this protocol
// needs (lazy open on receive, RESEND seek, POSIX mtime/mode on close).
type FileHandler interface {
	// OpenSend returns the offer and a readable, seekable handle for the
	// i'th file in the sender's list. Returning ErrSkip skips the file.
	OpenSend(index int) (FileOffer, io.ReadSeekCloser, error)

	// OpenReceive opens (or creates) the destination for name under
	// downloadPath, applying policy's collision rule. When resend is true
	// and a same-named file already exists, it is opened read+write and
	// positioned at its current end-of-file; resumeOffset reports that
	// position (0 for a fresh file). offeredSize is the sender's declared
	// total size for a resend (0 when unknown or resend is false); if the
	// existing file is longer than offeredSize, the implementation
	// truncates it to offeredSize before reporting resumeOffset, so the
	// receiver never acks a position past the sender's own declared end
	// (DESIGN.md Open Question #5). The returned path is the final on-disk
	// name, which may differ from name due to .NNNN disambiguation.
	OpenReceive(name, downloadPath string, policy AccessPolicy, resend bool, offeredSize int64) (handle io.ReadWriteCloser, path string, resumeOffset int64, err error)

	// Finalize sets mtime/mode on path and closes handle.
	Finalize(handle io.ReadWriteCloser, path string, modTime time.Time, mode uint32) error

	// Discard closes handle without finalizing, optionally removing path.
	Discard(handle io.ReadWriteCloser, path string, remove bool) error
}

// Session is the owned, explicit replacement for the three package-level
// globals and two global ring pointers the re-architecture note (spec.md
// §9) calls out: one value, passed into pump, holding every piece of state
// a transfer needs between calls.
type Session struct {
	cfg    *Config
	role   Role
	status TransferStatus

	local  SessionParameters
	remote SessionParameters
	params SessionParameters

	codec  *dataCodec
	inWin  *receiverWindow
	outWin *senderWindow

	reasm []byte

	files        FileHandler
	offers       []FileOffer
	fileIdx      int
	downloadPath string
	fh           io.ReadWriteCloser // receiver's destination handle
	fhPath       string
	sendFH       io.ReadSeekCloser // sender's source handle for the current file

	pending []OutputPacket

	lastByteTime time.Time
	haveLastByte bool
	firstReceive bool
	consecETX    int
	started      bool

	blocksCount int64 // running Data-packet count reported via Stats.SetBlocks
	endTimeSet  bool  // Stats.SetEndTime is interface-backed, so track locally to call it once
}

// NewSession constructs a session for one transfer direction. sending
// selects sender vs receiver role; fileList is consulted only when sending.
func NewSession(cfg *Config, files FileHandler, sending bool, fileList []FileOffer, downloadPath string) *Session {
	cfg.defaults()
	s := &Session{
		cfg:          cfg,
		files:        files,
		offers:       fileList,
		downloadPath: downloadPath,
		firstReceive: true,
	}
	if sending {
		s.role = RoleSender
	} else {
		s.role = RoleReceiver
	}
	return s
}

// Start sets up the transfer: negotiation has not happened yet (spec.md
// Invariant 6), so local parameters are all that is computed here.
func (s *Session) Start() error {
	s.status = *newTransferStatus(s.role, s.cfg)
	s.local = defaultLocalParams(s.cfg)
	s.params = s.local
	s.codec = newDataCodec(s.local.QCtl, 0, 0, false)
	s.inWin = newReceiverWindow(1)
	s.outWin = newSenderWindow(1)
	s.started = true
	if s.role == RoleSender {
		s.status.State = StateInit
	} else {
		s.status.State = StateInit
	}
	return nil
}

// SkipCurrentFile sets the skip flag; it takes effect at the next Data or
// ACK boundary per spec.md §6.
func (s *Session) SkipCurrentFile() {
	s.status.SkipFile = true
}

// Stop tears the session down, closing or discarding the partial receive
// file per savePartial.
func (s *Session) Stop(savePartial bool) error {
	if s.fh != nil {
		if s.role == RoleReceiver && !savePartial {
			err := s.files.Discard(s.fh, s.fhPath, true)
			s.fh = nil
			return err
		}
		err := s.files.Discard(s.fh, s.fhPath, false)
		s.fh = nil
		return err
	}
	return nil
}

// freeSpaceNeeded is the minimum output-buffer headroom pump requires
// before it will generate another packet (spec.md §4.I).
func (s *Session) freeSpaceNeeded() int {
	maxPayload := s.params.MaxLen
	if s.params.MaxLongLen > maxPayload {
		maxPayload = s.params.MaxLongLen
	}
	return maxPayload + s.params.PadCount + 10
}

// Pump is the single public entry point of the core (spec.md §4.I). It
// consumes `in` (bytes received since the last call), appends output bytes
// to out, and returns the number of bytes written to out.
func (s *Session) Pump(in []byte, out *bytes.Buffer) int {
	if !s.started {
		return 0
	}
	if s.status.State == StateComplete || s.status.State == StateAbort {
		return 0
	}

	startLen := out.Len()
	capLimit := out.Cap() // the caller's remaining-capacity contract (spec.md §4.I)

	if len(in) > 0 {
		s.haveLastByte = true
		s.lastByteTime = time.Now()
		s.consecETX = 0
		for _, b := range in {
			if b == 0x03 {
				s.consecETX++
			} else {
				s.consecETX = 0
			}
		}
		if s.consecETX >= 3 {
			s.emitError("Aborted by remote side")
			s.status.State = StateAbort
			s.flushPending(out)
			s.cfg.Notifier.StopFileTransfer(true)
			s.syncStats()
			return out.Len() - startLen
		}
		s.reasm = append(s.reasm, in...)
		reasmBound := 2 * s.cfg.MaxLongLen // spec.md §4.I: 2*KERMIT_BLOCK_SIZE
		if len(s.reasm) > reasmBound {
			s.reasm = s.reasm[len(s.reasm)-reasmBound:]
		}
	} else {
		s.checkTimeout(out)
	}

	if s.role == RoleReceiver && s.firstReceive {
		s.firstReceive = false
		s.queueNak(0)
		s.reasm = s.reasm[:0]
		s.status.State = StateR
		s.flushPending(out)
	}
	if s.role == RoleSender && s.status.State == StateInit {
		s.queueSendInit()
		s.status.State = StateS
		s.flushPending(out)
	}

	for {
		if capLimit > 0 && out.Len()+s.freeSpaceNeeded() > capLimit {
			break
		}
		res := parseFrame(s.reasm, s.params.Mark, s.params.CheckType, s.params.Capas&capLongPackets != 0)
		if res.consumed == 0 && !res.pkt.ParsedOK && !res.needNak {
			break // incomplete frame, wait for more bytes
		}
		if res.consumed > 0 {
			s.reasm = s.reasm[res.consumed:]
		}
		if res.discardAll {
			s.reasm = s.reasm[:0]
		}
		if res.needNak {
			if s.role == RoleReceiver {
				s.queueNak(res.nakSeq)
			}
			if res.consumed == 0 {
				break
			}
			continue
		}
		if !res.pkt.ParsedOK {
			continue
		}

		s.handlePacket(res.pkt)

		if !s.flushPending(out) {
			break
		}
		if res.consumed == 0 {
			break
		}
	}

	s.syncStats()
	return out.Len() - startLen
}

func (s *Session) queueNak(seq int) {
	s.pending = append(s.pending, OutputPacket{Seq: seq, Type: PacketNak})
}

func (s *Session) emitError(msg string) {
	s.pending = append(s.pending, OutputPacket{Seq: s.status.seq(), Type: PacketError, Data: []byte(msg)})
	s.cfg.Stats.IncErrorCount()
	s.cfg.Stats.SetLastMessage(msg)
}

// syncStats mirrors the driver's current progress into the injected Stats
// collaborator (spec.md §6: "fields the core writes to report progress").
// Called at the end of every Pump so the outer loop always sees a
// consistent snapshot between calls.
func (s *Session) syncStats() {
	s.cfg.Stats.SetFilename(s.status.file.name)
	s.cfg.Stats.SetBytesTotal(s.status.file.sizeBytes)
	s.cfg.Stats.SetBytesTransferred(s.status.file.position)
	s.cfg.Stats.SetState(s.status.State)
	if s.transferComplete() && !s.endTimeSet {
		s.cfg.Stats.SetEndTime(time.Now())
		s.endTimeSet = true
	}
}

// reportBlock increments the running Data-packet counter and pushes it
// through the Stats collaborator; called from both FSMs on every Data
// packet sent or flushed to disk.
func (s *Session) reportBlock() {
	s.blocksCount++
	s.cfg.Stats.SetBlocks(s.blocksCount)
}

// handlePacket dispatches a freshly parsed inbound packet to the
// role-appropriate FSM (spec.md §4.F / §4.G).
func (s *Session) handlePacket(pkt InputPacket) {
	if pkt.Type == PacketError {
		s.status.State = StateAbort
		s.status.SentNak = false
		return
	}
	if s.role == RoleReceiver {
		s.runReceiver(pkt)
	} else {
		s.runSender(pkt)
	}
}

// flushPending serializes every FSM-queued outbound packet into out,
// padding and recording each in the output window (except NAKs, which are
// not retained for retransmission, per spec.md §4.I). Every queued packet is
// written regardless of remaining headroom, and the result is always true;
// the freeSpaceNeeded headroom check is made only in Pump's loop, before
// each parse.
func (s *Session) flushPending(out *bytes.Buffer) bool {
	for len(s.pending) > 0 {
		p := s.pending[0]
		var raw []byte
		if p.Raw != nil {
			raw = p.Raw
		} else {
			bypass := p.Type == PacketSendInit || p.Type == PacketAttributes || (p.Type == PacketAck && p.Seq == 0 && s.status.sequenceNumber <= 1)
			raw = serializeFrame(p, &s.params, s.codec, s.status.TextMode, bypass)
		}
		if s.params.PadCount > 0 {
			out.Write(padding(s.params.PadCount, s.params.PadChar))
		}
		out.Write(raw)
		if p.Type != PacketNak {
			s.outWin.Add(p, raw)
		}
		s.pending = s.pending[1:]
	}
	return true
}

// checkTimeout implements the coarse per-call timer (spec.md §4.I):
// streaming suppresses it entirely during SDW/RDW.
func (s *Session) checkTimeout(out *bytes.Buffer) {
	streaming := s.params.Capas&capWindowing == 0 && s.params.Window == 1 && (s.params.Whatami&whatamiStreaming != 0)
	if streaming && (s.status.State == StateSDW || s.status.State == StateRDW) {
		return
	}
	if !s.haveLastByte {
		return
	}
	if time.Since(s.lastByteTime) < time.Duration(s.params.TimeoutSeconds)*time.Second {
		return
	}
	s.status.TimeoutCount++
	s.lastByteTime = time.Now()
	if s.status.TimeoutCount > s.status.TimeoutMax {
		s.emitError("Too many timeouts")
		s.status.State = StateAbort
		s.flushPending(out)
		return
	}
	if s.role == RoleSender {
		// Resend the oldest unacknowledged packet. s.status.seq() is "the
		// next packet to send" (Invariant 4): correct in lock-step mode,
		// where the sequence counter only advances once the single
		// outstanding packet is ACKed, but wrong once windowing or
		// streaming is active — beginDataOrEOF advances the counter the
		// moment a Data packet is queued, so by the time a timeout fires it
		// points past every slot outWin still holds. Resolve against the
		// window's own bookkeeping instead, mirroring the receiver
		// branch's missingSeqs() use below; outWin still holds exactly one
		// slot in lock-step mode, so this covers both cases uniformly.
		seq := s.status.seq()
		if missing := s.outWin.missingSeqsSend(); len(missing) > 0 {
			seq = missing[0]
		}
		if raw := s.outWin.Nak(seq); raw != nil {
			out.Write(raw)
		}
	} else {
		missing := s.inWin.missingSeqs()
		if len(missing) > 0 {
			s.queueNak(missing[0])
		} else {
			s.queueNak(s.inWin.next)
		}
		s.flushPending(out)
	}
}

// transferComplete reports whether the FSM has reached a terminal state.
func (s *Session) transferComplete() bool {
	return s.status.State == StateComplete || s.status.State == StateAbort
}

var errFileIO = errors.New("kermit: file I/O error")

func wrapFileErr(op string, err error) error {
	return fmt.Errorf("kermit: %s: %w", op, err)
}
