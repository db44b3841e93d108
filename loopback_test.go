package kermit

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// memFile is an in-memory io.ReadSeekCloser/io.ReadWriteCloser backing the
// test FileHandler, grounded on the teacher's loopback_test.go in-memory
// channel/handler pair (see DESIGN.md).
type memFile struct {
	buf *bytes.Buffer
	pos int
	src []byte // for sender-side reads
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.src != nil {
		if m.pos >= len(m.src) {
			return 0, io.EOF
		}
		n := copy(p, m.src[m.pos:])
		m.pos += n
		return n, nil
	}
	return 0, io.EOF
}

func (m *memFile) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = int(offset)
	case io.SeekEnd:
		m.pos = len(m.src) + int(offset)
	case io.SeekCurrent:
		m.pos += int(offset)
	}
	return int64(m.pos), nil
}

func (m *memFile) Close() error { return nil }

// Truncate shortens the backing buffer to size, discarding anything past it.
func (m *memFile) Truncate(size int64) error {
	if int64(m.buf.Len()) > size {
		m.buf = bytes.NewBuffer(append([]byte(nil), m.buf.Bytes()[:size]...))
	}
	return nil
}

// testFileHandler is a minimal in-memory kermit.FileHandler, grounded on the
// teacher's testFileHandler stub.
type testFileHandler struct {
	sendOffers []FileOffer
	sendData   [][]byte
	received   map[string]*memFile
	discarded  map[string]bool
	finalized  map[string]time.Time
}

func newTestFileHandler() *testFileHandler {
	return &testFileHandler{
		received:  map[string]*memFile{},
		discarded: map[string]bool{},
		finalized: map[string]time.Time{},
	}
}

func (h *testFileHandler) OpenSend(index int) (FileOffer, io.ReadSeekCloser, error) {
	if index >= len(h.sendOffers) {
		return FileOffer{}, nil, io.EOF
	}
	return h.sendOffers[index], &memFile{src: h.sendData[index]}, nil
}

func (h *testFileHandler) OpenReceive(name, downloadPath string, policy AccessPolicy, resend bool, offeredSize int64) (io.ReadWriteCloser, string, int64, error) {
	if resend {
		if f, ok := h.received[name]; ok {
			if offeredSize > 0 && int64(f.buf.Len()) > offeredSize {
				f.Truncate(offeredSize)
			}
			f.pos = f.buf.Len()
			return f, name, int64(f.buf.Len()), nil
		}
	}
	f := &memFile{buf: &bytes.Buffer{}}
	h.received[name] = f
	return f, name, 0, nil
}

func (h *testFileHandler) Finalize(handle io.ReadWriteCloser, path string, modTime time.Time, mode uint32) error {
	h.finalized[path] = modTime
	return nil
}

func (h *testFileHandler) Discard(handle io.ReadWriteCloser, path string, remove bool) error {
	if remove {
		h.discarded[path] = true
	}
	return nil
}

func newLoopbackSessions(t *testing.T, senderCfg, receiverCfg *Config, offers []FileOffer, data [][]byte) (*Session, *Session, *testFileHandler) {
	t.Helper()
	fh := newTestFileHandler()
	fh.sendOffers = offers
	fh.sendData = data

	sender := NewSession(senderCfg, fh, true, offers, "")
	receiver := NewSession(receiverCfg, fh, false, nil, "/tmp")
	if err := sender.Start(); err != nil {
		t.Fatalf("sender.Start: %v", err)
	}
	if err := receiver.Start(); err != nil {
		t.Fatalf("receiver.Start: %v", err)
	}
	return sender, receiver, fh
}

// pumpUntilComplete drives sender and receiver against each other, feeding
// each side's output as the other's next input, until both reach a terminal
// state or the round budget is exhausted.
//
// Each round pumps the receiver first (with whatever the sender produced
// last), then the sender (with whatever the receiver just produced) — a
// strictly serialized ping-pong rather than two simultaneous blind pumps.
// A truly simultaneous cold start (both sides' very first Pump call firing
// with no input) is a real but separate race: the receiver's wake-up NAK(0)
// can cross in flight with the sender's spontaneous Send-Init, and spec.md
// §4.I's "discard any stale buffered input" on that first call is exactly
// what resolves it (the resent Send-Init that follows the NAK is the one
// the receiver actually processes). Priming with the sender's first output
// models a receiver that starts an instant after the sender, which is the
// ordinary case these end-to-end scenarios describe.
func pumpUntilComplete(t *testing.T, sender, receiver *Session, maxRounds int) {
	t.Helper()
	var toReceiver, toSender []byte

	var prime bytes.Buffer
	prime.Grow(8192)
	sender.Pump(nil, &prime)
	toReceiver = append([]byte(nil), prime.Bytes()...)

	for round := 0; round < maxRounds; round++ {
		if sender.transferComplete() && receiver.transferComplete() {
			return
		}
		var outR bytes.Buffer
		outR.Grow(8192)
		receiver.Pump(toReceiver, &outR)
		toReceiver = nil
		toSender = append([]byte(nil), outR.Bytes()...)

		var outS bytes.Buffer
		outS.Grow(8192)
		sender.Pump(toSender, &outS)
		toSender = nil
		toReceiver = append(toReceiver, outS.Bytes()...)
	}
	t.Fatalf("pumpUntilComplete: sender state=%v receiver state=%v after %d rounds without completing",
		sender.status.State, receiver.status.State, maxRounds)
}

func baseCfg() *Config {
	return &Config{Attributes: true}
}

// TestLoopbackS1MinimalTransfer covers spec.md §8 scenario S1: a single
// 5-byte file sent end to end with default (non-windowed) parameters.
func TestLoopbackS1MinimalTransfer(t *testing.T) {
	mtime := time.Unix(1000000000, 0)
	offers := []FileOffer{{Name: "x", ModTime: mtime, Size: 5, Mode: 0o644}}
	data := [][]byte{[]byte("hello")}

	sender, receiver, fh := newLoopbackSessions(t, baseCfg(), baseCfg(), offers, data)
	pumpUntilComplete(t, sender, receiver, 50)

	if sender.status.State != StateComplete {
		t.Fatalf("sender did not complete: %v", sender.status.State)
	}
	if receiver.status.State != StateComplete {
		t.Fatalf("receiver did not complete: %v", receiver.status.State)
	}
	f, ok := fh.received["x"]
	if !ok {
		t.Fatalf("no file received under name %q", "x")
	}
	if got := f.buf.String(); got != "hello" {
		t.Fatalf("received content = %q, want %q", got, "hello")
	}
	if got := fh.finalized["x"]; !got.Equal(mtime) {
		t.Fatalf("finalize mtime = %v, want %v", got, mtime)
	}
}

// TestLoopbackS3SlidingWindowInOrder covers the windowed path of spec.md §8
// scenario S3: with windowing negotiated (window 4), a multi-packet file
// goes end to end through the window controllers and arrives with its bytes
// in order. No packet is dropped here; the lost-packet gap handling itself
// is covered by window_test.go's receiver-window tests.
func TestLoopbackS3SlidingWindowInOrder(t *testing.T) {
	cfg := func() *Config { return &Config{Attributes: true, Windowing: true, Window: 4} }
	mtime := time.Unix(1000000000, 0)
	payload := bytes.Repeat([]byte("abcdefghij"), 50) // 500 bytes, several windowed packets
	offers := []FileOffer{{Name: "win", ModTime: mtime, Size: int64(len(payload)), Mode: 0o644}}
	data := [][]byte{payload}

	sender, receiver, fh := newLoopbackSessions(t, cfg(), cfg(), offers, data)
	pumpUntilComplete(t, sender, receiver, 200)

	f, ok := fh.received["win"]
	if !ok {
		t.Fatalf("no file received")
	}
	if got := f.buf.Bytes(); !bytes.Equal(got, payload) {
		t.Fatalf("windowed transfer corrupted: got %d bytes, want %d bytes, equal=%v", len(got), len(payload), bytes.Equal(got, payload))
	}
}

// TestLoopbackS5UserAbort covers spec.md §8 scenario S5: three consecutive
// ETX bytes delivered to a receiver mid-transfer abort it, leaving the
// partial file on disk (the default preserve policy) and producing no
// further packets.
func TestLoopbackS5UserAbort(t *testing.T) {
	receiver := NewSession(baseCfg(), newTestFileHandler(), false, nil, "/tmp")
	if err := receiver.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	receiver.status.State = StateRDW // simulate being mid-transfer

	var out bytes.Buffer
	out.Grow(4096)
	n := receiver.Pump([]byte{0x03, 0x03, 0x03}, &out)
	if receiver.status.State != StateAbort {
		t.Fatalf("state after triple-ETX = %v, want Abort", receiver.status.State)
	}
	if n == 0 {
		t.Fatalf("expected an Error packet to be emitted on abort")
	}
	if !bytes.Contains(out.Bytes(), []byte("Aborted by remote side")) {
		t.Fatalf("abort packet missing expected diagnostic, got %q", out.Bytes())
	}

	var out2 bytes.Buffer
	out2.Grow(4096)
	n2 := receiver.Pump(nil, &out2)
	if n2 != 0 {
		t.Fatalf("pump after Abort should be a no-op, wrote %d bytes", n2)
	}
}

// TestLoopbackS6StreamingNakAborts covers spec.md §8 scenario S6: a NAK
// arriving while the sender is streaming is fatal ("NAK WHILE STREAMING"),
// since streaming disables retransmission entirely.
func TestLoopbackS6StreamingNakAborts(t *testing.T) {
	cfg := &Config{Attributes: true, Streaming: true, LongPackets: true, MaxLongLen: 995}
	fh := newTestFileHandler()
	fh.sendOffers = []FileOffer{{Name: "s", Size: 900}}
	fh.sendData = [][]byte{bytes.Repeat([]byte{'z'}, 900)}

	sender := NewSession(cfg, fh, true, fh.sendOffers, "")
	if err := sender.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Put the sender into SDW by hand (self-negotiated parameters, state
	// set directly, no ACK exchange), queue the first Data packet, then
	// inject a NAK while it is mid-stream.
	sender.params = negotiate(&sender.local, &sender.local) // self-negotiate: both sides stream
	sender.params.Whatami |= whatamiStreaming
	sender.codec = newDataCodec(sender.params.QCtl, sender.params.QBin, sender.params.Rept, false)
	sender.inWin = newReceiverWindow(1)
	sender.outWin = newSenderWindow(1)
	sender.status.State = StateSDW
	sender.beginNextFile()    // queues FileHeader, drops straight to SF bookkeeping
	sender.status.State = StateSDW
	sender.fileIdx = 1
	sender.status.file.name = "s"
	var rsc io.ReadSeekCloser = &memFile{src: fh.sendData[0]}
	sender.sendFH = rsc
	sender.beginDataOrEOF()

	sender.runSender(InputPacket{Type: PacketNak, Seq: sender.status.seq()})

	if sender.status.State != StateAbort {
		t.Fatalf("state after NAK while streaming = %v, want Abort", sender.status.State)
	}
	found := false
	for _, p := range sender.pending {
		if p.Type == PacketError && bytes.Contains(p.Data, []byte("NAK WHILE STREAMING")) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a %q error packet queued, got %+v", "NAK WHILE STREAMING", sender.pending)
	}
}

// TestLoopbackS4ResendCrashRecovery covers spec.md §8 scenario S4: the
// receiver already holds a partial file; a RESEND Attributes exchange makes
// the sender seek forward and append only the missing tail.
func TestLoopbackS4ResendCrashRecovery(t *testing.T) {
	fh := newTestFileHandler()
	existing := bytes.Repeat([]byte{'a'}, 100)
	fh.received["x"] = &memFile{buf: bytes.NewBuffer(append([]byte(nil), existing...))}

	full := append(append([]byte(nil), existing...), bytes.Repeat([]byte{'b'}, 400)...) // 500 total
	fh.sendOffers = []FileOffer{{Name: "x", Size: int64(len(full))}}
	fh.sendData = [][]byte{full}

	senderCfg := &Config{Attributes: true, Resend: true}
	receiverCfg := &Config{Attributes: true, Resend: true}
	sender := NewSession(senderCfg, fh, true, fh.sendOffers, "")
	receiver := NewSession(receiverCfg, fh, false, nil, "/tmp")
	if err := sender.Start(); err != nil {
		t.Fatalf("sender.Start: %v", err)
	}
	if err := receiver.Start(); err != nil {
		t.Fatalf("receiver.Start: %v", err)
	}
	sender.status.DoResend = true

	pumpUntilComplete(t, sender, receiver, 100)

	f := fh.received["x"]
	if got := f.buf.Bytes(); !bytes.Equal(got, full) {
		t.Fatalf("resend transfer = %d bytes, want %d bytes equal to original; prefix matches existing: %v",
			len(got), len(full), bytes.HasPrefix(got, existing))
	}
}
