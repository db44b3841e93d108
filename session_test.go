package kermit

import (
	"bytes"
	"testing"
	"time"
)

// TestCheckTimeoutWindowedResendsOldestOutstanding covers the sender-side
// coarse timeout while windowing is active: the running sequence counter has
// already advanced past every slot outWin still holds (beginDataOrEOF
// advances it at send time, not at ACK time), so the retransmit candidate
// must come from the window's own bookkeeping rather than s.status.seq().
func TestCheckTimeoutWindowedResendsOldestOutstanding(t *testing.T) {
	cfg := &Config{Windowing: true, Window: 4, TimeoutSeconds: 10, MaxTimeouts: 5}
	fh := newTestFileHandler()
	s := NewSession(cfg, fh, true, nil, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.params = negotiate(&s.local, &s.local)
	if s.params.Capas&capWindowing == 0 {
		t.Fatalf("expected windowing negotiated on, params = %+v", s.params)
	}
	s.outWin = newSenderWindow(4)
	s.inWin = newReceiverWindow(4)

	oldest := []byte("packet-seq-5")
	s.outWin.Add(OutputPacket{Seq: 5, Type: PacketData}, oldest)
	s.outWin.Add(OutputPacket{Seq: 6, Type: PacketData}, []byte("packet-seq-6"))

	// The sequence counter has advanced two past the oldest held slot, the
	// way it does once beginDataOrEOF has queued several windowed sends.
	s.status.sequenceNumber = 7
	s.haveLastByte = true
	s.lastByteTime = time.Now().Add(-time.Duration(s.params.TimeoutSeconds+1) * time.Second)

	var out bytes.Buffer
	out.Grow(256)
	s.checkTimeout(&out)

	if !bytes.Equal(out.Bytes(), oldest) {
		t.Fatalf("checkTimeout wrote %q, want the oldest outstanding packet %q", out.Bytes(), oldest)
	}
}

// TestCheckTimeoutLockStepResendsOutstanding covers the plain (non-windowed)
// case: outWin holds exactly the one packet at s.status.seq(), so the fix
// must not regress the original lock-step behavior.
func TestCheckTimeoutLockStepResendsOutstanding(t *testing.T) {
	cfg := &Config{TimeoutSeconds: 10, MaxTimeouts: 5}
	fh := newTestFileHandler()
	s := NewSession(cfg, fh, true, nil, "")
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.params = negotiate(&s.local, &s.local)
	s.outWin = newSenderWindow(1)
	s.inWin = newReceiverWindow(1)

	raw := []byte("the-only-outstanding-packet")
	s.outWin.Add(OutputPacket{Seq: s.status.seq(), Type: PacketData}, raw)
	s.haveLastByte = true
	s.lastByteTime = time.Now().Add(-time.Duration(s.params.TimeoutSeconds+1) * time.Second)

	var out bytes.Buffer
	out.Grow(256)
	s.checkTimeout(&out)

	if !bytes.Equal(out.Bytes(), raw) {
		t.Fatalf("checkTimeout wrote %q, want %q", out.Bytes(), raw)
	}
}
