package kermit

import (
	"io"
	"time"
)

// fileState holds the current file's transfer bookkeeping (spec.md §3,
// TransferStatus "current file" fields).
type fileState struct {
	name          string
	sizeBytes     int64
	sizeKB        int64
	modTime       time.Time
	mode          uint32
	handle        io.ReadWriteCloser
	position      int64
	outstanding   int64
	disposition   AccessPolicy
	hadAttributes bool
}

// TransferStatus is the process-wide, single-active-transfer state record
// described in spec.md §3. Unlike the teacher's package-level globals, it is
// owned by a Session value (spec.md §9's re-architecture target).
type TransferStatus struct {
	State State
	Role  Role

	CheckType int // 1, 2, 3, or 12 ('B')

	sequenceNumber int // unbounded counter; wire sequence is mod 64

	file fileState

	TextMode      bool
	SevenBitOnly  bool
	DoResend      bool
	SkipFile      bool
	FirstR        bool
	FirstS        bool
	FirstSB       bool
	SentNak       bool

	TimeoutBegin time.Time
	TimeoutCount int
	TimeoutMax   int

	AccessPolicy AccessPolicy
}

// seq returns the wire sequence (sequence_number mod 64) — the sequence of
// the next packet to send, per Invariant 4.
func (t *TransferStatus) seq() int {
	return t.sequenceNumber & 0x3F
}

func (t *TransferStatus) advanceSeq() {
	t.sequenceNumber++
}

func newTransferStatus(role Role, cfg *Config) *TransferStatus {
	return &TransferStatus{
		State:      StateInit,
		Role:       role,
		CheckType:  checkType1,
		FirstR:     true,
		FirstS:     true,
		FirstSB:    true,
		TimeoutMax: cfg.MaxTimeouts,
		AccessPolicy: cfg.AccessPolicy,
	}
}
