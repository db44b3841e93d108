package kermit

import (
	"log/slog"
	"time"
)

// Stats is the progress-reporting collaborator the driver writes to on every
// meaningful state change (spec.md §6). Grounded on the teacher's approach of
// keeping transfer bookkeeping behind a narrow interface rather than package
// globals (zmodem.go's Session fields), generalized into an injected
// collaborator per spec.md §9's re-architecture note. An interface (rather
// than a plain struct of public fields) so collaborators — statsprom.PromStats
// among them — can back the fields with their own storage (a mutex-guarded
// snapshot, a Prometheus gauge, whatever fits) instead of being handed a
// pointer into the driver's own state.
type Stats interface {
	SetFilename(name string)
	SetPathname(path string)
	SetLastMessage(msg string)
	SetBlocks(n int64)
	SetBytesTotal(n int64)
	SetBytesTransferred(n int64)
	IncErrorCount()
	SetFileStartTime(t time.Time)
	SetEndTime(t time.Time)
	SetState(state State)
}

// noopStats satisfies Stats when the caller supplies none.
type noopStats struct{}

func (noopStats) SetFilename(string)         {}
func (noopStats) SetPathname(string)         {}
func (noopStats) SetLastMessage(string)      {}
func (noopStats) SetBlocks(int64)            {}
func (noopStats) SetBytesTotal(int64)        {}
func (noopStats) SetBytesTransferred(int64)  {}
func (noopStats) IncErrorCount()             {}
func (noopStats) SetFileStartTime(time.Time) {}
func (noopStats) SetEndTime(time.Time)       {}
func (noopStats) SetState(State)             {}

// Notifier is the cosmetic/outer-loop collaborator: success cues and
// termination signalling (spec.md §6's play_sequence/stop_file_transfer).
type Notifier interface {
	PlaySequence(dir Direction)
	StopFileTransfer(aborted bool)
}

// noopNotifier satisfies Notifier when the caller supplies none.
type noopNotifier struct{}

func (noopNotifier) PlaySequence(Direction) {}
func (noopNotifier) StopFileTransfer(bool)  {}

// Config is the session driver's tunable parameter set (spec.md §3's local
// SessionParameters plus the ambient policy knobs), grounded on the
// teacher's Config struct + defaults() method (zmodem.go).
type Config struct {
	MaxShortLen int // 1..94, default 94
	MaxLongLen  int // 1..9024, default 9024 when LongPackets is set
	Window      int // 1..31, default 1

	TimeoutSeconds int // default 10
	MaxTimeouts    int // default 5

	CheckType int // wire check type byte: '1','2','3','B'; default '1'

	LongPackets bool
	Windowing   bool
	Attributes  bool
	Resend      bool
	Streaming   bool

	AccessPolicy AccessPolicy

	// GarbageThreshold is defaulted to 4096 but not read by the driver:
	// bytes before a MARK are simply dropped, and the reassembly buffer is
	// bounded at 2×MaxLongLen regardless of this value.
	GarbageThreshold int

	Stats    Stats
	Notifier Notifier
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxShortLen <= 0 || c.MaxShortLen > 94 {
		c.MaxShortLen = 94
	}
	if c.MaxLongLen <= 0 || c.MaxLongLen > 9024 {
		c.MaxLongLen = 9024
	}
	if c.Window <= 0 || c.Window > 31 {
		c.Window = 1
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = 5
	}
	if c.CheckType == 0 {
		c.CheckType = '1'
	}
	if c.GarbageThreshold <= 0 {
		c.GarbageThreshold = 4096
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	if c.Notifier == nil {
		c.Notifier = noopNotifier{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
