// Package statsprom exposes a transfer's progress as Prometheus metrics.
// Grounded on runZeroInc-conniver's pkg/exporter.TCPInfoCollector: a
// Collect-on-scrape collector. The session driver pushes progress into it
// through the kermit.Stats methods, which it keeps in its own mutex-guarded
// fields (including its own error counter); Collect reports those fields.
package statsprom

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/kermit-go/kermit"
)

// PromStats is a kermit.Stats collaborator and prometheus.Collector
// simultaneously: the session driver pushes updates through the Stats
// methods as the transfer progresses, and Collect reads the same
// mutex-guarded fields back out on scrape. Safe for concurrent Collect calls
// (the scrape goroutine) racing the single-threaded session driver's writes.
type PromStats struct {
	mu sync.Mutex
	id xid.ID

	filename      string
	pathname      string
	lastMessage   string
	blocks        int64
	bytesTotal    int64
	bytesTransfer int64
	errorCount    int64
	fileStart     time.Time
	endTime       time.Time
	state         kermit.State

	bytesTotalDesc *prometheus.Desc
	bytesXferDesc  *prometheus.Desc
	errorCountDesc *prometheus.Desc
	blocksDesc     *prometheus.Desc
}

// NewPromStats creates a collector for one transfer, stamped with a fresh
// xid so multiple concurrent transfers (e.g. across goroutines in the
// caller's outer loop) can be told apart on a shared registry.
func NewPromStats() *PromStats {
	return &PromStats{
		id: xid.New(),
		bytesTotalDesc: prometheus.NewDesc(
			"kermit_transfer_bytes_total", "Declared size of the current file in bytes.",
			[]string{"transfer_id"}, nil),
		bytesXferDesc: prometheus.NewDesc(
			"kermit_transfer_bytes_sent", "Bytes transferred so far for the current file.",
			[]string{"transfer_id"}, nil),
		errorCountDesc: prometheus.NewDesc(
			"kermit_transfer_errors_total", "Count of error conditions observed during the transfer.",
			[]string{"transfer_id"}, nil),
		blocksDesc: prometheus.NewDesc(
			"kermit_transfer_blocks_total", "Count of Data packets processed.",
			[]string{"transfer_id"}, nil),
	}
}

// ID returns this transfer's stamped identifier.
func (p *PromStats) ID() string { return p.id.String() }

func (p *PromStats) SetFilename(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filename = name
}

func (p *PromStats) SetPathname(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pathname = path
}

func (p *PromStats) SetLastMessage(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastMessage = msg
}

func (p *PromStats) SetBlocks(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = n
}

func (p *PromStats) SetBytesTotal(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesTotal = n
}

func (p *PromStats) SetBytesTransferred(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bytesTransfer = n
}

func (p *PromStats) IncErrorCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCount++
}

func (p *PromStats) SetFileStartTime(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileStart = t
}

func (p *PromStats) SetEndTime(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endTime = t
}

func (p *PromStats) SetState(state kermit.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

func (p *PromStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.bytesTotalDesc
	ch <- p.bytesXferDesc
	ch <- p.errorCountDesc
	ch <- p.blocksDesc
}

func (p *PromStats) Collect(ch chan<- prometheus.Metric) {
	p.mu.Lock()
	bytesTotal, bytesXfer, errorCount, blocks := p.bytesTotal, p.bytesTransfer, p.errorCount, p.blocks
	p.mu.Unlock()

	id := p.id.String()
	ch <- prometheus.MustNewConstMetric(p.bytesTotalDesc, prometheus.GaugeValue, float64(bytesTotal), id)
	ch <- prometheus.MustNewConstMetric(p.bytesXferDesc, prometheus.GaugeValue, float64(bytesXfer), id)
	ch <- prometheus.MustNewConstMetric(p.errorCountDesc, prometheus.CounterValue, float64(errorCount), id)
	ch <- prometheus.MustNewConstMetric(p.blocksDesc, prometheus.CounterValue, float64(blocks), id)
}
