// Package flowexport exports retired offloaded flows to NetFlow v9
// collectors. The exporter is an event sink: it turns AGED and REMOVED
// events, which carry the entry's final counters, into flow records.
package flowexport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/logging"
)

// flushInterval is how often queued records are sent.
const flushInterval = 100 * time.Millisecond

// ExportConfig holds the resolved NetFlow export configuration.
type ExportConfig struct {
	Collectors          []string // "host:port"
	SourceAddress       string   // local bind address (empty = auto)
	TemplateRefreshRate time.Duration
	SamplingRate        int // 1-in-N sampling (0 = export all)
}

// BuildExportConfig resolves the flow-export block. Returns nil if no
// collector is configured.
func BuildExportConfig(fe config.FlowExportConfig) *ExportConfig {
	if len(fe.Collectors) == 0 {
		return nil
	}
	ec := &ExportConfig{
		SourceAddress:       fe.SourceAddress,
		TemplateRefreshRate: fe.TemplateRefresh,
		SamplingRate:        fe.SamplingRate,
	}
	if ec.TemplateRefreshRate <= 0 {
		ec.TemplateRefreshRate = config.DefaultTemplateRefresh
	}

	// Deduplicate collectors by address
	seen := make(map[string]bool)
	for _, c := range fe.Collectors {
		if !seen[c] {
			seen[c] = true
			ec.Collectors = append(ec.Collectors, c)
		}
	}
	return ec
}

// Exporter sends NetFlow v9 packets to configured collectors.
type Exporter struct {
	cfg      ExportConfig
	bootTime time.Time
	sourceID uint32

	mu    sync.Mutex
	seq   uint32
	conns []net.Conn

	// Batching: accumulate records, flush periodically
	batchMu sync.Mutex
	batch   []FlowRecord

	sampleCounter atomic.Uint64

	// Stats
	exportedFlows atomic.Uint64
	exportedPkts  atomic.Uint64
	skipped       atomic.Uint64
}

var _ logging.EventSink = (*Exporter)(nil)

// NewExporter creates a new NetFlow v9 exporter.
func NewExporter(cfg ExportConfig) (*Exporter, error) {
	e := &Exporter{
		cfg:      cfg,
		bootTime: time.Now(),
		sourceID: 1,
	}

	for _, addr := range cfg.Collectors {
		var conn net.Conn
		var err error
		if cfg.SourceAddress != "" {
			laddr, lerr := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.SourceAddress, "0"))
			if lerr != nil {
				e.Close()
				return nil, fmt.Errorf("resolve source address %s: %w", cfg.SourceAddress, lerr)
			}
			raddr, rerr := net.ResolveUDPAddr("udp", addr)
			if rerr != nil {
				e.Close()
				return nil, fmt.Errorf("resolve collector %s: %w", addr, rerr)
			}
			conn, err = net.DialUDP("udp", laddr, raddr)
		} else {
			conn, err = net.Dial("udp", addr)
		}
		if err != nil {
			// Close already-opened connections
			e.Close()
			return nil, fmt.Errorf("dial collector %s: %w", addr, err)
		}
		e.conns = append(e.conns, conn)
	}

	slog.Info("flow export enabled", "collectors", cfg.Collectors, "sampling_rate", cfg.SamplingRate)
	return e, nil
}

// Run sends templates and flushes batches until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	// Send initial template
	e.sendTemplates()

	templateTicker := time.NewTicker(e.cfg.TemplateRefreshRate)
	defer templateTicker.Stop()

	batchTicker := time.NewTicker(flushInterval)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush remaining batches
			e.Flush()
			return
		case <-templateTicker.C:
			e.sendTemplates()
		case <-batchTicker.C:
			e.Flush()
		}
	}
}

// Add queues a flow record for retirement events and ignores the rest.
func (e *Exporter) Add(rec logging.EventRecord) {
	if rec.Type != logging.EventAged && rec.Type != logging.EventRemoved {
		return
	}
	if !e.sample() {
		return
	}
	fr, err := recordFromEvent(rec)
	if err != nil {
		e.skipped.Add(1)
		slog.Debug("flow export skipped event", "type", rec.Type, "err", err)
		return
	}
	e.batchMu.Lock()
	e.batch = append(e.batch, fr)
	e.batchMu.Unlock()
}

// sample applies 1-in-N sampling.
func (e *Exporter) sample() bool {
	if e.cfg.SamplingRate > 1 {
		n := e.sampleCounter.Add(1)
		return n%uint64(e.cfg.SamplingRate) == 0
	}
	return true
}

func recordFromEvent(rec logging.EventRecord) (FlowRecord, error) {
	k, err := flow.ParseKey(rec.Protocol, rec.SrcAddr, rec.DstAddr)
	if err != nil {
		return FlowRecord{}, err
	}
	start := rec.Installed
	if start.IsZero() {
		start = rec.Time
	}
	return FlowRecord{
		SrcIP:     k.SrcIP,
		DstIP:     k.DstIP,
		SrcPort:   k.SrcPort,
		DstPort:   k.DstPort,
		Protocol:  k.Protocol,
		Packets:   rec.Packets,
		Bytes:     rec.Bytes,
		StartTime: start,
		EndTime:   rec.Time,
	}, nil
}

// Stats returns export statistics.
func (e *Exporter) Stats() (flows, packets uint64) {
	return e.exportedFlows.Load(), e.exportedPkts.Load()
}

// Close shuts down all collector connections.
func (e *Exporter) Close() {
	for _, c := range e.conns {
		c.Close()
	}
}

func (e *Exporter) nextSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.seq
	e.seq++
	return seq
}

func (e *Exporter) send(count int, flowSet []byte) {
	now := time.Now()
	hdr := nfHeader{
		Version:   nfVersion,
		Count:     uint16(count),
		SysUptime: uptimeMs(e.bootTime, now),
		UnixSecs:  uint32(now.Unix()),
		SeqNumber: e.nextSeq(),
		SourceID:  e.sourceID,
	}
	pkt := append(encodeHeader(hdr), flowSet...)
	for _, c := range e.conns {
		if _, err := c.Write(pkt); err != nil {
			slog.Debug("netflow send failed", "collector", c.RemoteAddr(), "err", err)
		}
	}
}

func (e *Exporter) sendTemplates() {
	e.send(1, encodeTemplateFlowSet())
}

// Flush sends every queued record.
func (e *Exporter) Flush() {
	e.batchMu.Lock()
	records := e.batch
	e.batch = nil
	e.batchMu.Unlock()

	// Split into chunks that fit in maxPayload
	maxRecords := (maxPayload - headerSize - flowSetHeaderLen) / recordSizeV4
	for i := 0; i < len(records); i += maxRecords {
		end := min(i+maxRecords, len(records))
		batch := records[i:end]
		e.send(len(batch), encodeDataFlowSet(batch, e.bootTime))
		e.exportedFlows.Add(uint64(len(batch)))
		e.exportedPkts.Add(1)
	}
}
