package logging

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ReportLine is one periodic statistics log line.
type ReportLine struct {
	Msg  string
	Args []any
}

// ReportSource produces the lines a StatsReporter logs on every tick.
type ReportSource interface {
	ReportLines() []ReportLine
}

// StatsReporter periodically logs statistics from a source together with
// a count of the events seen since the previous report.
type StatsReporter struct {
	src      ReportSource
	interval time.Duration
	topN     int

	mu     sync.Mutex
	counts map[string]uint64 // event type -> count
}

// EventCount is the number of events of one type in a report interval.
type EventCount struct {
	Type  string
	Count uint64
}

// NewStatsReporter creates a reporter. interval defaults to 10s and topN
// (event types listed per report) to 5.
func NewStatsReporter(src ReportSource, interval time.Duration, topN int) *StatsReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if topN <= 0 {
		topN = 5
	}
	return &StatsReporter{
		src:      src,
		interval: interval,
		topN:     topN,
		counts:   make(map[string]uint64),
	}
}

// Add counts an event.
func (r *StatsReporter) Add(rec EventRecord) {
	r.mu.Lock()
	r.counts[rec.Type]++
	r.mu.Unlock()
}

// Flush returns the most frequent event types since the last flush, then
// resets the counters.
func (r *StatsReporter) Flush() []EventCount {
	r.mu.Lock()
	counts := r.counts
	r.counts = make(map[string]uint64)
	r.mu.Unlock()

	if len(counts) == 0 {
		return nil
	}
	out := make([]EventCount, 0, len(counts))
	for typ, n := range counts {
		out = append(out, EventCount{Type: typ, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > r.topN {
		out = out[:r.topN]
	}
	return out
}

// Run logs a report every interval until ctx is cancelled.
func (r *StatsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report logs one report now.
func (r *StatsReporter) Report() {
	if r.src != nil {
		for _, l := range r.src.ReportLines() {
			slog.Info(l.Msg, l.Args...)
		}
	}
	for _, e := range r.Flush() {
		slog.Info("offload events", "type", e.Type, "count", e.Count, "interval", r.interval)
	}
}

// MultiSink delivers every event to each of its sinks.
type MultiSink []EventSink

func (m MultiSink) Add(rec EventRecord) {
	for _, s := range m {
		s.Add(rec)
	}
}
