package engine

import (
	"github.com/psaab/flowoffload/pkg/classifier"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/offload"
)

// Totals sums the per-worker counters.
type Totals struct {
	Active         uint64 `json:"active"`
	InstalledTotal uint64 `json:"installed_total"`
	RemovedTotal   uint64 `json:"removed_total"`
	FailedTotal    uint64 `json:"failed_total"`
	AgedTotal      uint64 `json:"aged_total"`
	PendingRemove  uint64 `json:"pending_remove"`
	Dropped        uint64 `json:"dropped"` // requests lost to full queues
	Received       uint64 `json:"received"`
	Offered        uint64 `json:"offered"`
}

// Snapshot is a point-in-time copy of every worker's counters.
type Snapshot struct {
	Shards      []offload.Stats    `json:"shards"`
	Classifiers []classifier.Stats `json:"classifiers"`
	Totals      Totals             `json:"totals"`
}

// Stats collects the counters of all workers. Safe from any goroutine.
func (e *Engine) Stats() Snapshot {
	var s Snapshot
	for _, w := range e.workers {
		st := w.Stats()
		s.Shards = append(s.Shards, st)
		s.Totals.Active += st.Active
		s.Totals.InstalledTotal += st.InstalledTotal
		s.Totals.RemovedTotal += st.RemovedTotal
		s.Totals.FailedTotal += st.FailedTotal
		s.Totals.AgedTotal += st.AgedTotal
		s.Totals.PendingRemove += st.PendingRemove
		s.Totals.Dropped += st.InstallDropped + st.RemoveDropped
	}
	for _, c := range e.classifiers {
		st := c.Stats()
		s.Classifiers = append(s.Classifiers, st)
		s.Totals.Received += st.Received
		s.Totals.Offered += st.Offered
	}
	return s
}

// ReportLines implements logging.ReportSource.
func (e *Engine) ReportLines() []logging.ReportLine {
	snap := e.Stats()
	lines := make([]logging.ReportLine, 0, len(snap.Shards)+len(snap.Classifiers))
	for _, st := range snap.Shards {
		lines = append(lines, logging.ReportLine{Msg: "shard stats", Args: []any{
			"shard", st.Shard,
			"active", st.Active,
			"installed", st.InstalledTotal,
			"removed", st.RemovedTotal,
			"failed", st.FailedTotal,
			"aged", st.AgedTotal,
			"pending_remove", st.PendingRemove,
			"stale_aged", st.StaleAged,
			"dropped", st.InstallDropped + st.RemoveDropped,
		}})
	}
	for _, st := range snap.Classifiers {
		lines = append(lines, logging.ReportLine{Msg: "classifier stats", Args: []any{
			"id", st.ID,
			"source", st.Source,
			"received", st.Received,
			"offered", st.Offered,
			"enqueue_dropped", st.EnqueueDropped,
			"unsupported", st.Unsupported,
		}})
	}
	return lines
}
