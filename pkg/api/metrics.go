package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/offload"
)

// shardMetric maps one offload.Stats field to a per-shard metric.
type shardMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(offload.Stats) float64
}

// offloadCollector implements prometheus.Collector, reading engine
// counters on each scrape.
type offloadCollector struct {
	srv *Server

	shard []shardMetric

	queueDropped *prometheus.Desc
	queueDepth   *prometheus.Desc

	classifierPackets *prometheus.Desc
	enqueueDropped    *prometheus.Desc
	forwardErrors     *prometheus.Desc

	policyHitsTotal *prometheus.Desc
	eventsTotal     *prometheus.Desc
}

func newCollector(srv *Server) *offloadCollector {
	shardDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("flowoffload_"+name, help, []string{"shard"}, nil)
	}
	counter := func(name, help string, v func(offload.Stats) uint64) shardMetric {
		return shardMetric{shardDesc(name, help), prometheus.CounterValue,
			func(s offload.Stats) float64 { return float64(v(s)) }}
	}
	gauge := func(name, help string, v func(offload.Stats) uint64) shardMetric {
		return shardMetric{shardDesc(name, help), prometheus.GaugeValue,
			func(s offload.Stats) float64 { return float64(v(s)) }}
	}

	return &offloadCollector{
		srv: srv,

		shard: []shardMetric{
			gauge("flows_active", "Active hardware flow entries.",
				func(s offload.Stats) uint64 { return s.Active }),
			gauge("flows_pending_remove", "Entries whose removal has not completed.",
				func(s offload.Stats) uint64 { return s.PendingRemove }),
			counter("flows_installed_total", "Flow entries installed.",
				func(s offload.Stats) uint64 { return s.InstalledTotal }),
			counter("flows_removed_total", "Flow entries removed on request.",
				func(s offload.Stats) uint64 { return s.RemovedTotal }),
			counter("flows_failed_total", "Install or remove operations that failed.",
				func(s offload.Stats) uint64 { return s.FailedTotal }),
			counter("flows_aged_total", "Flow entries evicted by aging.",
				func(s offload.Stats) uint64 { return s.AgedTotal }),
			counter("flows_stale_aged_total", "Aged entries with no matching table entry.",
				func(s offload.Stats) uint64 { return s.StaleAged }),
			counter("flows_orphaned_total", "Late install completions removed from hardware.",
				func(s offload.Stats) uint64 { return s.Orphaned }),
			counter("flows_duplicate_total", "Install or remove requests skipped as duplicates.",
				func(s offload.Stats) uint64 { return s.Duplicate }),
			counter("remove_miss_total", "Remove requests for flows not in the table.",
				func(s offload.Stats) uint64 { return s.RemoveMiss }),
			counter("harvest_timeouts_total", "Operations whose completion missed the harvest timeout.",
				func(s offload.Stats) uint64 { return s.HarvestTimeouts }),
			counter("worker_iterations_total", "Offload worker loop iterations.",
				func(s offload.Stats) uint64 { return s.Iterations }),
		},

		queueDropped: prometheus.NewDesc(
			"flowoffload_queue_dropped_total",
			"Requests dropped because a shard queue was full.",
			[]string{"shard", "queue"}, nil,
		),
		queueDepth: prometheus.NewDesc(
			"flowoffload_queue_depth",
			"Requests waiting in a shard queue.",
			[]string{"shard", "queue"}, nil,
		),
		classifierPackets: prometheus.NewDesc(
			"flowoffload_classifier_packets_total",
			"Packets seen by a classifier worker, by outcome.",
			[]string{"classifier", "source", "result"}, nil,
		),
		enqueueDropped: prometheus.NewDesc(
			"flowoffload_classifier_enqueue_dropped_total",
			"Requests a classifier could not queue.",
			[]string{"classifier", "source"}, nil,
		),
		forwardErrors: prometheus.NewDesc(
			"flowoffload_classifier_forward_errors_total",
			"Slow path forwarding errors.",
			[]string{"classifier", "source"}, nil,
		),
		policyHitsTotal: prometheus.NewDesc(
			"flowoffload_policy_hits_total",
			"Admission policy term hits.",
			[]string{"term", "action"}, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"flowoffload_events_total",
			"Offload events recorded.",
			nil, nil,
		),
	}
}

func (c *offloadCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.shard {
		ch <- m.desc
	}
	ch <- c.queueDropped
	ch <- c.queueDepth
	ch <- c.classifierPackets
	ch <- c.enqueueDropped
	ch <- c.forwardErrors
	ch <- c.policyHitsTotal
	ch <- c.eventsTotal
}

func (c *offloadCollector) Collect(ch chan<- prometheus.Metric) {
	if c.srv.engine != nil {
		snap := c.srv.engine.Stats()
		c.collectShards(ch, snap)
		c.collectClassifiers(ch, snap)
	}
	if c.srv.policy != nil {
		for _, h := range c.srv.policy.Hits() {
			ch <- prometheus.MustNewConstMetric(c.policyHitsTotal,
				prometheus.CounterValue, float64(h.Hits), h.Name, h.Action)
		}
	}
	if c.srv.eventBuf != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal,
			prometheus.CounterValue, float64(c.srv.eventBuf.Total()))
	}
}

func (c *offloadCollector) collectShards(ch chan<- prometheus.Metric, snap engine.Snapshot) {
	for _, st := range snap.Shards {
		shard := strconv.Itoa(st.Shard)
		for _, m := range c.shard {
			ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(st), shard)
		}
		ch <- prometheus.MustNewConstMetric(c.queueDropped,
			prometheus.CounterValue, float64(st.InstallDropped), shard, "install")
		ch <- prometheus.MustNewConstMetric(c.queueDropped,
			prometheus.CounterValue, float64(st.RemoveDropped), shard, "remove")
		ch <- prometheus.MustNewConstMetric(c.queueDepth,
			prometheus.GaugeValue, float64(st.InstallQueued), shard, "install")
		ch <- prometheus.MustNewConstMetric(c.queueDepth,
			prometheus.GaugeValue, float64(st.RemoveQueued), shard, "remove")
	}
}

func (c *offloadCollector) collectClassifiers(ch chan<- prometheus.Metric, snap engine.Snapshot) {
	for _, st := range snap.Classifiers {
		id := strconv.Itoa(st.ID)
		for _, r := range []struct {
			result string
			v      uint64
		}{
			{"received", st.Received},
			{"unsupported", st.Unsupported},
			{"offered", st.Offered},
			{"pass_through", st.PassThrough},
			{"dropped", st.Dropped},
			{"slow_path", st.SlowPath},
			{"closing", st.Closes},
		} {
			ch <- prometheus.MustNewConstMetric(c.classifierPackets,
				prometheus.CounterValue, float64(r.v), id, st.Source, r.result)
		}
		ch <- prometheus.MustNewConstMetric(c.enqueueDropped,
			prometheus.CounterValue, float64(st.EnqueueDropped), id, st.Source)
		ch <- prometheus.MustNewConstMetric(c.forwardErrors,
			prometheus.CounterValue, float64(st.ForwardErrors), id, st.Source)
	}
}
