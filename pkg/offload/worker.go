// Package offload implements the per-shard offload worker: the bounded
// install and remove queues it consumes, the flow table it owns, and the
// batch loop that programs the hardware flow table.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
	"github.com/psaab/flowoffload/pkg/logging"
)

// Defaults for Config fields left zero.
const (
	DefaultQueueSize      = 4096
	DefaultBatchSize      = 16
	DefaultAgingInterval  = 1000
	DefaultHarvestTimeout = 10 * time.Millisecond
	DefaultAgingBudget    = time.Millisecond
)

// maxWaiting bounds how many unharvested operations a worker tracks for
// late completion.
const maxWaiting = 1 << 16

// Config tunes an offload worker.
type Config struct {
	QueueSize      int           // capacity of each of the two work queues
	BatchSize      int           // requests drained per phase
	AgingInterval  int           // loop iterations between aging sweeps; <0 disables aging
	HarvestTimeout time.Duration // bound on each completion harvest
	AgingBudget    time.Duration // bound on each aging sweep
	IdleYield      bool          // yield the thread when an iteration did no work
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.AgingInterval == 0 {
		c.AgingInterval = DefaultAgingInterval
	}
	if c.HarvestTimeout <= 0 {
		c.HarvestTimeout = DefaultHarvestTimeout
	}
	if c.AgingBudget <= 0 {
		c.AgingBudget = DefaultAgingBudget
	}
	return c
}

// Stats is a point-in-time copy of a worker's counters.
type Stats struct {
	Shard           int    `json:"shard"`
	Queue           uint16 `json:"queue"`
	Active          uint64 `json:"active"`
	InstalledTotal  uint64 `json:"installed_total"`
	RemovedTotal    uint64 `json:"removed_total"`
	FailedTotal     uint64 `json:"failed_total"`
	AgedTotal       uint64 `json:"aged_total"`
	InstallDropped  uint64 `json:"install_dropped"`
	RemoveDropped   uint64 `json:"remove_dropped"`
	RemoveMiss      uint64 `json:"remove_miss"`
	Duplicate       uint64 `json:"duplicate"`
	PendingRemove   uint64 `json:"pending_remove"`
	StaleAged       uint64 `json:"stale_aged"`
	Orphaned        uint64 `json:"orphaned"`
	HarvestTimeouts uint64 `json:"harvest_timeouts"`
	Iterations      uint64 `json:"iterations"`
	InstallQueued   int    `json:"install_queued"`
	RemoveQueued    int    `json:"remove_queued"`
}

type counters struct {
	active          atomic.Uint64
	installed       atomic.Uint64
	removed         atomic.Uint64
	failed          atomic.Uint64
	aged            atomic.Uint64
	installDropped  atomic.Uint64
	removeDropped   atomic.Uint64
	removeMiss      atomic.Uint64
	duplicate       atomic.Uint64
	pendingRemove   atomic.Uint64
	staleAged       atomic.Uint64
	orphaned        atomic.Uint64
	harvestTimeouts atomic.Uint64
	iterations      atomic.Uint64
}

// submitted is an operation handed to the driver whose completion has not
// been processed yet.
type submitted struct {
	op       flow.Op
	req      flow.Request
	handle   hwtable.Handle   // removes only
	counters hwtable.Counters // removes only: read just before submission
	orphan   bool             // removal of an orphaned install
}

// FlowInfo describes one table entry together with its hardware counters.
type FlowInfo struct {
	Entry
	Counters hwtable.Counters
}

type inspectReq struct {
	limit int
	reply chan []FlowInfo
}

// Worker is the offload worker of one shard. Its table and the consumer
// side of its queues are touched only by the goroutine running Run (or
// by a caller driving Step directly); everything else talks to it through
// the queues, Stats and Flows.
type Worker struct {
	shard   int
	q       hwtable.QueueID
	drv     hwtable.Driver
	cfg     Config
	install *Queue
	remove  *Queue
	table   *Table
	events  logging.EventSink
	inspect chan inspectReq
	done    chan struct{} // closed when Run returns
	stopped sync.Once
	now     func() time.Time
	opened  bool

	iter    uint64
	reqs    []flow.Request
	batch   map[hwtable.Pending]submitted
	seen    map[flow.Key]struct{}
	waiting map[hwtable.Pending]submitted

	c counters
}

// NewWorker creates the worker for shard, programming the hardware
// through queue q of drv.
func NewWorker(shard int, q hwtable.QueueID, drv hwtable.Driver, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		shard:   shard,
		q:       q,
		drv:     drv,
		cfg:     cfg,
		install: NewQueue(cfg.QueueSize),
		remove:  NewQueue(cfg.QueueSize),
		table:   NewTable(shard),
		inspect: make(chan inspectReq),
		done:    make(chan struct{}),
		now:     time.Now,
		reqs:    make([]flow.Request, cfg.BatchSize),
		batch:   make(map[hwtable.Pending]submitted, cfg.BatchSize),
		seen:    make(map[flow.Key]struct{}, cfg.BatchSize),
		waiting: make(map[hwtable.Pending]submitted),
	}
}

// SetEventSink directs the worker's offload events to sink.
func (w *Worker) SetEventSink(sink logging.EventSink) { w.events = sink }

// Shard returns the worker's shard index.
func (w *Worker) Shard() int { return w.shard }

// Table returns the worker's flow table. Only the goroutine driving the
// worker may use it.
func (w *Worker) Table() *Table { return w.table }

// InstallQueue returns the queue install requests are consumed from.
func (w *Worker) InstallQueue() *Queue { return w.install }

// RemoveQueue returns the queue remove requests are consumed from.
func (w *Worker) RemoveQueue() *Queue { return w.remove }

// Open acquires the worker's programming queue. A worker that cannot
// open its queue must not be started.
func (w *Worker) Open() error {
	if err := w.drv.Open(w.q); err != nil {
		return fmt.Errorf("shard %d: open programming queue %d: %w", w.shard, w.q, err)
	}
	w.opened = true
	return nil
}

// Release gives the programming queue back. It must not be called while
// Run is active.
func (w *Worker) Release() error {
	if !w.opened {
		return nil
	}
	w.opened = false
	if err := w.drv.Release(w.q); err != nil {
		return fmt.Errorf("shard %d: release programming queue %d: %w", w.shard, w.q, err)
	}
	return nil
}

// EnqueueInstall queues an install request without blocking. A full
// queue drops the request and counts it.
func (w *Worker) EnqueueInstall(r flow.Request) bool {
	r.Op = flow.OpInstall
	if w.install.TryEnqueue(r) {
		return true
	}
	w.c.installDropped.Add(1)
	slog.Debug("install queue full, offload dropped", "shard", w.shard, "flow", r.Key())
	w.event(logging.EventQueueFull, r.Key(), hwtable.Handle{}, "install queue full")
	return false
}

// EnqueueRemove queues a remove request without blocking. A full queue
// drops the request and counts it.
func (w *Worker) EnqueueRemove(r flow.Request) bool {
	r.Op = flow.OpRemove
	if w.remove.TryEnqueue(r) {
		return true
	}
	w.c.removeDropped.Add(1)
	slog.Debug("remove queue full, removal dropped", "shard", w.shard, "flow", r.Key())
	w.event(logging.EventQueueFull, r.Key(), hwtable.Handle{}, "remove queue full")
	return false
}

// Run polls until ctx is cancelled. In-flight operations at shutdown are
// abandoned.
func (w *Worker) Run(ctx context.Context) error {
	if !w.opened {
		return fmt.Errorf("shard %d: programming queue %d not open", w.shard, w.q)
	}
	defer w.stopped.Do(func() { close(w.done) })
	slog.Info("offload worker started",
		"shard", w.shard, "queue", w.q,
		"batch_size", w.cfg.BatchSize, "aging_interval", w.cfg.AgingInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("offload worker stopped",
				"shard", w.shard, "active", w.table.Active(),
				"pending_remove", w.table.PendingRemove(), "abandoned", len(w.waiting))
			return nil
		case req := <-w.inspect:
			req.reply <- w.snapshot(req.limit)
		default:
		}
		if !w.Step() && w.cfg.IdleYield {
			runtime.Gosched()
		}
	}
}

// Step runs one loop iteration: the remove phase, the install phase and,
// every AgingInterval iterations, the aging phase. It reports whether any
// request was dequeued.
func (w *Worker) Step() bool {
	w.iter++
	w.c.iterations.Add(1)

	busy := w.drainRemove()
	if w.drainInstall() {
		busy = true
	}
	if !busy && len(w.waiting) > 0 {
		// Nothing new to harvest for, but earlier operations are still
		// outstanding: collect whatever has arrived.
		w.settle(w.drv.Harvest(w.q, 0, len(w.waiting)))
	}
	if w.cfg.AgingInterval > 0 && w.iter%uint64(w.cfg.AgingInterval) == 0 {
		w.age()
	}
	w.publish()
	return busy
}

// Age runs an aging sweep immediately.
func (w *Worker) Age() {
	w.age()
	w.publish()
}

func (w *Worker) drainRemove() bool {
	n := w.remove.DequeueBurst(w.reqs)
	if n == 0 {
		return false
	}
	w.resetBatch()
	for _, r := range w.reqs[:n] {
		k := r.Key()
		if _, dup := w.seen[k]; dup {
			w.c.duplicate.Add(1)
			continue
		}
		if _, ok := w.table.Lookup(k); !ok {
			w.c.removeMiss.Add(1)
			slog.Info("remove for unknown flow skipped", "shard", w.shard, "flow", k)
			w.event(logging.EventRemoveMiss, k, hwtable.Handle{}, "no entry")
			continue
		}
		h, err := w.table.markPendingRemove(k)
		if err != nil {
			slog.Warn("flow remove rejected", "shard", w.shard, "flow", k, "err", err)
			continue
		}
		w.seen[k] = struct{}{}
		// Counters vanish with the hardware entry.
		ctrs, err := w.drv.Query(w.q, h)
		if err != nil {
			slog.Debug("counter read before remove failed", "shard", w.shard, "flow", k, "err", err)
		}
		p, err := w.drv.Remove(w.q, h)
		if err != nil {
			w.removeFailed(k, h, err)
			continue
		}
		w.batch[p] = submitted{op: flow.OpRemove, req: r, handle: h, counters: ctrs}
	}
	w.harvest()
	return true
}

func (w *Worker) drainInstall() bool {
	n := w.install.DequeueBurst(w.reqs)
	if n == 0 {
		return false
	}
	w.resetBatch()
	for _, r := range w.reqs[:n] {
		k := r.Key()
		_, dup := w.seen[k]
		if _, ok := w.table.Lookup(k); ok || dup {
			w.c.duplicate.Add(1)
			continue
		}
		// The entry is Requested from here until its completion is
		// harvested. It never enters the table in that state.
		w.seen[k] = struct{}{}
		p, err := w.drv.Install(w.q, r.Match, r.Target)
		if err != nil {
			w.installFailed(k, err)
			continue
		}
		w.batch[p] = submitted{op: flow.OpInstall, req: r}
	}
	w.harvest()
	return true
}

func (w *Worker) resetBatch() {
	clear(w.batch)
	clear(w.seen)
}

// harvest waits for the current batch and settles every completion.
// Operations of the batch that did not complete in time are failed
// locally and remembered so their late completion can be recognised.
func (w *Worker) harvest() {
	if len(w.batch) == 0 {
		return
	}
	expected := len(w.batch)
	st := w.drv.Harvest(w.q, w.cfg.HarvestTimeout, expected)
	w.settle(st)
	if len(w.batch) == 0 {
		return
	}

	w.c.harvestTimeouts.Add(uint64(len(w.batch)))
	slog.Warn("harvest timed out",
		"shard", w.shard, "expected", expected,
		"processed", expected-len(w.batch), "in_flight", st.InFlight)
	for p, s := range w.batch {
		switch s.op {
		case flow.OpInstall:
			w.installFailed(s.req.Key(), errors.New("completion timed out"))
		case flow.OpRemove:
			w.removeFailed(s.req.Key(), s.handle, errors.New("completion timed out"))
		}
		if len(w.waiting) < maxWaiting {
			w.waiting[p] = s
		}
		delete(w.batch, p)
	}
}

func (w *Worker) settle(st hwtable.BatchStatus) {
	for _, c := range st.Completions {
		if s, ok := w.batch[c.Pending]; ok {
			delete(w.batch, c.Pending)
			w.complete(s, c)
			continue
		}
		if s, ok := w.waiting[c.Pending]; ok {
			delete(w.waiting, c.Pending)
			w.completeLate(s, c)
			continue
		}
		slog.Debug("completion for unknown operation", "shard", w.shard, "pending", c.Pending, "op", c.Op)
	}
}

func (w *Worker) complete(s submitted, c hwtable.Completion) {
	k := s.req.Key()
	switch s.op {
	case flow.OpInstall:
		if c.Err != nil {
			w.installFailed(k, c.Err)
			return
		}
		e := Entry{
			Key:       k,
			Handle:    c.Handle,
			State:     Requested,
			InPort:    s.req.Match.InPort,
			Target:    s.req.Target,
			Installed: w.now(),
		}
		if err := w.table.activate(e); err != nil {
			slog.Error("flow activation failed", "shard", w.shard, "flow", k, "err", err)
			w.removeOrphan(k, c.Handle)
			return
		}
		w.c.installed.Add(1)
	case flow.OpRemove:
		if s.orphan {
			if c.Err != nil {
				slog.Warn("orphan removal failed", "shard", w.shard, "flow", k, "handle", s.handle, "err", c.Err)
			}
			return
		}
		if c.Err != nil && !errors.Is(c.Err, hwtable.ErrUnknownHandle) {
			w.removeFailed(k, s.handle, c.Err)
			return
		}
		// An unknown handle means the hardware entry is already gone.
		e, err := w.table.retire(k, s.handle)
		if err != nil {
			slog.Debug("retire after remove", "shard", w.shard, "flow", k, "err", err)
			return
		}
		w.c.removed.Add(1)
		w.retiredEvent(logging.EventRemoved, e, s.counters)
	}
}

// completeLate handles a completion that missed its own batch. Its
// operation was already failed locally.
func (w *Worker) completeLate(s submitted, c hwtable.Completion) {
	k := s.req.Key()
	switch {
	case s.op == flow.OpInstall && c.Err == nil:
		w.c.orphaned.Add(1)
		slog.Warn("late install completion, removing orphan", "shard", w.shard, "flow", k, "handle", c.Handle)
		w.event(logging.EventOrphan, k, c.Handle, "late install completion")
		w.removeOrphan(k, c.Handle)
	case s.op == flow.OpRemove && !s.orphan && (c.Err == nil || errors.Is(c.Err, hwtable.ErrUnknownHandle)):
		if e, ok := w.table.Lookup(k); ok && e.Handle == s.handle {
			if e, err := w.table.retire(k, s.handle); err == nil {
				w.c.removed.Add(1)
				slog.Info("late remove completion retired flow", "shard", w.shard, "flow", k)
				w.retiredEvent(logging.EventRemoved, e, s.counters)
			}
		}
	default:
		slog.Debug("late completion ignored", "shard", w.shard, "flow", k, "op", s.op, "err", c.Err)
	}
}

func (w *Worker) removeOrphan(k flow.Key, h hwtable.Handle) {
	p, err := w.drv.Remove(w.q, h)
	if err != nil {
		slog.Warn("orphan removal submit failed", "shard", w.shard, "flow", k, "handle", h, "err", err)
		return
	}
	if len(w.waiting) < maxWaiting {
		w.waiting[p] = submitted{
			op:     flow.OpRemove,
			req:    flow.Request{Op: flow.OpRemove, Match: flow.Match{Key: k}},
			handle: h,
			orphan: true,
		}
	}
}

func (w *Worker) installFailed(k flow.Key, err error) {
	w.c.failed.Add(1)
	slog.Warn("flow install failed", "shard", w.shard, "flow", k, "err", err)
	w.event(logging.EventInstallFail, k, hwtable.Handle{}, err.Error())
}

func (w *Worker) removeFailed(k flow.Key, h hwtable.Handle, err error) {
	w.c.failed.Add(1)
	slog.Warn("flow remove failed, entry left pending-remove",
		"shard", w.shard, "flow", k, "handle", h, "err", err)
	w.event(logging.EventRemoveFail, k, h, err.Error())
}

// age runs one aging sweep and retires, in lockstep with the hardware,
// every table entry the sweep evicted.
func (w *Worker) age() {
	aged, err := w.drv.AgeSweep(w.q, w.cfg.AgingBudget)
	if err != nil {
		slog.Warn("aging sweep failed", "shard", w.shard, "err", err)
		return
	}
	if len(aged) == 0 {
		return
	}
	var retired, stale int
	for _, a := range aged {
		e, ok := w.table.Lookup(a.Key)
		if !ok || e.Handle != a.Handle {
			stale++
			w.c.staleAged.Add(1)
			slog.Warn("aged entry not in flow table", "shard", w.shard, "flow", a.Key, "handle", a.Handle)
			w.event(logging.EventStaleAged, a.Key, a.Handle, "no matching table entry")
			continue
		}
		e, err := w.table.retire(a.Key, a.Handle)
		if err != nil {
			slog.Error("aged entry retire failed", "shard", w.shard, "flow", a.Key, "err", err)
			continue
		}
		retired++
		w.c.aged.Add(1)
		w.retiredEvent(logging.EventAged, e, a.Counters)
	}
	slog.Info("aging sweep",
		"shard", w.shard, "evicted", len(aged), "retired", retired, "stale", stale,
		"active", w.table.Active())
}

func (w *Worker) publish() {
	w.c.active.Store(uint64(w.table.Active()))
	w.c.pendingRemove.Store(uint64(w.table.PendingRemove()))
}

func (w *Worker) event(typ string, k flow.Key, h hwtable.Handle, reason string) {
	if w.events == nil {
		return
	}
	w.events.Add(w.record(typ, k, h, reason))
}

// retiredEvent reports an entry leaving the table with its final
// counters.
func (w *Worker) retiredEvent(typ string, e Entry, c hwtable.Counters) {
	if w.events == nil {
		return
	}
	rec := w.record(typ, e.Key, e.Handle, "")
	rec.Packets = c.Packets
	rec.Bytes = c.Bytes
	rec.Installed = e.Installed
	w.events.Add(rec)
}

func (w *Worker) record(typ string, k flow.Key, h hwtable.Handle, reason string) logging.EventRecord {
	rec := logging.EventRecord{
		Time:     w.now(),
		Type:     typ,
		Shard:    w.shard,
		Protocol: flow.ProtoName(k.Protocol),
		SrcAddr:  k.Src().String(),
		DstAddr:  k.Dst().String(),
		Reason:   reason,
	}
	if !h.IsZero() {
		rec.Handle = h.String()
	}
	return rec
}

// Stats returns the worker's counters. It is safe to call from any
// goroutine.
func (w *Worker) Stats() Stats {
	return Stats{
		Shard:           w.shard,
		Queue:           uint16(w.q),
		Active:          w.c.active.Load(),
		InstalledTotal:  w.c.installed.Load(),
		RemovedTotal:    w.c.removed.Load(),
		FailedTotal:     w.c.failed.Load(),
		AgedTotal:       w.c.aged.Load(),
		InstallDropped:  w.c.installDropped.Load(),
		RemoveDropped:   w.c.removeDropped.Load(),
		RemoveMiss:      w.c.removeMiss.Load(),
		Duplicate:       w.c.duplicate.Load(),
		PendingRemove:   w.c.pendingRemove.Load(),
		StaleAged:       w.c.staleAged.Load(),
		Orphaned:        w.c.orphaned.Load(),
		HarvestTimeouts: w.c.harvestTimeouts.Load(),
		Iterations:      w.c.iterations.Load(),
		InstallQueued:   w.install.Len(),
		RemoveQueued:    w.remove.Len(),
	}
}

// ErrStopped is returned by Flows once Run has returned.
var ErrStopped = errors.New("offload worker stopped")

// Flows asks the running worker for up to limit table entries, sorted by
// install time. It fails if ctx ends or the worker stops before it
// answers.
func (w *Worker) Flows(ctx context.Context, limit int) ([]FlowInfo, error) {
	req := inspectReq{limit: limit, reply: make(chan []FlowInfo, 1)}
	select {
	case w.inspect <- req:
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case flows := <-req.reply:
		return flows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Snapshot returns up to limit table entries. Like Table, it may only be
// called from the goroutine driving the worker.
func (w *Worker) Snapshot(limit int) []FlowInfo { return w.snapshot(limit) }

func (w *Worker) snapshot(limit int) []FlowInfo {
	var out []FlowInfo
	w.table.Range(func(e Entry) bool {
		out = append(out, FlowInfo{Entry: e})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Installed.Equal(out[j].Installed) {
			return out[i].Installed.Before(out[j].Installed)
		}
		return out[i].Handle.ID < out[j].Handle.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		c, err := w.drv.Query(w.q, out[i].Handle)
		if err != nil {
			continue
		}
		out[i].Counters = c
	}
	return out
}
