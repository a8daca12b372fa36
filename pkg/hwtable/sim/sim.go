// Package sim is an in-memory flow table driver. It behaves like the
// hardware contract requires (batched, asynchronous completions, aging by
// idle time) and lets tests inject failures, stalls and clock movement.
package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
)

func init() {
	hwtable.Register(hwtable.BackendSim, func(opts hwtable.Options) (hwtable.Driver, error) {
		return New(opts), nil
	})
}

// Compile-time assertion that Driver implements hwtable.Driver.
var _ hwtable.Driver = (*Driver)(nil)

type entry struct {
	key     flow.Key
	inPort  flow.PortID
	target  flow.Target
	queue   hwtable.QueueID
	lastHit time.Time
	packets uint64
	bytes   uint64
}

type op struct {
	id     hwtable.Pending
	kind   flow.Op
	match  flow.Match
	target flow.Target
	handle hwtable.Handle
	delay  int // harvests to sit out before completing
}

type queue struct {
	open    bool
	next    hwtable.Pending
	pending []op
}

// Driver is the simulated flow table. All queues share one table, guarded
// by a mutex the way real hardware serializes table updates.
type Driver struct {
	mu       sync.Mutex
	opts     hwtable.Options
	now      func() time.Time
	queues   map[hwtable.QueueID]*queue
	entries  map[hwtable.Handle]*entry
	byKey    map[flow.Key]hwtable.Handle
	nextID   uint64
	broken   map[hwtable.QueueID]bool
	failIns  map[flow.Key]error
	failRem  map[flow.Key]error
	stallOps int
	stallFor int
}

// New creates a simulated driver. A zero TableSize means unlimited.
func New(opts hwtable.Options) *Driver {
	if opts.FlowTimeout <= 0 {
		opts.FlowTimeout = 30 * time.Second
	}
	return &Driver{
		opts:    opts,
		now:     time.Now,
		queues:  make(map[hwtable.QueueID]*queue),
		entries: make(map[hwtable.Handle]*entry),
		byKey:   make(map[flow.Key]hwtable.Handle),
		broken:  make(map[hwtable.QueueID]bool),
		failIns: make(map[flow.Key]error),
		failRem: make(map[flow.Key]error),
	}
}

// SetClock replaces the time source used for aging.
func (d *Driver) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// RepairQueue undoes BreakQueue.
func (d *Driver) RepairQueue(q hwtable.QueueID) {
	d.mu.Lock()
	delete(d.broken, q)
	d.mu.Unlock()
}

// BreakQueue makes Open fail for q.
func (d *Driver) BreakQueue(q hwtable.QueueID) {
	d.mu.Lock()
	d.broken[q] = true
	d.mu.Unlock()
}

// FailInstall makes installs of k complete with err until cleared with a
// nil err.
func (d *Driver) FailInstall(k flow.Key, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failIns, k)
		return
	}
	d.failIns[k] = err
}

// FailRemove makes removals of the entry for k complete with err until
// cleared with a nil err.
func (d *Driver) FailRemove(k flow.Key, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failRem, k)
		return
	}
	d.failRem[k] = err
}

// Stall delays the completion of the next n submitted operations by the
// given number of harvests, so they miss their own batch.
func (d *Driver) Stall(n, harvests int) {
	d.mu.Lock()
	d.stallOps = n
	d.stallFor = harvests
	d.mu.Unlock()
}

// Hit records traffic on the entry for k, as the datapath would.
func (d *Driver) Hit(k flow.Key, bytes int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byKey[k]
	if !ok {
		return false
	}
	e := d.entries[h]
	e.packets++
	e.bytes += uint64(bytes)
	e.lastHit = d.now()
	return true
}

// Expire backdates the entry for k so the next sweep evicts it.
func (d *Driver) Expire(k flow.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.byKey[k]
	if !ok {
		return false
	}
	d.entries[h].lastHit = time.Time{}
	return true
}

// Installed reports whether the table holds an entry for k.
func (d *Driver) Installed(k flow.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byKey[k]
	return ok
}

// Len returns the number of installed entries.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Driver) Open(q hwtable.QueueID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken[q] {
		return fmt.Errorf("queue %d: %w", q, hwtable.ErrQueueUnavailable)
	}
	if d.opts.Queues > 0 && int(q) >= d.opts.Queues {
		return fmt.Errorf("queue %d of %d: %w", q, d.opts.Queues, hwtable.ErrQueueUnavailable)
	}
	qs, ok := d.queues[q]
	if ok && qs.open {
		return fmt.Errorf("queue %d already open: %w", q, hwtable.ErrQueueUnavailable)
	}
	d.queues[q] = &queue{open: true}
	return nil
}

func (d *Driver) Release(q hwtable.QueueID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qs, err := d.queue(q)
	if err != nil {
		return err
	}
	qs.open = false
	qs.pending = nil
	return nil
}

func (d *Driver) queue(q hwtable.QueueID) (*queue, error) {
	qs, ok := d.queues[q]
	if !ok || !qs.open {
		return nil, fmt.Errorf("queue %d: %w", q, hwtable.ErrQueueNotOpen)
	}
	return qs, nil
}

func (d *Driver) submit(qs *queue, o op) hwtable.Pending {
	qs.next++
	o.id = qs.next
	if d.stallOps > 0 {
		d.stallOps--
		o.delay = d.stallFor
	}
	qs.pending = append(qs.pending, o)
	return o.id
}

func (d *Driver) Install(q hwtable.QueueID, m flow.Match, t flow.Target) (hwtable.Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	qs, err := d.queue(q)
	if err != nil {
		return 0, err
	}
	return d.submit(qs, op{kind: flow.OpInstall, match: m, target: t}), nil
}

func (d *Driver) Remove(q hwtable.QueueID, h hwtable.Handle) (hwtable.Pending, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	qs, err := d.queue(q)
	if err != nil {
		return 0, err
	}
	if h.Queue != q {
		return 0, fmt.Errorf("handle %s not owned by queue %d: %w", h, q, hwtable.ErrUnknownHandle)
	}
	return d.submit(qs, op{kind: flow.OpRemove, handle: h}), nil
}

// Harvest applies every operation on q that is ready. The simulation never
// blocks, so the timeout is unused; stalled operations stay queued and are
// reported as in flight.
func (d *Driver) Harvest(q hwtable.QueueID, _ time.Duration, _ int) hwtable.BatchStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	var st hwtable.BatchStatus
	qs, err := d.queue(q)
	if err != nil {
		return st
	}
	remaining := qs.pending[:0]
	for _, o := range qs.pending {
		if o.delay > 0 {
			o.delay--
			remaining = append(remaining, o)
			continue
		}
		st.Add(d.apply(q, o))
	}
	qs.pending = remaining
	st.InFlight = len(remaining)
	return st
}

func (d *Driver) apply(q hwtable.QueueID, o op) hwtable.Completion {
	c := hwtable.Completion{Pending: o.id, Op: o.kind}
	switch o.kind {
	case flow.OpInstall:
		c.Key = o.match.Key
		if err, ok := d.failIns[o.match.Key]; ok {
			c.Err = err
			return c
		}
		if _, ok := d.byKey[o.match.Key]; ok {
			c.Err = hwtable.ErrEntryExists
			return c
		}
		if d.opts.TableSize > 0 && len(d.entries) >= d.opts.TableSize {
			c.Err = hwtable.ErrTableFull
			return c
		}
		d.nextID++
		h := hwtable.Handle{Queue: q, ID: d.nextID}
		d.entries[h] = &entry{
			key:     o.match.Key,
			inPort:  o.match.InPort,
			target:  o.target,
			queue:   q,
			lastHit: d.now(),
		}
		d.byKey[o.match.Key] = h
		c.Handle = h
	case flow.OpRemove:
		c.Handle = o.handle
		e, ok := d.entries[o.handle]
		if !ok {
			c.Err = hwtable.ErrUnknownHandle
			return c
		}
		c.Key = e.key
		if err, ok := d.failRem[e.key]; ok {
			c.Err = err
			return c
		}
		delete(d.entries, o.handle)
		delete(d.byKey, e.key)
	}
	return c
}

func (d *Driver) AgeSweep(q hwtable.QueueID, _ time.Duration) ([]hwtable.Aged, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.queue(q); err != nil {
		return nil, err
	}
	now := d.now()
	var aged []hwtable.Aged
	for h, e := range d.entries {
		if e.queue != q || now.Sub(e.lastHit) <= d.opts.FlowTimeout {
			continue
		}
		aged = append(aged, hwtable.Aged{
			Key:      e.key,
			Handle:   h,
			Counters: hwtable.Counters{Packets: e.packets, Bytes: e.bytes, LastHit: now.Sub(e.lastHit)},
		})
	}
	sort.Slice(aged, func(i, j int) bool { return aged[i].Handle.ID < aged[j].Handle.ID })
	for _, a := range aged {
		delete(d.entries, a.Handle)
		delete(d.byKey, a.Key)
	}
	return aged, nil
}

func (d *Driver) Query(q hwtable.QueueID, h hwtable.Handle) (hwtable.Counters, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[h]
	if !ok || e.queue != q {
		return hwtable.Counters{}, hwtable.ErrUnknownHandle
	}
	return hwtable.Counters{
		Packets: e.packets,
		Bytes:   e.bytes,
		LastHit: d.now().Sub(e.lastHit),
	}, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, qs := range d.queues {
		qs.open = false
		qs.pending = nil
	}
	return nil
}
