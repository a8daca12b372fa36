//go:build linux

// Package bpfmap implements the flow table driver on top of a BPF hash
// map. An XDP or TC fast path attached to the switch ports looks flows up
// in the same map (optionally pinned on bpffs) and refreshes each entry's
// last-hit timestamp with bpf_ktime_get_ns.
package bpfmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
)

func init() {
	hwtable.Register(hwtable.BackendEBPF, func(opts hwtable.Options) (hwtable.Driver, error) {
		return New(opts)
	})
}

// Compile-time assertion that Driver implements hwtable.Driver.
var _ hwtable.Driver = (*Driver)(nil)

// MapName is the name of the flow map, and of its pin under PinPath.
const MapName = "offload_flows"

// FlowKey mirrors the C struct offload_key. Ports are in network byte order.
type FlowKey struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Pad      [3]byte
}

// FlowValue mirrors the C struct offload_value.
type FlowValue struct {
	Handle       uint64
	Queue        uint16
	InPort       uint16
	OutPort      uint16
	HairpinQueue uint16
	HairpinCount uint16
	Pad          [6]byte
	Installed    uint64 // CLOCK_MONOTONIC ns
	LastHit      uint64 // CLOCK_MONOTONIC ns, refreshed by the fast path
	Packets      uint64
	Bytes        uint64
}

func toBPFKey(k flow.Key) FlowKey {
	return FlowKey{
		SrcIP:    k.SrcIP,
		DstIP:    k.DstIP,
		SrcPort:  htons(k.SrcPort),
		DstPort:  htons(k.DstPort),
		Protocol: k.Protocol,
	}
}

func fromBPFKey(k FlowKey) flow.Key {
	return flow.Key{
		SrcIP:    k.SrcIP,
		DstIP:    k.DstIP,
		SrcPort:  htons(k.SrcPort),
		DstPort:  htons(k.DstPort),
		Protocol: k.Protocol,
	}
}

type op struct {
	id     hwtable.Pending
	kind   flow.Op
	match  flow.Match
	target flow.Target
	handle hwtable.Handle
}

// queue is the per programming queue state. Each queue has a single
// owning worker; the mutex only orders it against Close.
type queue struct {
	mu      sync.Mutex
	open    bool
	next    hwtable.Pending
	pending []op
	keys    map[uint64]flow.Key // handle id -> key, for entries this queue installed
	cursor  *FlowKey            // where the next aging sweep starts
}

// Driver programs the BPF flow map.
type Driver struct {
	opts   hwtable.Options
	flows  *ebpf.Map
	mu     sync.Mutex
	queues map[hwtable.QueueID]*queue
	nextID uint64
	now    func() uint64
}

// New creates (or reopens, when pinned) the flow map.
func New(opts hwtable.Options) (*Driver, error) {
	if opts.TableSize <= 0 {
		opts.TableSize = 1 << 21
	}
	if opts.FlowTimeout <= 0 {
		opts.FlowTimeout = 30 * time.Second
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		slog.Warn("failed to remove memlock limit", "err", err)
	}

	spec := &ebpf.MapSpec{
		Name:       MapName,
		Type:       ebpf.Hash,
		KeySize:    uint32(binary.Size(FlowKey{})),
		ValueSize:  uint32(binary.Size(FlowValue{})),
		MaxEntries: uint32(opts.TableSize),
	}
	var mopts ebpf.MapOptions
	if opts.PinPath != "" {
		if err := os.MkdirAll(opts.PinPath, 0o700); err != nil {
			return nil, fmt.Errorf("create pin path: %w", err)
		}
		spec.Pinning = ebpf.PinByName
		mopts.PinPath = opts.PinPath
	}
	m, err := ebpf.NewMapWithOptions(spec, mopts)
	if err != nil {
		return nil, fmt.Errorf("create flow map: %w", err)
	}
	d, err := newDriver(m, opts)
	if err != nil {
		m.Close()
		return nil, err
	}
	if opts.PinPath != "" {
		slog.Info("flow map ready", "max_entries", opts.TableSize,
			"pinned", filepath.Join(opts.PinPath, MapName))
	} else {
		slog.Info("flow map ready", "max_entries", opts.TableSize)
	}
	return d, nil
}

// newDriver wraps m. A reopened pinned map may still hold entries from an
// earlier run, so new handles start above the largest one stored.
func newDriver(m *ebpf.Map, opts hwtable.Options) (*Driver, error) {
	var (
		key   FlowKey
		val   FlowValue
		maxID uint64
		n     int
	)
	iter := m.Iterate()
	for iter.Next(&key, &val) {
		maxID = max(maxID, val.Handle)
		n++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan flow map: %w", err)
	}
	if n > 0 {
		slog.Info("flow map holds entries from an earlier run", "entries", n, "max_handle", maxID)
	}
	return &Driver{
		opts:   opts,
		flows:  m,
		queues: make(map[hwtable.QueueID]*queue),
		nextID: maxID,
		now:    monotonicNanos,
	}, nil
}

// Map returns the underlying flow map.
func (d *Driver) Map() *ebpf.Map { return d.flows }

func (d *Driver) Open(q hwtable.QueueID) error {
	d.mu.Lock()
	if d.opts.Queues > 0 && int(q) >= d.opts.Queues {
		d.mu.Unlock()
		return fmt.Errorf("queue %d of %d: %w", q, d.opts.Queues, hwtable.ErrQueueUnavailable)
	}
	qs, ok := d.queues[q]
	if !ok {
		d.queues[q] = &queue{open: true, keys: make(map[uint64]flow.Key)}
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	if qs.open {
		return fmt.Errorf("queue %d already open: %w", q, hwtable.ErrQueueUnavailable)
	}
	qs.open = true
	return nil
}

// Release closes q. The handles of entries installed through q stay
// valid for the next Open.
func (d *Driver) Release(q hwtable.QueueID) error {
	qs, err := d.queue(q)
	if err != nil {
		return err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.open = false
	qs.pending = nil
	return nil
}

func (d *Driver) queue(q hwtable.QueueID) (*queue, error) {
	d.mu.Lock()
	qs, ok := d.queues[q]
	d.mu.Unlock()
	if ok {
		qs.mu.Lock()
		ok = qs.open
		qs.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("queue %d: %w", q, hwtable.ErrQueueNotOpen)
	}
	return qs, nil
}

func (d *Driver) Install(q hwtable.QueueID, m flow.Match, t flow.Target) (hwtable.Pending, error) {
	qs, err := d.queue(q)
	if err != nil {
		return 0, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.next++
	qs.pending = append(qs.pending, op{id: qs.next, kind: flow.OpInstall, match: m, target: t})
	return qs.next, nil
}

func (d *Driver) Remove(q hwtable.QueueID, h hwtable.Handle) (hwtable.Pending, error) {
	qs, err := d.queue(q)
	if err != nil {
		return 0, err
	}
	if h.Queue != q {
		return 0, fmt.Errorf("handle %s not owned by queue %d: %w", h, q, hwtable.ErrUnknownHandle)
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.next++
	qs.pending = append(qs.pending, op{id: qs.next, kind: flow.OpRemove, handle: h})
	return qs.next, nil
}

// Harvest writes the submitted operations to the map. Map updates are
// synchronous, so anything not written before the timeout stays queued
// for the next harvest.
func (d *Driver) Harvest(q hwtable.QueueID, timeout time.Duration, _ int) hwtable.BatchStatus {
	var st hwtable.BatchStatus
	qs, err := d.queue(q)
	if err != nil {
		return st
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()

	deadline := time.Now().Add(timeout)
	done := 0
	for _, o := range qs.pending {
		if timeout > 0 && done > 0 && time.Now().After(deadline) {
			break
		}
		st.Add(d.apply(q, qs, o))
		done++
	}
	qs.pending = append(qs.pending[:0], qs.pending[done:]...)
	st.InFlight = len(qs.pending)
	return st
}

func (d *Driver) apply(q hwtable.QueueID, qs *queue, o op) hwtable.Completion {
	c := hwtable.Completion{Pending: o.id, Op: o.kind}
	switch o.kind {
	case flow.OpInstall:
		c.Key = o.match.Key
		d.mu.Lock()
		d.nextID++
		id := d.nextID
		d.mu.Unlock()

		now := d.now()
		val := FlowValue{
			Handle:       id,
			Queue:        uint16(q),
			InPort:       uint16(o.match.InPort),
			OutPort:      uint16(o.target.Port),
			HairpinQueue: o.target.HairpinQueue,
			HairpinCount: o.target.HairpinCount,
			Installed:    now,
			LastHit:      now,
		}
		if err := d.flows.Update(toBPFKey(o.match.Key), val, ebpf.UpdateNoExist); err != nil {
			c.Err = classify(err)
			return c
		}
		qs.keys[id] = o.match.Key
		c.Handle = hwtable.Handle{Queue: q, ID: id}
	case flow.OpRemove:
		c.Handle = o.handle
		key, ok := qs.keys[o.handle.ID]
		if !ok {
			c.Err = hwtable.ErrUnknownHandle
			return c
		}
		c.Key = key
		bk := toBPFKey(key)
		var val FlowValue
		if err := d.flows.Lookup(bk, &val); err != nil || val.Handle != o.handle.ID {
			// Entry already gone from the map (or replaced): nothing to
			// delete, but the handle is dead either way.
			delete(qs.keys, o.handle.ID)
			c.Err = hwtable.ErrUnknownHandle
			return c
		}
		if err := d.flows.Delete(bk); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			c.Err = err
			return c
		}
		delete(qs.keys, o.handle.ID)
	}
	return c
}

func classify(err error) error {
	switch {
	case errors.Is(err, ebpf.ErrKeyExist):
		return hwtable.ErrEntryExists
	case errors.Is(err, unix.E2BIG):
		return hwtable.ErrTableFull
	default:
		return err
	}
}

// AgeSweep deletes entries owned by q whose last hit is older than the
// flow timeout. The walk resumes at the key the previous sweep of q
// stopped at, wraps at the end of the map, and ends once budget is spent
// or every entry has been visited.
func (d *Driver) AgeSweep(q hwtable.QueueID, budget time.Duration) ([]hwtable.Aged, error) {
	qs, err := d.queue(q)
	if err != nil {
		return nil, err
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()

	start := time.Now()
	now := d.now()
	timeout := uint64(d.opts.FlowTimeout.Nanoseconds())

	first, ok, err := d.sweepStart(qs)
	if err != nil || !ok {
		return nil, err
	}
	var (
		val      FlowValue
		expired  []hwtable.Aged
		toDelete []FlowKey
	)
	key := first
	limit := int(d.flows.MaxEntries())
	for visited := 1; ; visited++ {
		if err := d.flows.Lookup(key, &val); err == nil && val.Queue == uint16(q) && val.LastHit+timeout < now {
			expired = append(expired, hwtable.Aged{
				Key:    fromBPFKey(key),
				Handle: hwtable.Handle{Queue: q, ID: val.Handle},
				Counters: hwtable.Counters{
					Packets: val.Packets,
					Bytes:   val.Bytes,
					LastHit: time.Duration(now - val.LastHit),
				},
			})
			toDelete = append(toDelete, key)
		}
		next, ok, err := d.nextKey(&key)
		if err != nil {
			return nil, err
		}
		if !ok {
			qs.cursor = nil
			break
		}
		if next == first || visited >= limit || (budget > 0 && time.Since(start) > budget) {
			qs.cursor = &next
			break
		}
		key = next
	}

	aged := expired[:0]
	for i, k := range toDelete {
		if err := d.flows.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			slog.Debug("flow aging delete failed", "queue", q, "err", err)
			continue
		}
		// Entries from an earlier run are not in keys.
		if id := expired[i].Handle.ID; qs.keys[id] == expired[i].Key {
			delete(qs.keys, id)
		}
		aged = append(aged, expired[i])
	}
	return aged, nil
}

// sweepStart returns the saved cursor of qs if that key is still in the
// map, otherwise the first key. ok is false for an empty map.
func (d *Driver) sweepStart(qs *queue) (FlowKey, bool, error) {
	if qs.cursor != nil {
		var val FlowValue
		if err := d.flows.Lookup(*qs.cursor, &val); err == nil {
			return *qs.cursor, true, nil
		}
	}
	return d.nextKey(nil)
}

// nextKey returns the key after k in map order, wrapping to the first key
// after the last one. A nil k asks for the first key. ok is false for an
// empty map.
func (d *Driver) nextKey(k *FlowKey) (FlowKey, bool, error) {
	var next FlowKey
	if k != nil {
		err := d.flows.NextKey(*k, &next)
		if err == nil {
			return next, true, nil
		}
		if !errors.Is(err, ebpf.ErrKeyNotExist) {
			return FlowKey{}, false, fmt.Errorf("next flow key: %w", err)
		}
	}
	err := d.flows.NextKey(nil, &next)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return FlowKey{}, false, nil
	}
	if err != nil {
		return FlowKey{}, false, fmt.Errorf("first flow key: %w", err)
	}
	return next, true, nil
}

func (d *Driver) Query(q hwtable.QueueID, h hwtable.Handle) (hwtable.Counters, error) {
	qs, err := d.queue(q)
	if err != nil {
		return hwtable.Counters{}, err
	}
	qs.mu.Lock()
	key, ok := qs.keys[h.ID]
	qs.mu.Unlock()
	if !ok {
		return hwtable.Counters{}, hwtable.ErrUnknownHandle
	}
	var val FlowValue
	if err := d.flows.Lookup(toBPFKey(key), &val); err != nil || val.Handle != h.ID {
		return hwtable.Counters{}, hwtable.ErrUnknownHandle
	}
	var idle time.Duration
	if now := d.now(); now > val.LastHit {
		idle = time.Duration(now - val.LastHit)
	}
	return hwtable.Counters{Packets: val.Packets, Bytes: val.Bytes, LastHit: idle}, nil
}

// Close releases the map. A pinned map, and the fast path's view of it,
// survives until unpinned.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.queues = make(map[hwtable.QueueID]*queue)
	d.mu.Unlock()
	return d.flows.Close()
}

// monotonicNanos returns CLOCK_MONOTONIC in nanoseconds, the clock
// bpf_ktime_get_ns() reads.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Nano())
}

// htons swaps a uint16 between host and network byte order.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
