//go:build linux

package bpfmap

import (
	"encoding/binary"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
)

// baseTime is the fake CLOCK_MONOTONIC value tests start at.
const baseTime = uint64(1) << 40

func key(port uint16) flow.Key {
	return flow.Key{
		SrcIP:    [4]byte{10, 2, 0, 1},
		DstIP:    [4]byte{10, 2, 0, 2},
		SrcPort:  port,
		DstPort:  443,
		Protocol: flow.ProtoTCP,
	}
}

// newTestDriver creates an unpinned flow map with queue 0 open and a
// fixed clock. Creating a map needs CAP_BPF; without it the test is
// skipped.
func newTestDriver(t *testing.T, size int) *Driver {
	t.Helper()
	d, err := New(hwtable.Options{Queues: 2, TableSize: size, FlowTimeout: 30 * time.Second})
	if err != nil {
		t.Skipf("flow map unavailable: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	d.now = func() uint64 { return baseTime }
	if err := d.Open(0); err != nil {
		t.Fatal(err)
	}
	return d
}

func install(t *testing.T, d *Driver, k flow.Key) hwtable.Handle {
	t.Helper()
	p, err := d.Install(0, flow.Match{Key: k, InPort: 1}, flow.Target{Port: 2, HairpinQueue: 4, HairpinCount: 2})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	st := d.Harvest(0, 0, 1)
	if len(st.Completions) != 1 || st.Completions[0].Pending != p {
		t.Fatalf("install status = %+v", st)
	}
	if err := st.Completions[0].Err; err != nil {
		t.Fatalf("install %s: %v", k, err)
	}
	return st.Completions[0].Handle
}

func remove(t *testing.T, d *Driver, h hwtable.Handle) error {
	t.Helper()
	if _, err := d.Remove(0, h); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	st := d.Harvest(0, 0, 1)
	if len(st.Completions) != 1 {
		t.Fatalf("remove status = %+v", st)
	}
	return st.Completions[0].Err
}

// backdate makes the entry for k look idle since boot.
func backdate(t *testing.T, d *Driver, k flow.Key) {
	t.Helper()
	var val FlowValue
	if err := d.flows.Lookup(toBPFKey(k), &val); err != nil {
		t.Fatalf("lookup %s: %v", k, err)
	}
	val.LastHit = 0
	if err := d.flows.Put(toBPFKey(k), val); err != nil {
		t.Fatal(err)
	}
}

func inMap(d *Driver, k flow.Key) bool {
	var val FlowValue
	return d.flows.Lookup(toBPFKey(k), &val) == nil
}

func TestKeyByteOrder(t *testing.T) {
	k := flow.Key{
		SrcIP:    [4]byte{10, 0, 0, 1},
		DstIP:    [4]byte{10, 0, 0, 2},
		SrcPort:  1000,
		DstPort:  443,
		Protocol: flow.ProtoTCP,
	}
	bk := toBPFKey(k)

	tests := []struct {
		name string
		v    uint16
		want [2]byte
	}{
		{"source port", bk.SrcPort, [2]byte{0x03, 0xe8}},
		{"destination port", bk.DstPort, [2]byte{0x01, 0xbb}},
	}
	for _, tt := range tests {
		var b [2]byte
		binary.NativeEndian.PutUint16(b[:], tt.v)
		if b != tt.want {
			t.Errorf("%s in memory = % x, want % x", tt.name, b, tt.want)
		}
	}
	if bk.SrcIP != k.SrcIP || bk.DstIP != k.DstIP {
		t.Errorf("addresses changed: %+v", bk)
	}
	if got := fromBPFKey(bk); got != k {
		t.Errorf("round trip = %s, want %s", got, k)
	}
}

func TestInstallRemove(t *testing.T) {
	d := newTestDriver(t, 16)
	k := key(1)
	h := install(t, d, k)
	if h.Queue != 0 || h.ID == 0 {
		t.Fatalf("handle = %s", h)
	}

	var val FlowValue
	if err := d.flows.Lookup(toBPFKey(k), &val); err != nil {
		t.Fatalf("entry not in map: %v", err)
	}
	if val.Handle != h.ID || val.Queue != 0 || val.InPort != 1 || val.OutPort != 2 ||
		val.HairpinQueue != 4 || val.HairpinCount != 2 || val.LastHit != baseTime {
		t.Errorf("value = %+v", val)
	}
	if _, err := d.Query(0, h); err != nil {
		t.Errorf("Query: %v", err)
	}

	if err := remove(t, d, h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if inMap(d, k) {
		t.Error("entry survived removal")
	}
	if err := remove(t, d, h); !errors.Is(err, hwtable.ErrUnknownHandle) {
		t.Errorf("second remove err = %v, want ErrUnknownHandle", err)
	}
}

func TestInstallErrors(t *testing.T) {
	d := newTestDriver(t, 2)
	install(t, d, key(1))
	install(t, d, key(2))

	tests := []struct {
		name string
		k    flow.Key
		want error
	}{
		{"existing key", key(1), hwtable.ErrEntryExists},
		{"full table", key(3), hwtable.ErrTableFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Install(0, flow.Match{Key: tt.k}, flow.Target{}); err != nil {
				t.Fatal(err)
			}
			st := d.Harvest(0, 0, 1)
			if len(st.Completions) != 1 || !errors.Is(st.Completions[0].Err, tt.want) {
				t.Fatalf("status = %+v, want %v", st, tt.want)
			}
		})
	}
}

func TestRemoveReplacedEntry(t *testing.T) {
	d := newTestDriver(t, 16)
	k := key(1)
	h := install(t, d, k)

	// Something else now owns the key.
	var val FlowValue
	if err := d.flows.Lookup(toBPFKey(k), &val); err != nil {
		t.Fatal(err)
	}
	val.Handle = h.ID + 100
	if err := d.flows.Put(toBPFKey(k), val); err != nil {
		t.Fatal(err)
	}

	if err := remove(t, d, h); !errors.Is(err, hwtable.ErrUnknownHandle) {
		t.Fatalf("remove err = %v, want ErrUnknownHandle", err)
	}
	if !inMap(d, k) {
		t.Error("replacement entry was deleted")
	}
}

func TestHarvestStopsAtTimeout(t *testing.T) {
	d := newTestDriver(t, 16)
	for i := uint16(1); i <= 5; i++ {
		if _, err := d.Install(0, flow.Match{Key: key(i)}, flow.Target{}); err != nil {
			t.Fatal(err)
		}
	}
	st := d.Harvest(0, time.Nanosecond, 5)
	if st.Processed != 1 || st.InFlight != 4 {
		t.Fatalf("first harvest = %d processed %d in flight, want 1 and 4", st.Processed, st.InFlight)
	}
	st = d.Harvest(0, 0, 4)
	if st.Processed != 4 || st.InFlight != 0 || st.Failed {
		t.Fatalf("second harvest = %+v", st)
	}
}

func TestAgeSweep(t *testing.T) {
	d := newTestDriver(t, 16)
	idle, busy := key(1), key(2)
	hIdle := install(t, d, idle)
	install(t, d, busy)
	backdate(t, d, idle)

	aged, err := d.AgeSweep(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(aged) != 1 || aged[0].Key != idle || aged[0].Handle != hIdle {
		t.Fatalf("aged = %+v, want only %s", aged, idle)
	}
	if inMap(d, idle) || !inMap(d, busy) {
		t.Error("sweep evicted the wrong entries")
	}
	if _, err := d.Query(0, hIdle); !errors.Is(err, hwtable.ErrUnknownHandle) {
		t.Errorf("Query of aged handle: %v", err)
	}

	// Entries of other queues are not this queue's to age.
	if err := d.Open(1); err != nil {
		t.Fatal(err)
	}
	backdate(t, d, busy)
	if aged, _ := d.AgeSweep(1, 0); len(aged) != 0 {
		t.Errorf("queue 1 aged %+v", aged)
	}
}

func TestAgeSweepResumes(t *testing.T) {
	const n = 100
	d := newTestDriver(t, 256)
	for i := uint16(1); i <= n; i++ {
		install(t, d, key(i))
	}

	// Stale entry at the far end of the map's walk order.
	var (
		k, last FlowKey
		val     FlowValue
	)
	iter := d.flows.Iterate()
	for iter.Next(&k, &val) {
		last = k
	}
	if err := iter.Err(); err != nil {
		t.Fatal(err)
	}
	stale := fromBPFKey(last)
	backdate(t, d, stale)

	// A nanosecond budget stops each sweep after one entry.
	for sweep := 1; sweep <= n; sweep++ {
		aged, err := d.AgeSweep(0, time.Nanosecond)
		if err != nil {
			t.Fatal(err)
		}
		if len(aged) == 0 {
			continue
		}
		if sweep == 1 {
			t.Error("first sweep reached the end of the map")
		}
		if aged[0].Key != stale {
			t.Fatalf("aged %s, want %s", aged[0].Key, stale)
		}
		return
	}
	t.Fatalf("stale entry not evicted after %d sweeps", n)
}

func TestReopenedMapKeepsHandlesUnique(t *testing.T) {
	d1 := newTestDriver(t, 16)
	old, live := key(1), key(2)
	hOld := install(t, d1, old)

	// A second driver over the same map, as after a restart with a pin.
	m, err := d1.Map().Clone()
	if err != nil {
		t.Fatal(err)
	}
	d2, err := newDriver(m, d1.opts)
	if err != nil {
		m.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() { d2.Close() })
	d2.now = d1.now
	if err := d2.Open(0); err != nil {
		t.Fatal(err)
	}
	hLive := install(t, d2, live)
	if hLive.ID <= hOld.ID {
		t.Fatalf("reopened driver handed out %s, not above %s", hLive, hOld)
	}

	backdate(t, d2, old)
	aged, err := d2.AgeSweep(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(aged) != 1 || aged[0].Key != old {
		t.Fatalf("aged = %+v", aged)
	}
	if err := remove(t, d2, hLive); err != nil {
		t.Fatalf("remove of live entry: %v", err)
	}
	if inMap(d2, live) {
		t.Error("live entry left in the map")
	}
}

func TestReleaseKeepsHandles(t *testing.T) {
	d := newTestDriver(t, 16)
	h := install(t, d, key(1))
	if err := d.Release(0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Install(0, flow.Match{Key: key(2)}, flow.Target{}); !errors.Is(err, hwtable.ErrQueueNotOpen) {
		t.Fatalf("Install on released queue: %v", err)
	}
	if err := d.Open(0); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := remove(t, d, h); err != nil {
		t.Fatalf("remove after reopen: %v", err)
	}
}

func TestPinnedMapSurvivesClose(t *testing.T) {
	dir, err := os.MkdirTemp("/sys/fs/bpf", "flowoffload-test-")
	if err != nil {
		t.Skipf("bpffs unavailable: %v", err)
	}
	defer os.RemoveAll(dir)
	opts := hwtable.Options{Queues: 1, TableSize: 16, PinPath: dir}

	d1, err := New(opts)
	if err != nil {
		t.Skipf("flow map unavailable: %v", err)
	}
	if err := d1.Open(0); err != nil {
		t.Fatal(err)
	}
	h1 := install(t, d1, key(1))
	if err := d1.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		d2.Map().Unpin()
		d2.Close()
	}()
	if !inMap(d2, key(1)) {
		t.Fatal("pinned entry lost across reopen")
	}
	if err := d2.Open(0); err != nil {
		t.Fatal(err)
	}
	if h2 := install(t, d2, key(2)); h2.ID <= h1.ID {
		t.Errorf("handle %s reused after reopen (had %s)", h2, h1)
	}
}
