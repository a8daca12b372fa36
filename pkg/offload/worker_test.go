package offload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
	"github.com/psaab/flowoffload/pkg/hwtable/sim"
	"github.com/psaab/flowoffload/pkg/logging"
)

func testKey(srcPort uint16) flow.Key {
	return flow.Key{
		SrcIP:    [4]byte{10, 0, 0, 1},
		DstIP:    [4]byte{10, 0, 0, 2},
		SrcPort:  srcPort,
		DstPort:  80,
		Protocol: flow.ProtoTCP,
	}
}

func installReq(k flow.Key) flow.Request {
	return flow.Request{
		Op:     flow.OpInstall,
		Match:  flow.Match{Key: k, InPort: 0},
		Target: flow.Target{Port: 1},
	}
}

func removeReq(k flow.Key) flow.Request {
	return flow.Request{Op: flow.OpRemove, Match: flow.Match{Key: k}}
}

func newTestWorker(t *testing.T, cfg Config) (*Worker, *sim.Driver) {
	t.Helper()
	drv := sim.New(hwtable.Options{Queues: 2})
	if cfg.AgingInterval == 0 {
		cfg.AgingInterval = -1
	}
	w := NewWorker(0, 0, drv, cfg)
	if err := w.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w, drv
}

func TestRoundTripLifecycle(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	k := testKey(1000)

	if !w.EnqueueInstall(installReq(k)) {
		t.Fatal("install enqueue rejected")
	}
	w.Step()

	e, ok := w.Table().Lookup(k)
	if !ok {
		t.Fatal("entry not in table after install")
	}
	if e.State != Active {
		t.Fatalf("state = %s, want active", e.State)
	}
	if e.Handle.IsZero() {
		t.Fatal("active entry has zero handle")
	}
	if e.Shard != 0 {
		t.Errorf("shard = %d, want 0", e.Shard)
	}

	// Fail the first removal so the intermediate state is observable.
	drv.FailRemove(k, errors.New("firmware busy"))
	w.EnqueueRemove(removeReq(k))
	w.Step()

	e, ok = w.Table().Lookup(k)
	if !ok || e.State != PendingRemove {
		t.Fatalf("after failed remove: ok=%v state=%s, want pending-remove", ok, e.State)
	}
	if st := w.Stats(); st.PendingRemove != 1 || st.FailedTotal != 1 {
		t.Fatalf("pending_remove=%d failed=%d, want 1 and 1", st.PendingRemove, st.FailedTotal)
	}

	drv.FailRemove(k, nil)
	w.EnqueueRemove(removeReq(k))
	w.Step()

	if _, ok := w.Table().Lookup(k); ok {
		t.Fatal("entry still in table after retire")
	}
	if drv.Installed(k) {
		t.Fatal("hardware still holds entry")
	}
	st := w.Stats()
	if st.InstalledTotal != 1 || st.RemovedTotal != 1 || st.Active != 0 || st.PendingRemove != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRemoveBeforeInstallSkipped(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	events := logging.NewEventBuffer(8)
	w.SetEventSink(events)

	w.EnqueueRemove(removeReq(testKey(1)))
	w.Step()

	if w.Table().Len() != 0 {
		t.Fatalf("table len = %d, want 0", w.Table().Len())
	}
	if drv.Len() != 0 {
		t.Fatalf("hardware len = %d, want 0", drv.Len())
	}
	if got := w.Stats().RemoveMiss; got != 1 {
		t.Errorf("remove_miss = %d, want 1", got)
	}
	recs := events.Latest(1)
	if len(recs) != 1 || recs[0].Type != logging.EventRemoveMiss {
		t.Errorf("events = %+v, want one REMOVE_MISS", recs)
	}
}

func TestBatchPartialSuccess(t *testing.T) {
	w, drv := newTestWorker(t, Config{BatchSize: 16})
	const n = 8
	failing := map[uint16]bool{2: true, 5: true, 7: true}
	for i := uint16(0); i < n; i++ {
		k := testKey(i)
		if failing[i] {
			drv.FailInstall(k, hwtable.ErrTableFull)
		}
		w.EnqueueInstall(installReq(k))
	}
	w.Step()

	m := n - len(failing)
	if w.Table().Len() != m {
		t.Fatalf("table len = %d, want %d", w.Table().Len(), m)
	}
	w.Table().Range(func(e Entry) bool {
		if e.State != Active {
			t.Errorf("%s in state %s", e.Key, e.State)
		}
		return true
	})
	st := w.Stats()
	if st.Active != uint64(m) || st.InstalledTotal != uint64(m) {
		t.Errorf("active=%d installed=%d, want %d", st.Active, st.InstalledTotal, m)
	}
	if st.FailedTotal != uint64(len(failing)) {
		t.Errorf("failed = %d, want %d", st.FailedTotal, len(failing))
	}
}

func TestHarvestTimeoutAndOrphans(t *testing.T) {
	w, drv := newTestWorker(t, Config{BatchSize: 16})
	const n = 8
	drv.Stall(2, 1)
	for i := uint16(0); i < n; i++ {
		w.EnqueueInstall(installReq(testKey(i)))
	}
	w.Step()

	st := w.Stats()
	if st.Active != n-2 || st.HarvestTimeouts != 2 || st.FailedTotal != 2 {
		t.Fatalf("after timed out harvest: %+v", st)
	}
	w.Table().Range(func(e Entry) bool {
		if e.State != Active {
			t.Errorf("%s in state %s", e.Key, e.State)
		}
		return true
	})

	// The stalled installs complete on the next harvest and are removed
	// as orphans; the removals complete on the one after.
	w.Step()
	if got := w.Stats().Orphaned; got != 2 {
		t.Fatalf("orphaned = %d, want 2", got)
	}
	w.Step()
	if drv.Len() != n-2 {
		t.Fatalf("hardware len = %d, want %d", drv.Len(), n-2)
	}
	if w.Table().Len() != n-2 {
		t.Fatalf("table len = %d, want %d", w.Table().Len(), n-2)
	}
}

func TestAgingReconcilesTable(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	const n = 5
	for i := uint16(0); i < n; i++ {
		w.EnqueueInstall(installReq(testKey(i)))
	}
	w.Step()

	evicted := []flow.Key{testKey(1), testKey(3)}
	for _, k := range evicted {
		if !drv.Expire(k) {
			t.Fatalf("expire %s: not installed", k)
		}
	}
	before := w.Table().Active()
	w.Age()

	if got := before - w.Table().Active(); got != len(evicted) {
		t.Fatalf("active dropped by %d, want %d", got, len(evicted))
	}
	for _, k := range evicted {
		if _, ok := w.Table().Lookup(k); ok {
			t.Errorf("%s still in table after aging", k)
		}
	}
	st := w.Stats()
	if st.AgedTotal != uint64(len(evicted)) || st.StaleAged != 0 {
		t.Errorf("aged=%d stale=%d", st.AgedTotal, st.StaleAged)
	}

	// A remove for an aged flow is now a clean miss.
	w.EnqueueRemove(removeReq(testKey(1)))
	w.Step()
	if got := w.Stats().RemoveMiss; got != 1 {
		t.Errorf("remove_miss = %d, want 1", got)
	}
}

func TestRetireEventsCarryCounters(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	events := logging.NewEventBuffer(16)
	w.SetEventSink(events)

	removed, aged := testKey(10), testKey(11)
	w.EnqueueInstall(installReq(removed))
	w.EnqueueInstall(installReq(aged))
	w.Step()
	drv.Hit(removed, 100)
	drv.Hit(removed, 100)
	drv.Hit(aged, 60)

	w.EnqueueRemove(removeReq(removed))
	w.Step()
	drv.Expire(aged)
	w.Age()

	tests := []struct {
		typ            string
		packets, bytes uint64
	}{
		{logging.EventRemoved, 2, 200},
		{logging.EventAged, 1, 60},
	}
	for _, tt := range tests {
		recs := events.LatestFiltered(1, logging.EventFilter{Type: tt.typ})
		if len(recs) != 1 {
			t.Fatalf("no %s event", tt.typ)
		}
		rec := recs[0]
		if rec.Packets != tt.packets || rec.Bytes != tt.bytes {
			t.Errorf("%s counters = %d/%d, want %d/%d", tt.typ, rec.Packets, rec.Bytes, tt.packets, tt.bytes)
		}
		if rec.Installed.IsZero() {
			t.Errorf("%s event has no install time", tt.typ)
		}
	}
}

func TestAgingCadence(t *testing.T) {
	w, drv := newTestWorker(t, Config{AgingInterval: 3})
	k := testKey(42)
	w.EnqueueInstall(installReq(k))
	w.Step() // iteration 1
	drv.Expire(k)

	w.Step() // iteration 2
	if _, ok := w.Table().Lookup(k); !ok {
		t.Fatal("aged before the aging interval elapsed")
	}
	w.Step() // iteration 3
	if _, ok := w.Table().Lookup(k); ok {
		t.Fatal("not aged on the aging interval")
	}
}

func TestAgingStaleEntry(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	k := testKey(7)

	// Program the hardware behind the worker's back.
	if _, err := drv.Install(0, flow.Match{Key: k}, flow.Target{Port: 1}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	drv.Harvest(0, 0, 1)
	drv.Expire(k)

	w.Age()
	if got := w.Stats().StaleAged; got != 1 {
		t.Errorf("stale_aged = %d, want 1", got)
	}
	if w.Table().Len() != 0 {
		t.Errorf("table len = %d, want 0", w.Table().Len())
	}
}

func TestQueueCapacityDropsBurst(t *testing.T) {
	w, _ := newTestWorker(t, Config{QueueSize: 4})
	accepted := 0
	for i := uint16(0); i < 10; i++ {
		if w.EnqueueInstall(installReq(testKey(i))) {
			accepted++
		}
	}
	if accepted != 4 {
		t.Fatalf("accepted = %d, want 4", accepted)
	}
	if got := w.Stats().InstallDropped; got != 6 {
		t.Fatalf("install_dropped = %d, want 6", got)
	}
	w.Step()
	if w.Table().Len() != 4 {
		t.Errorf("table len = %d, want 4", w.Table().Len())
	}
}

func TestRemoveThenInstallInstallWins(t *testing.T) {
	w, _ := newTestWorker(t, Config{})
	k := testKey(9)

	w.EnqueueRemove(removeReq(k))
	w.EnqueueInstall(installReq(k))
	w.Step()

	e, ok := w.Table().Lookup(k)
	if !ok || e.State != Active {
		t.Fatalf("ok=%v state=%s, want active", ok, e.State)
	}
	if got := w.Stats().RemoveMiss; got != 1 {
		t.Errorf("remove_miss = %d, want 1", got)
	}
}

func TestDuplicateInstallsSkipped(t *testing.T) {
	w, drv := newTestWorker(t, Config{})
	k := testKey(5)

	w.EnqueueInstall(installReq(k))
	w.EnqueueInstall(installReq(k))
	w.Step()
	w.EnqueueInstall(installReq(k))
	w.Step()

	if got := w.Stats().Duplicate; got != 2 {
		t.Errorf("duplicate = %d, want 2", got)
	}
	if got := w.Stats().InstalledTotal; got != 1 {
		t.Errorf("installed = %d, want 1", got)
	}
	if drv.Len() != 1 {
		t.Errorf("hardware len = %d, want 1", drv.Len())
	}
}

func TestTwoShards(t *testing.T) {
	router, err := flow.NewRouter(2)
	if err != nil {
		t.Fatal(err)
	}
	drv := sim.New(hwtable.Options{Queues: 2})
	workers := []*Worker{
		NewWorker(0, 0, drv, Config{AgingInterval: -1}),
		NewWorker(1, 1, drv, Config{AgingInterval: -1}),
	}
	for _, w := range workers {
		if err := w.Open(); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	// Find keys A, B, C, D on shards 0, 1, 0, 1.
	want := []int{0, 1, 0, 1}
	var keys []flow.Key
	for port := uint16(1); len(keys) < len(want); port++ {
		k := testKey(port)
		if router.ShardFor(k) == want[len(keys)] {
			keys = append(keys, k)
		}
	}
	a, b, c, d := keys[0], keys[1], keys[2], keys[3]

	for _, k := range keys {
		workers[router.ShardFor(k)].EnqueueInstall(installReq(k))
	}
	for _, w := range workers {
		w.Step()
	}
	for _, k := range []flow.Key{a, c} {
		workers[router.ShardFor(k)].EnqueueRemove(removeReq(k))
	}
	for _, w := range workers {
		w.Step()
	}

	if n := workers[0].Table().Len(); n != 0 {
		t.Errorf("shard 0 len = %d, want 0", n)
	}
	if n := workers[1].Table().Len(); n != 2 {
		t.Errorf("shard 1 len = %d, want 2", n)
	}
	for _, k := range []flow.Key{b, d} {
		if _, ok := workers[1].Table().Lookup(k); !ok {
			t.Errorf("shard 1 missing %s", k)
		}
	}
}

func TestOpenFailure(t *testing.T) {
	drv := sim.New(hwtable.Options{Queues: 2})
	drv.BreakQueue(1)
	w := NewWorker(1, 1, drv, Config{})
	err := w.Open()
	if !errors.Is(err, hwtable.ErrQueueUnavailable) {
		t.Fatalf("Open err = %v, want ErrQueueUnavailable", err)
	}
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("Run on unopened worker succeeded")
	}
}

// submitFailDriver rejects every submission.
type submitFailDriver struct {
	hwtable.Driver
}

func (submitFailDriver) Open(hwtable.QueueID) error { return nil }

func (submitFailDriver) Install(hwtable.QueueID, flow.Match, flow.Target) (hwtable.Pending, error) {
	return 0, hwtable.ErrQueueNotOpen
}

func TestInstallSubmitError(t *testing.T) {
	w := NewWorker(0, 0, submitFailDriver{}, Config{AgingInterval: -1})
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	w.EnqueueInstall(installReq(testKey(1)))
	w.Step()
	if got := w.Stats().FailedTotal; got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if w.Table().Len() != 0 {
		t.Errorf("table len = %d, want 0", w.Table().Len())
	}
}

func TestRunServesFlows(t *testing.T) {
	w, drv := newTestWorker(t, Config{IdleYield: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	k := testKey(2000)
	w.EnqueueInstall(installReq(k))
	deadline := time.Now().Add(5 * time.Second)
	for w.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatal("flow never became active")
		}
		time.Sleep(time.Millisecond)
	}
	drv.Hit(k, 1500)

	qctx, qcancel := context.WithTimeout(ctx, 5*time.Second)
	defer qcancel()
	flows, err := w.Flows(qctx, 0)
	if err != nil {
		t.Fatalf("Flows: %v", err)
	}
	if len(flows) != 1 || flows[0].Key != k {
		t.Fatalf("flows = %+v", flows)
	}
	if flows[0].Counters.Packets != 1 || flows[0].Counters.Bytes != 1500 {
		t.Errorf("counters = %+v", flows[0].Counters)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestFlowsAfterStopDoesNotBlock(t *testing.T) {
	w, _ := newTestWorker(t, Config{IdleYield: true})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	cancel()
	<-w.Done()

	res := make(chan error, 1)
	go func() {
		// No deadline: only the stopped worker can end the wait.
		_, err := w.Flows(context.Background(), 0)
		res <- err
	}()
	select {
	case err := <-res:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Flows error = %v, want ErrStopped", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Flows blocked on a stopped worker")
	}
}
