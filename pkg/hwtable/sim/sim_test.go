package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
)

func key(port uint16) flow.Key {
	return flow.Key{
		SrcIP:    [4]byte{10, 1, 0, 1},
		DstIP:    [4]byte{10, 1, 0, 2},
		SrcPort:  port,
		DstPort:  443,
		Protocol: flow.ProtoTCP,
	}
}

func TestInstallHarvestRemove(t *testing.T) {
	d := New(hwtable.Options{Queues: 1, TableSize: 2})
	if err := d.Open(0); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(0); !errors.Is(err, hwtable.ErrQueueUnavailable) {
		t.Fatalf("second Open: %v", err)
	}
	if err := d.Open(1); !errors.Is(err, hwtable.ErrQueueUnavailable) {
		t.Fatalf("Open beyond queue count: %v", err)
	}

	for i := uint16(1); i <= 3; i++ {
		if _, err := d.Install(0, flow.Match{Key: key(i)}, flow.Target{Port: 1}); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}
	st := d.Harvest(0, time.Millisecond, 3)
	if st.Processed != 3 || st.InFlight != 0 || !st.Failed {
		t.Fatalf("status = %+v", st)
	}
	if !errors.Is(st.Completions[2].Err, hwtable.ErrTableFull) {
		t.Fatalf("third install err = %v, want ErrTableFull", st.Completions[2].Err)
	}

	h := st.Completions[0].Handle
	if _, err := d.Remove(0, h); err != nil {
		t.Fatal(err)
	}
	st = d.Harvest(0, time.Millisecond, 1)
	if st.Processed != 1 || st.Failed {
		t.Fatalf("remove status = %+v", st)
	}
	if d.Installed(key(1)) {
		t.Error("entry survived removal")
	}

	if _, err := d.Remove(0, h); err != nil {
		t.Fatal(err)
	}
	st = d.Harvest(0, time.Millisecond, 1)
	if !errors.Is(st.Completions[0].Err, hwtable.ErrUnknownHandle) {
		t.Errorf("double remove err = %v", st.Completions[0].Err)
	}
}

func TestStallAndAging(t *testing.T) {
	now := time.Unix(1000, 0)
	d := New(hwtable.Options{Queues: 1, FlowTimeout: 10 * time.Second})
	d.SetClock(func() time.Time { return now })
	if err := d.Open(0); err != nil {
		t.Fatal(err)
	}

	d.Stall(1, 1)
	d.Install(0, flow.Match{Key: key(1)}, flow.Target{})
	d.Install(0, flow.Match{Key: key(2)}, flow.Target{})
	st := d.Harvest(0, 0, 2)
	if st.Processed != 1 || st.InFlight != 1 {
		t.Fatalf("stalled harvest = %+v", st)
	}
	st = d.Harvest(0, 0, 1)
	if st.Processed != 1 || st.Completions[0].Key != key(1) {
		t.Fatalf("late harvest = %+v", st)
	}

	now = now.Add(5 * time.Second)
	d.Hit(key(2), 100)
	now = now.Add(6 * time.Second)
	aged, err := d.AgeSweep(0, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(aged) != 1 || aged[0].Key != key(1) {
		t.Fatalf("aged = %+v, want only %s", aged, key(1))
	}
	if d.Len() != 1 {
		t.Errorf("len = %d, want 1", d.Len())
	}
}

func TestRegistered(t *testing.T) {
	drv, err := hwtable.New(hwtable.BackendSim, hwtable.Options{Queues: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := drv.(*Driver); !ok {
		t.Fatalf("got %T", drv)
	}
}

func TestReleaseAndRepair(t *testing.T) {
	d := New(hwtable.Options{Queues: 2})
	d.BreakQueue(1)
	if err := d.Open(1); !errors.Is(err, hwtable.ErrQueueUnavailable) {
		t.Fatalf("Open of broken queue: %v", err)
	}
	d.RepairQueue(1)
	if err := d.Open(1); err != nil {
		t.Fatalf("Open after repair: %v", err)
	}

	if _, err := d.Install(1, flow.Match{Key: key(1)}, flow.Target{}); err != nil {
		t.Fatal(err)
	}
	if err := d.Release(1); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Install(1, flow.Match{Key: key(2)}, flow.Target{}); !errors.Is(err, hwtable.ErrQueueNotOpen) {
		t.Fatalf("Install on released queue: %v", err)
	}
	if err := d.Open(1); err != nil {
		t.Fatalf("Open after release: %v", err)
	}
	if st := d.Harvest(1, 0, 1); st.Processed != 0 || d.Installed(key(1)) {
		t.Errorf("submission survived release: %+v", st)
	}
}
