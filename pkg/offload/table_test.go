package offload

import (
	"errors"
	"testing"

	"github.com/psaab/flowoffload/pkg/hwtable"
)

func TestTableTransitions(t *testing.T) {
	tbl := NewTable(3)
	k := testKey(1)
	h := hwtable.Handle{Queue: 3, ID: 17}

	if _, err := tbl.markPendingRemove(k); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("markPendingRemove on empty table: %v", err)
	}
	if err := tbl.activate(Entry{Key: k, Handle: h, State: Requested}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := tbl.activate(Entry{Key: k, Handle: h, State: Requested}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("second activate: %v", err)
	}
	e, _ := tbl.Lookup(k)
	if e.State != Active || e.Shard != 3 {
		t.Fatalf("entry = %+v", e)
	}

	got, err := tbl.markPendingRemove(k)
	if err != nil || got != h {
		t.Fatalf("markPendingRemove = %v, %v", got, err)
	}
	if _, err := tbl.markPendingRemove(k); err != nil {
		t.Fatalf("retry markPendingRemove: %v", err)
	}
	if tbl.PendingRemove() != 1 || tbl.Active() != 0 {
		t.Fatalf("pending=%d active=%d", tbl.PendingRemove(), tbl.Active())
	}

	if _, err := tbl.retire(k, hwtable.Handle{Queue: 3, ID: 99}); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("retire with foreign handle: %v", err)
	}
	out, err := tbl.retire(k, h)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if out.State != Retired {
		t.Errorf("retired state = %s", out.State)
	}
	if tbl.Len() != 0 || tbl.PendingRemove() != 0 {
		t.Errorf("len=%d pending=%d after retire", tbl.Len(), tbl.PendingRemove())
	}
}

func TestTableRejectsBadActivate(t *testing.T) {
	tbl := NewTable(0)
	if err := tbl.activate(Entry{Key: testKey(1), State: Requested}); !errors.Is(err, ErrBadTransition) {
		t.Errorf("activate without handle: %v", err)
	}
	if err := tbl.activate(Entry{Key: testKey(1), Handle: hwtable.Handle{ID: 1}, State: Retired}); !errors.Is(err, ErrBadTransition) {
		t.Errorf("activate from retired: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Requested, "requested"},
		{Active, "active"},
		{PendingRemove, "pending-remove"},
		{Retired, "retired"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
