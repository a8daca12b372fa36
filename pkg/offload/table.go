package offload

import (
	"errors"
	"fmt"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/hwtable"
)

// ErrBadTransition is returned for a lifecycle transition the entry state
// machine does not allow.
var ErrBadTransition = errors.New("invalid flow entry transition")

// State is the lifecycle state of a flow entry.
//
//	Requested -> Active -> PendingRemove -> Retired
//	             Active ---------------------> Retired (aged out)
type State uint8

const (
	Requested State = iota
	Active
	PendingRemove
	Retired
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Active:
		return "active"
	case PendingRemove:
		return "pending-remove"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Entry is one offloaded flow. The handle is valid only on the shard that
// installed it.
type Entry struct {
	Key       flow.Key
	Handle    hwtable.Handle
	State     State
	Shard     int
	InPort    flow.PortID
	Target    flow.Target
	Installed time.Time
}

// Table is a shard's flow table. It is owned by the shard's offload worker
// and is not safe for concurrent use. Entries only ever live in the table
// as Active or PendingRemove: Requested entries exist only inside an
// in-flight batch and Retired entries are erased.
type Table struct {
	shard   int
	entries map[flow.Key]*Entry
	pending int
}

// NewTable returns an empty table for shard.
func NewTable(shard int) *Table {
	return &Table{shard: shard, entries: make(map[flow.Key]*Entry)}
}

// Lookup returns a copy of the entry for k.
func (t *Table) Lookup(k flow.Key) (Entry, bool) {
	e, ok := t.entries[k]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// activate inserts a confirmed install as Active.
func (t *Table) activate(e Entry) error {
	if e.State != Requested {
		return fmt.Errorf("%s: %s -> %s: %w", e.Key, e.State, Active, ErrBadTransition)
	}
	if old, ok := t.entries[e.Key]; ok {
		return fmt.Errorf("%s: %s -> %s: %w", e.Key, old.State, Active, ErrBadTransition)
	}
	if e.Handle.IsZero() {
		return fmt.Errorf("%s: activate without a handle: %w", e.Key, ErrBadTransition)
	}
	e.State = Active
	e.Shard = t.shard
	t.entries[e.Key] = &e
	return nil
}

// markPendingRemove moves the entry for k to PendingRemove and returns
// its handle. An entry already PendingRemove is a retry of a failed
// removal and stays where it is.
func (t *Table) markPendingRemove(k flow.Key) (hwtable.Handle, error) {
	e, ok := t.entries[k]
	if !ok {
		return hwtable.Handle{}, fmt.Errorf("%s: no entry: %w", k, ErrBadTransition)
	}
	switch e.State {
	case Active:
		e.State = PendingRemove
		t.pending++
	case PendingRemove:
	default:
		return hwtable.Handle{}, fmt.Errorf("%s: %s -> %s: %w", k, e.State, PendingRemove, ErrBadTransition)
	}
	return e.Handle, nil
}

// retire erases the entry for k if it still carries handle h. It returns
// the entry as it was, with State set to Retired.
func (t *Table) retire(k flow.Key, h hwtable.Handle) (Entry, error) {
	e, ok := t.entries[k]
	if !ok {
		return Entry{}, fmt.Errorf("%s: no entry: %w", k, ErrBadTransition)
	}
	if e.Handle != h {
		return Entry{}, fmt.Errorf("%s: handle %s does not match %s: %w", k, h, e.Handle, ErrBadTransition)
	}
	if e.State == PendingRemove {
		t.pending--
	}
	delete(t.entries, k)
	out := *e
	out.State = Retired
	return out, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Active returns the number of Active entries.
func (t *Table) Active() int { return len(t.entries) - t.pending }

// PendingRemove returns the number of entries whose removal has not been
// confirmed.
func (t *Table) PendingRemove() int { return t.pending }

// Range calls fn for every entry until fn returns false. Iteration order
// is unspecified.
func (t *Table) Range(fn func(Entry) bool) {
	for _, e := range t.entries {
		if !fn(*e) {
			return
		}
	}
}
