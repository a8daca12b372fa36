// Package hwtable defines the contract between the offload workers and the
// hardware flow table, plus a registry of driver backends.
//
// Drivers are batch oriented: Install and Remove only submit work on a
// programming queue and return a Pending token; Harvest collects the
// completions for a queue within a bounded wait. Every programming queue
// is used by exactly one offload worker.
package hwtable

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
)

// Errors reported by drivers. Per-entry errors arrive in Completion.Err;
// only Open failures are fatal to a worker.
var (
	ErrQueueUnavailable = errors.New("programming queue unavailable")
	ErrQueueNotOpen     = errors.New("programming queue not open")
	ErrTableFull        = errors.New("flow table full")
	ErrEntryExists      = errors.New("flow entry already installed")
	ErrUnknownHandle    = errors.New("unknown flow handle")
)

// QueueID identifies a hardware programming queue.
type QueueID uint16

// Handle refers to an installed hardware entry. It is only meaningful on
// the programming queue that installed it.
type Handle struct {
	Queue QueueID
	ID    uint64
}

// IsZero reports whether h is the zero handle (never issued by a driver).
func (h Handle) IsZero() bool { return h.ID == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d/%d", h.Queue, h.ID) }

// Pending is the token returned for a submitted operation and echoed in
// its Completion.
type Pending uint64

// Completion is the result of one submitted operation.
type Completion struct {
	Pending Pending
	Op      flow.Op
	Key     flow.Key
	Handle  Handle // valid for successful installs and for removes
	Err     error
}

// BatchStatus accumulates the completions harvested for a batch.
// A batch is complete when Processed equals the number submitted.
type BatchStatus struct {
	Processed   int
	InFlight    int
	Failed      bool
	Completions []Completion
}

// Add records one completion.
func (s *BatchStatus) Add(c Completion) {
	s.Processed++
	if c.Err != nil {
		s.Failed = true
	}
	s.Completions = append(s.Completions, c)
}

// Aged describes one entry evicted by an aging sweep.
type Aged struct {
	Key      flow.Key
	Handle   Handle
	Counters Counters // final hit counters of the evicted entry
}

// Counters are the per-entry hit counters kept by the hardware.
type Counters struct {
	Packets uint64
	Bytes   uint64
	LastHit time.Duration // since the entry was last hit
}

// Driver programs the hardware flow table.
type Driver interface {
	// Open acquires programming queue q for exclusive use.
	Open(q QueueID) error
	// Release gives q back, dropping submissions not yet harvested.
	// Entries installed through q stay in the table.
	Release(q QueueID) error
	// Install submits an entry forwarding m to t.
	Install(q QueueID, m flow.Match, t flow.Target) (Pending, error)
	// Remove submits the removal of h.
	Remove(q QueueID, h Handle) (Pending, error)
	// Harvest collects completions on q, waiting at most timeout for
	// expected completions to arrive. Fewer completions than expected is
	// not an error; the remainder is reported as InFlight.
	Harvest(q QueueID, timeout time.Duration, expected int) BatchStatus
	// AgeSweep evicts entries installed via q that have not been hit
	// within the flow timeout, spending at most budget, and reports
	// exactly which entries it evicted.
	AgeSweep(q QueueID, budget time.Duration) ([]Aged, error)
	// Query reads the counters of h.
	Query(q QueueID, h Handle) (Counters, error)
	// Close releases every queue and the table itself.
	Close() error
}

// Options configure a driver backend.
type Options struct {
	Queues      int           // number of programming queues
	TableSize   int           // maximum entries across all queues
	FlowTimeout time.Duration // idle time after which an entry ages out
	PinPath     string        // bpffs directory for backends that pin state
}

// Backend names accepted in offload { driver <name>; }.
const (
	BackendSim  = "sim"
	BackendEBPF = "ebpf"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]func(Options) (Driver, error){}
)

// Register makes a backend constructor available under name. Backends
// register themselves from init.
func Register(name string, ctor func(Options) (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New creates the driver registered under name.
func New(name string, opts Options) (Driver, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown flow table driver %q (registered: %v)", name, Backends())
	}
	return ctor(opts)
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
