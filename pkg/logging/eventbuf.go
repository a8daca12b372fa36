package logging

import (
	"strings"
	"sync"
	"time"
)

// Offload event types.
const (
	EventInstallFail = "INSTALL_FAIL"
	EventRemoveFail  = "REMOVE_FAIL"
	EventRemoveMiss  = "REMOVE_MISS"
	EventAged        = "AGED"
	EventStaleAged   = "STALE_AGED"
	EventOrphan      = "ORPHAN"
	EventQueueFull   = "QUEUE_FULL"
	EventRemoved     = "REMOVED"
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"` // "INSTALL_FAIL", "AGED", etc.
	Shard    int       `json:"shard"`
	Protocol string    `json:"protocol"` // "tcp", "udp"
	SrcAddr  string    `json:"src"`      // "10.0.1.5:443"
	DstAddr  string    `json:"dst"`
	Handle   string    `json:"handle,omitempty"` // "queue/id"
	Reason   string    `json:"reason,omitempty"`

	// Set on AGED and REMOVED: the retired entry's final counters.
	Packets   uint64    `json:"packets,omitempty"`
	Bytes     uint64    `json:"bytes,omitempty"`
	Installed time.Time `json:"installed,omitzero"`
}

// EventSink receives offload events. *EventBuffer implements it.
type EventSink interface {
	Add(rec EventRecord)
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open so a concurrent Add never
// sends on a closed channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Type     string // case-insensitive exact match on Type
	Protocol string // case-insensitive substring match on Protocol
	HasShard bool   // match Shard only when set
	Shard    int
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Type == "" && f.Protocol == "" && !f.HasShard
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.HasShard && rec.Shard != f.Shard {
		return false
	}
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	if f.Protocol != "" && !strings.Contains(strings.ToLower(rec.Protocol), strings.ToLower(f.Protocol)) {
		return false
	}
	return true
}

// Matches reports whether rec passes the filter.
func (f EventFilter) Matches(rec EventRecord) bool { return f.matches(&rec) }

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
