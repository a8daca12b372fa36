package logging

import (
	"testing"
	"time"
)

func TestEventBufferWraps(t *testing.T) {
	eb := NewEventBuffer(3)
	for i := 0; i < 5; i++ {
		eb.Add(EventRecord{Type: EventAged, Shard: i})
	}
	if eb.Total() != 5 {
		t.Errorf("total = %d, want 5", eb.Total())
	}
	got := eb.Latest(10)
	if len(got) != 3 {
		t.Fatalf("latest = %d events, want 3", len(got))
	}
	for i, want := range []int{4, 3, 2} {
		if got[i].Shard != want {
			t.Errorf("event %d shard = %d, want %d", i, got[i].Shard, want)
		}
	}
	if got[0].Time.IsZero() {
		t.Error("Add did not stamp the event time")
	}
}

func TestEventFilter(t *testing.T) {
	eb := NewEventBuffer(16)
	eb.Add(EventRecord{Type: EventAged, Shard: 0, Protocol: "tcp"})
	eb.Add(EventRecord{Type: EventRemoveMiss, Shard: 1, Protocol: "udp"})
	eb.Add(EventRecord{Type: EventAged, Shard: 1, Protocol: "udp"})

	tests := []struct {
		name string
		f    EventFilter
		want int
	}{
		{"empty", EventFilter{}, 3},
		{"type", EventFilter{Type: "aged"}, 2},
		{"protocol", EventFilter{Protocol: "UDP"}, 2},
		{"shard 0", EventFilter{HasShard: true, Shard: 0}, 1},
		{"type and shard", EventFilter{Type: EventAged, HasShard: true, Shard: 1}, 1},
		{"no match", EventFilter{Type: EventOrphan}, 0},
	}
	for _, tt := range tests {
		if got := len(eb.LatestFiltered(10, tt.f)); got != tt.want {
			t.Errorf("%s: %d events, want %d", tt.name, got, tt.want)
		}
	}
	if !(EventFilter{}).IsEmpty() || (EventFilter{HasShard: true}).IsEmpty() {
		t.Error("IsEmpty wrong")
	}
}

func TestEventBufferSubscribe(t *testing.T) {
	eb := NewEventBuffer(4)
	sub := eb.Subscribe(1)
	eb.Add(EventRecord{Type: EventOrphan})
	eb.Add(EventRecord{Type: EventAged}) // subscriber full, dropped

	select {
	case rec := <-sub.C:
		if rec.Type != EventOrphan {
			t.Errorf("type = %s, want %s", rec.Type, EventOrphan)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case rec := <-sub.C:
		t.Errorf("unexpected event %+v", rec)
	default:
	}

	sub.Close()
	eb.Add(EventRecord{Type: EventAged})
	select {
	case rec := <-sub.C:
		t.Errorf("event after Close: %+v", rec)
	default:
	}
}
