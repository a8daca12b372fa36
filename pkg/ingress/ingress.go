// Package ingress provides the packet sources classifier workers poll and
// the slow-path forwarders they hand non-offloaded traffic to.
package ingress

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/psaab/flowoffload/pkg/flow"
)

// ErrClosed is returned by sources and forwarders used after Close.
var ErrClosed = errors.New("ingress closed")

// Packet is one received frame. Data may be reused by the source on its
// next RecvBurst; consumers must copy anything they keep.
type Packet struct {
	Data      []byte
	Port      flow.PortID // ingress port
	Timestamp time.Time
}

// Source is a pollable receive queue. RecvBurst never blocks for long:
// zero packets is the normal result for an idle queue. io.EOF reports a
// finite source that is exhausted.
type Source interface {
	Name() string
	RecvBurst(dst []Packet) (int, error)
	Close() error
}

// Forwarder is the slow path: it transmits a packet that is not (yet)
// handled by the hardware flow table out of port out.
type Forwarder interface {
	Forward(pkt Packet, out flow.PortID) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(pkt Packet, out flow.PortID) error

func (f ForwarderFunc) Forward(pkt Packet, out flow.PortID) error { return f(pkt, out) }

// Discard is a Forwarder that drops everything.
var Discard Forwarder = ForwarderFunc(func(Packet, flow.PortID) error { return nil })

// Memory is an in-memory Source fed by Push. It is used by tests and by
// the control plane to inject frames.
type Memory struct {
	name string
	port flow.PortID

	mu     sync.Mutex
	queue  []Packet
	done   bool // no more pushes; drain then io.EOF
	closed bool
}

// NewMemory returns an empty source whose packets arrive on port.
func NewMemory(name string, port flow.PortID) *Memory {
	return &Memory{name: name, port: port}
}

func (m *Memory) Name() string { return m.name }

// Push queues frames for the next RecvBurst. Frames are copied.
func (m *Memory) Push(frames ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, f := range frames {
		m.queue = append(m.queue, Packet{
			Data:      append([]byte(nil), f...),
			Port:      m.port,
			Timestamp: now,
		})
	}
}

// Finish marks the source finite: once drained, RecvBurst returns io.EOF.
func (m *Memory) Finish() {
	m.mu.Lock()
	m.done = true
	m.mu.Unlock()
}

func (m *Memory) RecvBurst(dst []Packet) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := copy(dst, m.queue)
	m.queue = m.queue[n:]
	if n == 0 && m.done {
		return 0, io.EOF
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	return nil
}

// Recorder is a Forwarder that keeps every forwarded packet.
type Recorder struct {
	mu      sync.Mutex
	packets []Forwarded
}

// Forwarded is a packet seen by a Recorder.
type Forwarded struct {
	Packet Packet
	Out    flow.PortID
}

func (r *Recorder) Forward(pkt Packet, out flow.PortID) error {
	pkt.Data = append([]byte(nil), pkt.Data...)
	r.mu.Lock()
	r.packets = append(r.packets, Forwarded{Packet: pkt, Out: out})
	r.mu.Unlock()
	return nil
}

// Packets returns a copy of everything forwarded so far.
func (r *Recorder) Packets() []Forwarded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Forwarded(nil), r.packets...)
}
