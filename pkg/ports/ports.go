// Package ports describes the switch ports: which peer each one forwards
// to, the hairpin queues offloaded flows use, and the kernel interface
// behind it.
package ports

import (
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/flow"
)

// Port is one switch port.
type Port struct {
	ID            flow.PortID `json:"id"`
	Interface     string      `json:"interface,omitempty"`
	Peer          flow.PortID `json:"peer"`
	HairpinQueue  uint16      `json:"hairpin_queue"`
	HairpinQueues uint16      `json:"hairpin_queues"`

	// Filled in by ResolveLinks.
	Index  int    `json:"ifindex,omitempty"`
	MAC    string `json:"mac,omitempty"`
	OperUp bool   `json:"oper_up"`
}

// LinkGetter abstracts netlink.LinkByName for testing.
type LinkGetter interface {
	LinkByName(name string) (netlink.Link, error)
}

type netlinkGetter struct{}

func (netlinkGetter) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

// Topology is the set of configured ports. Ports that are not configured
// forward to p^1 with a single hairpin queue.
type Topology struct {
	mu      sync.RWMutex
	ports   map[flow.PortID]*Port
	byIface map[string]flow.PortID
}

// FromConfig builds the topology from the ports block.
func FromConfig(cfgs []*config.PortConfig) *Topology {
	t := &Topology{
		ports:   make(map[flow.PortID]*Port, len(cfgs)),
		byIface: make(map[string]flow.PortID, len(cfgs)),
	}
	for _, pc := range cfgs {
		p := &Port{
			ID:            flow.PortID(pc.ID),
			Interface:     pc.Interface,
			Peer:          flow.PortID(pc.Peer),
			HairpinQueue:  pc.HairpinQueue,
			HairpinQueues: pc.HairpinQueues,
		}
		t.ports[p.ID] = p
		if p.Interface != "" {
			t.byIface[p.Interface] = p.ID
		}
	}
	return t
}

// Target returns where traffic entering on in is sent.
func (t *Topology) Target(in flow.PortID) flow.Target {
	t.mu.RLock()
	p, ok := t.ports[in]
	t.mu.RUnlock()
	if !ok {
		return flow.Target{Port: in ^ 1, HairpinCount: 1}
	}
	return flow.Target{Port: p.Peer, HairpinQueue: p.HairpinQueue, HairpinCount: p.HairpinQueues}
}

// PortFor returns the port bound to a kernel interface.
func (t *Topology) PortFor(iface string) (flow.PortID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byIface[iface]
	return id, ok
}

// Ports returns a copy of every configured port, ordered by ID.
func (t *Topology) Ports() []Port {
	t.mu.RLock()
	out := make([]Port, 0, len(t.ports))
	for _, p := range t.ports {
		out = append(out, *p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveLinks looks up the kernel link of every port with an interface
// and records its index, MAC and operational state. A nil getter uses
// netlink. Missing links are logged and skipped; the number of resolved
// ports is returned.
func (t *Topology) ResolveLinks(lg LinkGetter) int {
	if lg == nil {
		lg = netlinkGetter{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.ports {
		if p.Interface == "" {
			continue
		}
		link, err := lg.LinkByName(p.Interface)
		if err != nil {
			slog.Warn("port interface not found", "port", p.ID, "interface", p.Interface, "err", err)
			continue
		}
		attrs := link.Attrs()
		p.Index = attrs.Index
		p.MAC = macString(attrs.HardwareAddr)
		p.OperUp = attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
		if !p.OperUp {
			slog.Warn("port interface is down", "port", p.ID, "interface", p.Interface, "state", attrs.OperState)
		}
		n++
	}
	return n
}

func macString(hw net.HardwareAddr) string {
	if len(hw) == 0 {
		return ""
	}
	return hw.String()
}
