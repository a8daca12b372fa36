// Package classifier implements the classifier workers: they poll an
// ingress source, extract flow keys, ask the admission policy, and queue
// install requests for the owning shard. They never touch a flow table.
package classifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/ingress"
	"github.com/psaab/flowoffload/pkg/policy"
)

// DefaultBurstSize is the number of packets polled per burst.
const DefaultBurstSize = 256

// errorBackoff is how long a worker waits after a source error before
// polling again.
const errorBackoff = 10 * time.Millisecond

// Shard is the producer side of one offload worker's queues.
type Shard interface {
	EnqueueInstall(r flow.Request) bool
	EnqueueRemove(r flow.Request) bool
}

// Topology gives the forwarding target for traffic entering on a port.
type Topology interface {
	Target(in flow.PortID) flow.Target
}

// PairTopology forwards port p to p^1, the two-port hairpin layout.
type PairTopology struct{}

func (PairTopology) Target(in flow.PortID) flow.Target { return flow.Target{Port: in ^ 1} }

// Config tunes a classifier worker.
type Config struct {
	BurstSize      int
	HairpinReverse bool // also offload the reply direction
	IdleYield      bool
}

// Stats is a point-in-time copy of a classifier worker's counters.
type Stats struct {
	ID             int    `json:"id"`
	Source         string `json:"source"`
	Received       uint64 `json:"received"`
	Unsupported    uint64 `json:"unsupported"`
	Offered        uint64 `json:"offered"`
	EnqueueDropped uint64 `json:"enqueue_dropped"`
	PassThrough    uint64 `json:"pass_through"`
	Dropped        uint64 `json:"dropped"`
	SlowPath       uint64 `json:"slow_path"`
	ForwardErrors  uint64 `json:"forward_errors"`
	Closes         uint64 `json:"closes"`
}

// Worker is one classifier worker bound to one ingress source.
type Worker struct {
	id     int
	src    ingress.Source
	router *flow.Router
	shards []Shard
	fwd    ingress.Forwarder
	topo   Topology
	pol    policy.Policy
	cfg    Config

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	decoded []gopacket.LayerType
	pkts    []ingress.Packet

	received       atomic.Uint64
	unsupported    atomic.Uint64
	offered        atomic.Uint64
	enqueueDropped atomic.Uint64
	passThrough    atomic.Uint64
	dropped        atomic.Uint64
	slowPath       atomic.Uint64
	forwardErrors  atomic.Uint64
	closes         atomic.Uint64
}

// New creates classifier worker id polling src. shards must hold one entry
// per router shard, indexed by shard number.
func New(id int, src ingress.Source, router *flow.Router, shards []Shard,
	fwd ingress.Forwarder, topo Topology, pol policy.Policy, cfg Config) *Worker {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if fwd == nil {
		fwd = ingress.Discard
	}
	if topo == nil {
		topo = PairTopology{}
	}
	if pol == nil {
		pol = policy.AllowAll
	}
	w := &Worker{
		id:      id,
		src:     src,
		router:  router,
		shards:  shards,
		fwd:     fwd,
		topo:    topo,
		pol:     pol,
		cfg:     cfg,
		decoded: make([]gopacket.LayerType, 0, 4),
		pkts:    make([]ingress.Packet, cfg.BurstSize),
	}
	w.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&w.eth, &w.dot1q, &w.ip4, &w.tcp, &w.udp)
	w.parser.IgnoreUnsupported = true
	return w
}

// Run polls the source until ctx is cancelled or a finite source is
// exhausted.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("classifier started", "id", w.id, "source", w.src.Name(), "burst", w.cfg.BurstSize)
	for {
		select {
		case <-ctx.Done():
			slog.Info("classifier stopped", "id", w.id, "received", w.received.Load())
			return nil
		default:
		}
		n, err := w.Poll()
		if errors.Is(err, io.EOF) {
			slog.Info("ingress source exhausted", "id", w.id, "source", w.src.Name())
			return nil
		}
		if err != nil {
			slog.Warn("ingress receive failed", "id", w.id, "source", w.src.Name(), "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(errorBackoff):
			}
			continue
		}
		if n == 0 && w.cfg.IdleYield {
			runtime.Gosched()
		}
	}
}

// Poll receives and classifies one burst.
func (w *Worker) Poll() (int, error) {
	n, err := w.src.RecvBurst(w.pkts)
	for i := 0; i < n; i++ {
		w.Classify(w.pkts[i])
	}
	return n, err
}

// Classify handles one packet.
func (w *Worker) Classify(pkt ingress.Packet) {
	w.received.Add(1)

	k, flags, ok := w.decode(pkt.Data)
	if !ok {
		w.unsupported.Add(1)
		return
	}
	target := w.topo.Target(pkt.Port)

	// A closing TCP flow is not worth offloading, and any entry it already
	// has can go.
	if k.Protocol == flow.ProtoTCP && flags&(tcpFIN|tcpRST) != 0 {
		w.closes.Add(1)
		w.requestRemove(k)
		if w.cfg.HairpinReverse {
			w.requestRemove(k.Reverse())
		}
		w.forward(pkt, target.Port)
		return
	}

	switch w.pol.Decide(k, policy.Meta{InPort: pkt.Port, Length: len(pkt.Data), TCPFlags: flags}) {
	case flow.Offload:
		w.offered.Add(1)
		w.requestInstall(k, pkt.Port, target)
		if w.cfg.HairpinReverse {
			w.requestInstall(k.Reverse(), target.Port, w.topo.Target(target.Port))
		}
		// Until the entry is active the packet still takes the slow path.
		w.forward(pkt, target.Port)
	case flow.PassThrough:
		w.passThrough.Add(1)
		w.forward(pkt, target.Port)
	case flow.Drop:
		w.dropped.Add(1)
	}
}

const (
	tcpFIN uint8 = 0x01
	tcpSYN uint8 = 0x02
	tcpRST uint8 = 0x04
	tcpACK uint8 = 0x10
)

func (w *Worker) decode(data []byte) (flow.Key, uint8, bool) {
	if err := w.parser.DecodeLayers(data, &w.decoded); err != nil {
		slog.Debug("packet decode failed", "id", w.id, "err", err)
		return flow.Key{}, 0, false
	}
	var (
		k              flow.Key
		haveIP, haveL4 bool
		flags          uint8
	)
	for _, lt := range w.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src4 := w.ip4.SrcIP.To4()
			dst4 := w.ip4.DstIP.To4()
			if src4 == nil || dst4 == nil {
				return flow.Key{}, 0, false
			}
			copy(k.SrcIP[:], src4)
			copy(k.DstIP[:], dst4)
			haveIP = true
		case layers.LayerTypeTCP:
			k.Protocol = flow.ProtoTCP
			k.SrcPort = uint16(w.tcp.SrcPort)
			k.DstPort = uint16(w.tcp.DstPort)
			flags = tcpFlags(&w.tcp)
			haveL4 = true
		case layers.LayerTypeUDP:
			k.Protocol = flow.ProtoUDP
			k.SrcPort = uint16(w.udp.SrcPort)
			k.DstPort = uint16(w.udp.DstPort)
			haveL4 = true
		}
	}
	return k, flags, haveIP && haveL4
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= tcpFIN
	}
	if t.SYN {
		f |= tcpSYN
	}
	if t.RST {
		f |= tcpRST
	}
	if t.ACK {
		f |= tcpACK
	}
	return f
}

func (w *Worker) requestInstall(k flow.Key, in flow.PortID, t flow.Target) {
	req := flow.Request{
		Op:     flow.OpInstall,
		Match:  flow.Match{Key: k, InPort: in},
		Target: t,
	}
	if !w.shards[w.router.ShardFor(k)].EnqueueInstall(req) {
		w.enqueueDropped.Add(1)
	}
}

func (w *Worker) requestRemove(k flow.Key) {
	req := flow.Request{Op: flow.OpRemove, Match: flow.Match{Key: k}}
	if !w.shards[w.router.ShardFor(k)].EnqueueRemove(req) {
		w.enqueueDropped.Add(1)
	}
}

func (w *Worker) forward(pkt ingress.Packet, out flow.PortID) {
	w.slowPath.Add(1)
	if err := w.fwd.Forward(pkt, out); err != nil {
		w.forwardErrors.Add(1)
		slog.Debug("slow path forward failed", "id", w.id, "out", out, "err", err)
	}
}

// Stats returns the worker's counters. It is safe to call from any
// goroutine.
func (w *Worker) Stats() Stats {
	return Stats{
		ID:             w.id,
		Source:         w.src.Name(),
		Received:       w.received.Load(),
		Unsupported:    w.unsupported.Load(),
		Offered:        w.offered.Load(),
		EnqueueDropped: w.enqueueDropped.Load(),
		PassThrough:    w.passThrough.Load(),
		Dropped:        w.dropped.Load(),
		SlowPath:       w.slowPath.Load(),
		ForwardErrors:  w.forwardErrors.Load(),
		Closes:         w.closes.Load(),
	}
}
