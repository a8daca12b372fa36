// Package flow defines the flow identity shared by the classifier and
// offload workers, the work requests passed between them, and the shard
// router that partitions flow space.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP protocol numbers carried in Key.Protocol.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// Key is the 5-tuple identifying a flow. Addresses are kept exactly as
// they appear on the wire. Ports are host-order values decoded once by
// the packet parser; Bytes re-encodes them big-endian so every consumer
// hashes the same bytes.
type Key struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// KeyLen is the length of the encoding produced by Key.Bytes.
const KeyLen = 13

// Bytes returns the canonical network-order encoding of the key.
func (k Key) Bytes() [KeyLen]byte {
	var b [KeyLen]byte
	copy(b[0:4], k.SrcIP[:])
	copy(b[4:8], k.DstIP[:])
	binary.BigEndian.PutUint16(b[8:10], k.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], k.DstPort)
	b[12] = k.Protocol
	return b
}

// Reverse returns the key of the reply direction.
func (k Key) Reverse() Key {
	return Key{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
		Protocol: k.Protocol,
	}
}

// Src returns the source address and port.
func (k Key) Src() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(k.SrcIP), k.SrcPort)
}

// Dst returns the destination address and port.
func (k Key) Dst() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4(k.DstIP), k.DstPort)
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s->%s", ProtoName(k.Protocol), k.Src(), k.Dst())
}

// ProtoName returns the lowercase name of an IP protocol number.
func ProtoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}

// ParseProto is the inverse of ProtoName for the supported protocols.
func ParseProto(s string) (uint8, error) {
	switch s {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q", s)
}

// NewKey builds a key from address/port pairs. Both addresses must be IPv4.
func NewKey(proto uint8, src, dst netip.AddrPort) (Key, error) {
	if !src.Addr().Is4() || !dst.Addr().Is4() {
		return Key{}, fmt.Errorf("flow key needs IPv4 endpoints, got %s -> %s", src, dst)
	}
	return Key{
		SrcIP:    src.Addr().As4(),
		DstIP:    dst.Addr().As4(),
		SrcPort:  src.Port(),
		DstPort:  dst.Port(),
		Protocol: proto,
	}, nil
}

// PortID identifies a switch port.
type PortID uint16

// Target is where an offloaded flow is forwarded: the egress port and the
// span of hairpin queues the hardware spreads the flow over.
type Target struct {
	Port         PortID
	HairpinQueue uint16
	HairpinCount uint16
}

// Match is what the hardware entry matches on.
type Match struct {
	Key    Key
	InPort PortID
}

// Op is the operation carried by a Request.
type Op uint8

const (
	OpInstall Op = iota
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Request is a unit of work queued for an offload worker. It is passed
// by value; producers and consumers never share one.
type Request struct {
	Op     Op
	Match  Match
	Target Target
}

// Key returns the flow key the request refers to.
func (r Request) Key() Key { return r.Match.Key }

// Decision is the admission policy verdict for a flow.
type Decision uint8

const (
	Offload Decision = iota
	PassThrough
	Drop
)

func (d Decision) String() string {
	switch d {
	case Offload:
		return "offload"
	case PassThrough:
		return "pass-through"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// ParseDecision parses the configuration spelling of a decision.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "offload":
		return Offload, nil
	case "pass-through":
		return PassThrough, nil
	case "drop", "discard":
		return Drop, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// ParseKey builds a key from the text forms used by the control APIs:
// "tcp", "10.0.0.1:1234", "10.0.0.2:80".
func ParseKey(proto, src, dst string) (Key, error) {
	p, err := ParseProto(proto)
	if err != nil {
		return Key{}, err
	}
	s, err := netip.ParseAddrPort(src)
	if err != nil {
		return Key{}, fmt.Errorf("source: %w", err)
	}
	d, err := netip.ParseAddrPort(dst)
	if err != nil {
		return Key{}, fmt.Errorf("destination: %w", err)
	}
	return NewKey(p, s, d)
}
