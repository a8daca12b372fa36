//go:build linux && cgo

package ingress

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopacket/gopacket/afpacket"

	"github.com/psaab/flowoffload/pkg/flow"
)

// AFPacketSupported reports whether AF_PACKET sources can be opened.
const AFPacketSupported = true

// pollTimeout bounds how long an idle RecvBurst waits in poll(2).
const pollTimeout = time.Millisecond

// AFPacketSource receives from an interface through a TPACKET_V3 ring.
// Sources sharing a fanout id split the interface's traffic by flow hash,
// one receive queue per classifier worker.
type AFPacketSource struct {
	iface string
	port  flow.PortID
	tp    *afpacket.TPacket
}

// OpenAFPacket opens a ring on iface joined to fanout group fanoutID.
func OpenAFPacket(iface string, port flow.PortID, fanoutID uint16) (*AFPacketSource, error) {
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(4096),
		afpacket.OptBlockSize(1<<20),
		afpacket.OptNumBlocks(64),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("af_packet %s: %w", iface, err)
	}
	if err := tp.SetFanout(afpacket.FanoutHash, fanoutID); err != nil {
		tp.Close()
		return nil, fmt.Errorf("af_packet %s fanout %d: %w", iface, fanoutID, err)
	}
	return &AFPacketSource{iface: iface, port: port, tp: tp}, nil
}

func (s *AFPacketSource) Name() string { return "af-packet:" + s.iface }

func (s *AFPacketSource) RecvBurst(dst []Packet) (int, error) {
	n := 0
	for n < len(dst) {
		data, ci, err := s.tp.ReadPacketData()
		if errors.Is(err, afpacket.ErrTimeout) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		dst[n] = Packet{Data: data, Port: s.port, Timestamp: ci.Timestamp}
		n++
	}
	return n, nil
}

func (s *AFPacketSource) Close() error {
	s.tp.Close()
	return nil
}

// AFPacketTx is a Forwarder transmitting on one AF_PACKET socket per port.
type AFPacketTx struct {
	socks map[flow.PortID]*afpacket.TPacket
}

// OpenAFPacketTx opens a transmit socket for every port in ifaces.
func OpenAFPacketTx(ifaces map[flow.PortID]string) (*AFPacketTx, error) {
	tx := &AFPacketTx{socks: make(map[flow.PortID]*afpacket.TPacket)}
	for port, iface := range ifaces {
		tp, err := afpacket.NewTPacket(afpacket.OptInterface(iface))
		if err != nil {
			tx.Close()
			return nil, fmt.Errorf("af_packet tx %s: %w", iface, err)
		}
		tx.socks[port] = tp
	}
	return tx, nil
}

func (t *AFPacketTx) Forward(pkt Packet, out flow.PortID) error {
	tp, ok := t.socks[out]
	if !ok {
		return fmt.Errorf("no transmit socket for port %d", out)
	}
	return tp.WritePacketData(pkt.Data)
}

func (t *AFPacketTx) Close() error {
	for _, tp := range t.socks {
		tp.Close()
	}
	return nil
}
