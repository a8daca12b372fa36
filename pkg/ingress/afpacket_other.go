//go:build !linux || !cgo

package ingress

import (
	"errors"

	"github.com/psaab/flowoffload/pkg/flow"
)

// AFPacketSupported reports whether AF_PACKET sources can be opened.
const AFPacketSupported = false

var errNoAFPacket = errors.New("af_packet requires linux with cgo")

// AFPacketSource is unavailable on this platform.
type AFPacketSource struct{}

func OpenAFPacket(string, flow.PortID, uint16) (*AFPacketSource, error) {
	return nil, errNoAFPacket
}

func (*AFPacketSource) Name() string { return "af-packet" }

func (*AFPacketSource) RecvBurst([]Packet) (int, error) { return 0, errNoAFPacket }

func (*AFPacketSource) Close() error { return nil }

// AFPacketTx is unavailable on this platform.
type AFPacketTx struct{}

func OpenAFPacketTx(map[flow.PortID]string) (*AFPacketTx, error) {
	return nil, errNoAFPacket
}

func (*AFPacketTx) Forward(Packet, flow.PortID) error { return errNoAFPacket }

func (*AFPacketTx) Close() error { return nil }
