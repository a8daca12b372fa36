package flowexport

import (
	"encoding/binary"
	"time"
)

// NetFlow v9 (RFC 3954) constants.
const (
	nfVersion        = 9
	headerSize       = 20
	flowSetHeaderLen = 4
	templateFlowSet  = 0
	templateIDv4     = 256

	// maxPayload keeps export packets below a 1500-byte MTU.
	maxPayload = 1400
)

// Field types used by the IPv4 template.
const (
	fieldInBytes       = 1
	fieldInPkts        = 2
	fieldProtocol      = 4
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldLastSwitched  = 21
	fieldFirstSwitched = 22
)

type templateField struct {
	typ, length uint16
}

// v4Template is the record layout of every exported flow, in wire order.
var v4Template = []templateField{
	{fieldIPv4SrcAddr, 4},
	{fieldIPv4DstAddr, 4},
	{fieldL4SrcPort, 2},
	{fieldL4DstPort, 2},
	{fieldProtocol, 1},
	{fieldInPkts, 8},
	{fieldInBytes, 8},
	{fieldFirstSwitched, 4},
	{fieldLastSwitched, 4},
}

const recordSizeV4 = 4 + 4 + 2 + 2 + 1 + 8 + 8 + 4 + 4

// FlowRecord is one retired flow to export.
type FlowRecord struct {
	SrcIP     [4]byte
	DstIP     [4]byte
	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	Packets   uint64
	Bytes     uint64
	StartTime time.Time
	EndTime   time.Time
}

type nfHeader struct {
	Version   uint16
	Count     uint16
	SysUptime uint32
	UnixSecs  uint32
	SeqNumber uint32
	SourceID  uint32
}

func encodeHeader(h nfHeader) []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint16(b[0:], h.Version)
	binary.BigEndian.PutUint16(b[2:], h.Count)
	binary.BigEndian.PutUint32(b[4:], h.SysUptime)
	binary.BigEndian.PutUint32(b[8:], h.UnixSecs)
	binary.BigEndian.PutUint32(b[12:], h.SeqNumber)
	binary.BigEndian.PutUint32(b[16:], h.SourceID)
	return b
}

// encodeTemplateFlowSet returns the template flowset describing v4Template.
func encodeTemplateFlowSet() []byte {
	n := flowSetHeaderLen + 4 + 4*len(v4Template)
	b := make([]byte, n)
	binary.BigEndian.PutUint16(b[0:], templateFlowSet)
	binary.BigEndian.PutUint16(b[2:], uint16(n))
	binary.BigEndian.PutUint16(b[4:], templateIDv4)
	binary.BigEndian.PutUint16(b[6:], uint16(len(v4Template)))
	off := 8
	for _, f := range v4Template {
		binary.BigEndian.PutUint16(b[off:], f.typ)
		binary.BigEndian.PutUint16(b[off+2:], f.length)
		off += 4
	}
	return b
}

// encodeDataFlowSet encodes records as one data flowset, padded to a
// four-byte boundary. Switched times are milliseconds since boot.
func encodeDataFlowSet(records []FlowRecord, boot time.Time) []byte {
	if len(records) == 0 {
		return nil
	}
	n := flowSetHeaderLen + recordSizeV4*len(records)
	if pad := n % 4; pad != 0 {
		n += 4 - pad
	}
	b := make([]byte, n)
	binary.BigEndian.PutUint16(b[0:], templateIDv4)
	binary.BigEndian.PutUint16(b[2:], uint16(n))
	off := flowSetHeaderLen
	for _, r := range records {
		copy(b[off:], r.SrcIP[:])
		copy(b[off+4:], r.DstIP[:])
		binary.BigEndian.PutUint16(b[off+8:], r.SrcPort)
		binary.BigEndian.PutUint16(b[off+10:], r.DstPort)
		b[off+12] = r.Protocol
		binary.BigEndian.PutUint64(b[off+13:], r.Packets)
		binary.BigEndian.PutUint64(b[off+21:], r.Bytes)
		binary.BigEndian.PutUint32(b[off+29:], uptimeMs(boot, r.StartTime))
		binary.BigEndian.PutUint32(b[off+33:], uptimeMs(boot, r.EndTime))
		off += recordSizeV4
	}
	return b
}

func uptimeMs(boot, t time.Time) uint32 {
	if t.Before(boot) {
		return 0
	}
	return uint32(t.Sub(boot).Milliseconds())
}
