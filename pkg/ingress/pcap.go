package ingress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/psaab/flowoffload/pkg/flow"
)

// PcapSource replays a capture file as if its frames arrived on one port.
// With loop set the file is replayed forever, otherwise RecvBurst returns
// io.EOF at the end of the file.
type PcapSource struct {
	path string
	port flow.PortID
	loop bool

	f      *os.File
	r      *pcapgo.Reader
	closed bool
}

// OpenPcap opens path for replay.
func OpenPcap(path string, port flow.PortID, loop bool) (*PcapSource, error) {
	s := &PcapSource{path: path, port: port, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PcapSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	r, err := pcapgo.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return fmt.Errorf("read capture header %s: %w", s.path, err)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		f.Close()
		return fmt.Errorf("capture %s: link type %s, want Ethernet", s.path, lt)
	}
	s.f, s.r = f, r
	return nil
}

func (s *PcapSource) Name() string { return "pcap:" + s.path }

func (s *PcapSource) RecvBurst(dst []Packet) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for n < len(dst) {
		data, ci, err := s.r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !s.loop {
				if n == 0 {
					return 0, io.EOF
				}
				return n, nil
			}
			s.f.Close()
			if err := s.open(); err != nil {
				return n, err
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", s.path, err)
		}
		dst[n] = Packet{Data: data, Port: s.port, Timestamp: ci.Timestamp}
		n++
	}
	return n, nil
}

func (s *PcapSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// PcapWriter is a Forwarder that writes slow-path packets to a capture
// file instead of a wire.
type PcapWriter struct {
	mu sync.Mutex
	f  *os.File
	bw *bufio.Writer
	w  *pcapgo.Writer
}

// CreatePcap creates (or truncates) path and writes the file header.
func CreatePcap(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture: %w", err)
	}
	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &PcapWriter{f: f, bw: bw, w: w}, nil
}

func (p *PcapWriter) Forward(pkt Packet, _ flow.PortID) error {
	ts := pkt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(pkt.Data),
		Length:        len(pkt.Data),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return ErrClosed
	}
	return p.w.WritePacket(ci, pkt.Data)
}

// Close flushes and closes the file.
func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	p.w = nil
	if err := p.bw.Flush(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}
