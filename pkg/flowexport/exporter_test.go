package flowexport

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/logging"
)

func listenCollector(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65535)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func newTestExporter(t *testing.T, collector *net.UDPConn, rate int) *Exporter {
	t.Helper()
	e, err := NewExporter(ExportConfig{
		Collectors:          []string{collector.LocalAddr().String()},
		TemplateRefreshRate: time.Minute,
		SamplingRate:        rate,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e
}

func retired(typ string, sport uint16, pkts uint64) logging.EventRecord {
	now := time.Now()
	return logging.EventRecord{
		Time:      now,
		Type:      typ,
		Protocol:  "tcp",
		SrcAddr:   "10.0.0.1:" + strconv.Itoa(int(sport)),
		DstAddr:   "10.0.0.2:443",
		Packets:   pkts,
		Bytes:     pkts * 100,
		Installed: now.Add(-2 * time.Second),
	}
}

func TestBuildExportConfig(t *testing.T) {
	if ec := BuildExportConfig(config.FlowExportConfig{}); ec != nil {
		t.Errorf("no collectors: got %+v, want nil", ec)
	}
	ec := BuildExportConfig(config.FlowExportConfig{
		Collectors: []string{"192.0.2.1:2055", "192.0.2.1:2055", "192.0.2.2:2055"},
	})
	if len(ec.Collectors) != 2 {
		t.Errorf("collectors = %v, want deduplicated pair", ec.Collectors)
	}
	if ec.TemplateRefreshRate != config.DefaultTemplateRefresh {
		t.Errorf("template refresh = %v", ec.TemplateRefreshRate)
	}
}

func TestTemplatePacket(t *testing.T) {
	col := listenCollector(t)
	e := newTestExporter(t, col, 0)
	e.sendTemplates()

	pkt := readPacket(t, col)
	if v := binary.BigEndian.Uint16(pkt[0:]); v != 9 {
		t.Fatalf("version = %d, want 9", v)
	}
	fs := pkt[headerSize:]
	if id := binary.BigEndian.Uint16(fs[0:]); id != templateFlowSet {
		t.Fatalf("flowset id = %d, want template", id)
	}
	if tid := binary.BigEndian.Uint16(fs[4:]); tid != templateIDv4 {
		t.Errorf("template id = %d", tid)
	}
	if n := binary.BigEndian.Uint16(fs[6:]); int(n) != len(v4Template) {
		t.Errorf("field count = %d, want %d", n, len(v4Template))
	}
	var size int
	for i := range v4Template {
		size += int(binary.BigEndian.Uint16(fs[8+4*i+2:]))
	}
	if size != recordSizeV4 {
		t.Errorf("template record size = %d, want %d", size, recordSizeV4)
	}
}

func TestExportRetiredFlows(t *testing.T) {
	col := listenCollector(t)
	e := newTestExporter(t, col, 0)

	e.Add(retired(logging.EventAged, 1000, 5))
	e.Add(retired(logging.EventRemoved, 1001, 7))
	e.Add(logging.EventRecord{Type: logging.EventInstallFail, Protocol: "tcp"})
	e.Flush()

	pkt := readPacket(t, col)
	if c := binary.BigEndian.Uint16(pkt[2:]); c != 2 {
		t.Fatalf("record count = %d, want 2", c)
	}
	fs := pkt[headerSize:]
	if id := binary.BigEndian.Uint16(fs[0:]); id != templateIDv4 {
		t.Fatalf("flowset id = %d", id)
	}
	if l := binary.BigEndian.Uint16(fs[2:]); int(l)%4 != 0 || int(l) != len(fs) {
		t.Errorf("flowset length = %d, packet has %d", l, len(fs))
	}
	rec := fs[flowSetHeaderLen:]
	if !net.IP(rec[0:4]).Equal(net.IPv4(10, 0, 0, 1)) {
		t.Errorf("src ip = %v", net.IP(rec[0:4]))
	}
	if p := binary.BigEndian.Uint16(rec[8:]); p != 1000 {
		t.Errorf("src port = %d, want 1000", p)
	}
	if rec[12] != 6 {
		t.Errorf("protocol = %d, want 6", rec[12])
	}
	if n := binary.BigEndian.Uint64(rec[13:]); n != 5 {
		t.Errorf("packets = %d, want 5", n)
	}
	if n := binary.BigEndian.Uint64(rec[21:]); n != 500 {
		t.Errorf("bytes = %d, want 500", n)
	}
	first := binary.BigEndian.Uint32(rec[29:])
	last := binary.BigEndian.Uint32(rec[33:])
	if last < first {
		t.Errorf("last switched %d before first %d", last, first)
	}

	if flows, pkts := e.Stats(); flows != 2 || pkts != 1 {
		t.Errorf("stats = %d flows %d packets", flows, pkts)
	}
}

func TestSampling(t *testing.T) {
	col := listenCollector(t)
	e := newTestExporter(t, col, 3)
	for i := uint16(0); i < 9; i++ {
		e.Add(retired(logging.EventAged, 2000+i, 1))
	}
	e.Flush()
	if flows, _ := e.Stats(); flows != 3 {
		t.Errorf("exported %d flows, want 3", flows)
	}
}

func TestLargeBatchSplits(t *testing.T) {
	col := listenCollector(t)
	e := newTestExporter(t, col, 0)
	perPacket := (maxPayload - headerSize - flowSetHeaderLen) / recordSizeV4
	for i := 0; i < perPacket+1; i++ {
		e.Add(retired(logging.EventAged, uint16(3000+i), 1))
	}
	e.Flush()
	if flows, pkts := e.Stats(); flows != uint64(perPacket+1) || pkts != 2 {
		t.Errorf("stats = %d flows %d packets, want %d/2", flows, pkts, perPacket+1)
	}
	for i := 0; i < 2; i++ {
		if pkt := readPacket(t, col); len(pkt) > maxPayload {
			t.Errorf("packet %d is %d bytes", i, len(pkt))
		}
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	col := listenCollector(t)
	e := newTestExporter(t, col, 0)
	e.Add(retired(logging.EventRemoved, 4000, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	readPacket(t, col) // template
	cancel()
	<-done
	if flows, _ := e.Stats(); flows != 1 {
		t.Errorf("exported %d flows, want 1", flows)
	}
}
