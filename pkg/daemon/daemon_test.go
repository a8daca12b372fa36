package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/psaab/flowoffload/pkg/ingress"
)

func udpFrame(t *testing.T, sport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 9, 0, 1},
		DstIP:    net.IP{10, 9, 0, 2},
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: 4789}
	udp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("x")); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeTrace(t *testing.T, dir string, n int) string {
	t.Helper()
	path := filepath.Join(dir, "trace.pcap")
	pw, err := ingress.CreatePcap(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := pw.Forward(ingress.Packet{Data: udpFrame(t, uint16(10000+i))}, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := pw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "flowoffload.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunReplaysTrace(t *testing.T) {
	dir := t.TempDir()
	trace := writeTrace(t, dir, 20)
	out := filepath.Join(dir, "slowpath.pcap")
	cfgFile := writeConfig(t, dir, `
system {
    api-address "";
    grpc-address "";
}
offload {
    driver sim;
    shards 2;
}
ingress {
    slow-path-capture "`+out+`";
    source pcap {
        file "`+trace+`";
        port 0;
    }
}
policy {
    default offload;
}
`)

	d := New(Options{ConfigFile: cfgFile, Debug: true, ExitWhenDrained: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := d.Engine().Stats()
	if st.Totals.Received != 20 {
		t.Errorf("received = %d, want 20", st.Totals.Received)
	}
	if st.Totals.Offered != 20 {
		t.Errorf("offered = %d, want 20", st.Totals.Offered)
	}
	if len(st.Shards) != 2 {
		t.Errorf("shards = %d, want 2", len(st.Shards))
	}

	// Every packet took the slow path while its flow was being offloaded.
	src, err := ingress.OpenPcap(out, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	pkts := make([]ingress.Packet, 64)
	n, _ := src.RecvBurst(pkts)
	if n != 20 {
		t.Errorf("slow path packets = %d, want 20", n)
	}
}

func TestRunExportsFlows(t *testing.T) {
	collector, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer collector.Close()

	dir := t.TempDir()
	trace := writeTrace(t, dir, 4)
	cfgFile := writeConfig(t, dir, `
system {
    api-address "";
    grpc-address "";
}
offload {
    driver sim;
}
ingress {
    source pcap {
        file "`+trace+`";
    }
}
flow-export {
    collector "`+collector.LocalAddr().String()+`";
}
`)

	d := New(Options{ConfigFile: cfgFile, Debug: true, ExitWhenDrained: true})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	buf := make([]byte, 2048)
	collector.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := collector.Read(buf)
	if err != nil {
		t.Fatalf("no export packet: %v", err)
	}
	if n < 20 || buf[0] != 0 || buf[1] != 9 {
		t.Errorf("export packet is not NetFlow v9: % x", buf[:min(n, 20)])
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeConfig(t, dir, `
system {
    api-address 127.0.0.1:9000;
}
`)
	d := New(Options{ConfigFile: cfgFile, GRPCAddr: "127.0.0.1:9001", Debug: true})
	if err := d.loadConfig(); err != nil {
		t.Fatal(err)
	}
	if got := d.cfg.System.APIAddress; got != "127.0.0.1:9000" {
		t.Errorf("api address = %q", got)
	}
	if got := d.cfg.System.GRPCAddress; got != "127.0.0.1:9001" {
		t.Errorf("grpc address = %q", got)
	}
}

func TestDefaultsWithoutConfigFile(t *testing.T) {
	d := New(Options{Debug: true})
	if err := d.loadConfig(); err != nil {
		t.Fatal(err)
	}
	if d.cfg.Offload.Driver != "sim" {
		t.Errorf("driver = %q, want sim", d.cfg.Offload.Driver)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		conf string
		want string
	}{
		{
			name: "missing trace",
			conf: `ingress { source pcap { file /nonexistent/trace.pcap; } }`,
			want: "source at line 1",
		},
		{
			name: "unknown driver",
			conf: `offload { driver asic; }`,
			want: "flow table",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Options{ConfigFile: writeConfig(t, t.TempDir(), tt.conf), Debug: true})
			if err := d.loadConfig(); err != nil {
				t.Fatal(err)
			}
			err := d.build()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("build error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	cfgFile := writeConfig(t, t.TempDir(), `offload { shards; `)
	err := New(Options{ConfigFile: cfgFile, Debug: true}).Run(context.Background())
	if err == nil {
		t.Fatal("Run accepted a broken configuration")
	}
}
