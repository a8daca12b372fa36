package flow

import (
	"net/netip"
	"testing"
)

func TestRouterDeterministic(t *testing.T) {
	r, err := NewRouter(4)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[int]bool)
	for port := uint16(1); port < 512; port++ {
		k := Key{
			SrcIP:    [4]byte{192, 168, 1, 10},
			DstIP:    [4]byte{192, 168, 2, 20},
			SrcPort:  port,
			DstPort:  443,
			Protocol: ProtoTCP,
		}
		s := r.ShardFor(k)
		if s < 0 || s >= 4 {
			t.Fatalf("shard %d out of range", s)
		}
		for i := 0; i < 3; i++ {
			if again := r.ShardFor(k); again != s {
				t.Fatalf("ShardFor(%s) = %d then %d", k, s, again)
			}
		}
		// An install and a remove build their keys independently.
		remove := Request{Op: OpRemove, Match: Match{Key: k}}
		if r.ShardFor(remove.Key()) != s {
			t.Fatalf("remove of %s routed differently", k)
		}
		seen[s] = true
	}
	if len(seen) != 4 {
		t.Errorf("only %d of 4 shards used", len(seen))
	}
}

func TestNewRouterRejectsZero(t *testing.T) {
	if _, err := NewRouter(0); err == nil {
		t.Fatal("NewRouter(0) succeeded")
	}
}

func TestKeyEncoding(t *testing.T) {
	k, err := NewKey(ProtoUDP,
		netip.MustParseAddrPort("10.0.0.1:53"),
		netip.MustParseAddrPort("10.0.0.2:1024"))
	if err != nil {
		t.Fatal(err)
	}
	b := k.Bytes()
	want := [KeyLen]byte{10, 0, 0, 1, 10, 0, 0, 2, 0, 53, 0x04, 0x00, 17}
	if b != want {
		t.Errorf("Bytes() = %v, want %v", b, want)
	}
	if got := k.String(); got != "udp 10.0.0.1:53->10.0.0.2:1024" {
		t.Errorf("String() = %q", got)
	}
	if k.Reverse().Reverse() != k {
		t.Error("Reverse is not an involution")
	}
	if _, err := NewKey(ProtoTCP,
		netip.MustParseAddrPort("[::1]:1"),
		netip.MustParseAddrPort("10.0.0.2:2")); err == nil {
		t.Error("NewKey accepted an IPv6 endpoint")
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"offload", Offload, false},
		{"pass-through", PassThrough, false},
		{"discard", Drop, false},
		{"drop", Drop, false},
		{"reject", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDecision(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseDecision(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("udp", "10.0.0.1:5353", "10.0.0.2:53")
	if err != nil {
		t.Fatal(err)
	}
	if k.Protocol != ProtoUDP || k.SrcPort != 5353 || k.DstIP != [4]byte{10, 0, 0, 2} {
		t.Errorf("key = %+v", k)
	}
	if k.String() != "udp 10.0.0.1:5353->10.0.0.2:53" {
		t.Errorf("String() = %q", k.String())
	}
	for _, bad := range [][3]string{
		{"icmp", "10.0.0.1:1", "10.0.0.2:2"},
		{"tcp", "10.0.0.1", "10.0.0.2:2"},
		{"tcp", "10.0.0.1:1", "[::1]:2"},
	} {
		if _, err := ParseKey(bad[0], bad[1], bad[2]); err == nil {
			t.Errorf("ParseKey(%v) succeeded", bad)
		}
	}
}
