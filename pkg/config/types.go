package config

import "time"

// Config is the top-level typed configuration, compiled from the AST.
type Config struct {
	System     SystemConfig
	Offload    OffloadConfig
	Ingress    IngressConfig
	Ports      []*PortConfig
	Policy     PolicyConfig
	FlowExport FlowExportConfig
	Warnings   []string // non-fatal validation warnings
}

// SystemConfig holds daemon-wide settings.
type SystemConfig struct {
	LogLevel      string // debug, info, warn, error
	APIAddress    string // HTTP API listen address; "" disables
	GRPCAddress   string // gRPC listen address; "" disables
	StatsInterval time.Duration
	EventBuffer   int      // offload events kept for the API
	APIKeys       []string // bearer tokens accepted by the HTTP API; none disables auth
}

// OffloadConfig configures the flow table driver and the offload workers.
type OffloadConfig struct {
	Driver         string // hwtable backend: "sim" or "ebpf"
	Shards         int
	QueueSize      int
	BatchSize      int
	AgingInterval  int // loop iterations between aging sweeps
	HarvestTimeout time.Duration
	AgingBudget    time.Duration
	FlowTimeout    time.Duration
	TableSize      int
	PinPath        string
	CPUs           []int // CPU per shard, in shard order
	IdleYield      bool
}

// IngressConfig configures classifier workers and their sources.
type IngressConfig struct {
	BurstSize int
	CPUs      []int // CPU per classifier, in source order
	IdleYield bool
	Capture   string // slow-path packets go to this pcap file instead of the ports
	Sources   []*SourceConfig
}

// Source types.
const (
	SourcePcap     = "pcap"
	SourceAFPacket = "af-packet"
)

// SourceConfig is one ingress source. An af-packet source with Queues > 1
// expands to that many classifier workers sharing a fanout group.
type SourceConfig struct {
	Type      string
	File      string // pcap
	Loop      bool   // pcap
	Port      uint16 // ingress port of a pcap source
	Interface string // af-packet
	FanoutID  uint16 // af-packet
	Queues    int    // af-packet
	Line      int
}

// PortConfig describes one switch port of the hairpin topology.
type PortConfig struct {
	ID            uint16
	Interface     string
	Peer          uint16 // egress port for traffic entering here
	HairpinQueue  uint16 // first hairpin queue
	HairpinQueues uint16 // number of hairpin queues
}

// PolicyConfig is the admission policy.
type PolicyConfig struct {
	Default        string // offload, pass-through, drop
	HairpinReverse bool
	Terms          []*PolicyTerm
}

// PolicyTerm is one match-action rule of the admission policy.
type PolicyTerm struct {
	Name                string
	Protocol            string
	SourcePrefixes      []string
	DestinationPrefixes []string
	SourcePorts         []string
	DestinationPorts    []string
	Action              string
}

// FlowExportConfig sends NetFlow v9 records of retired flows to
// collectors. No collectors disables export.
type FlowExportConfig struct {
	Collectors      []string // "host:port"
	SourceAddress   string
	TemplateRefresh time.Duration
	SamplingRate    int // export 1 in N retired flows; 0 or 1 exports all
}

// Defaults for settings the configuration leaves out.
const (
	DefaultAPIAddress      = "127.0.0.1:8080"
	DefaultGRPCAddress     = "127.0.0.1:50051"
	DefaultStatsInterval   = 10 * time.Second
	DefaultEventBuffer     = 1024
	DefaultDriver          = "sim"
	DefaultShards          = 2
	DefaultQueueSize       = 4096
	DefaultBatchSize       = 16
	DefaultAgingInterval   = 1000
	DefaultHarvestTimeout  = 10 * time.Millisecond
	DefaultAgingBudget     = time.Millisecond
	DefaultFlowTimeout     = 30 * time.Second
	DefaultTableSize       = 1 << 21
	DefaultBurstSize       = 256
	DefaultTemplateRefresh = time.Minute
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:      "info",
			APIAddress:    DefaultAPIAddress,
			GRPCAddress:   DefaultGRPCAddress,
			StatsInterval: DefaultStatsInterval,
			EventBuffer:   DefaultEventBuffer,
		},
		Offload: OffloadConfig{
			Driver:         DefaultDriver,
			Shards:         DefaultShards,
			QueueSize:      DefaultQueueSize,
			BatchSize:      DefaultBatchSize,
			AgingInterval:  DefaultAgingInterval,
			HarvestTimeout: DefaultHarvestTimeout,
			AgingBudget:    DefaultAgingBudget,
			FlowTimeout:    DefaultFlowTimeout,
			TableSize:      DefaultTableSize,
		},
		Ingress:    IngressConfig{BurstSize: DefaultBurstSize},
		Policy:     PolicyConfig{Default: "offload"},
		FlowExport: FlowExportConfig{TemplateRefresh: DefaultTemplateRefresh},
	}
}

// Port returns the port with the given id.
func (c *Config) Port(id uint16) *PortConfig {
	for _, p := range c.Ports {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PortByInterface returns the port bound to iface.
func (c *Config) PortByInterface(iface string) *PortConfig {
	for _, p := range c.Ports {
		if p.Interface == iface {
			return p
		}
	}
	return nil
}
