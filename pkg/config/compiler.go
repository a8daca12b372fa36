package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load reads, parses and compiles the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	tree, errs := NewParser(string(data)).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", path, errs[0])
	}
	cfg, err := CompileConfig(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// CompileConfig converts a parsed ConfigTree into a typed Config. Values
// not set in the tree keep their defaults.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := Default()

	for _, node := range tree.Children {
		var err error
		switch node.Name() {
		case "system":
			err = compileSystem(node, &cfg.System)
		case "offload":
			err = compileOffload(node, &cfg.Offload)
		case "ingress":
			err = compileIngress(node, &cfg.Ingress)
		case "ports":
			err = compilePorts(node, cfg)
		case "policy":
			err = compilePolicy(node, &cfg.Policy)
		case "flow-export":
			err = compileFlowExport(node, &cfg.FlowExport)
		default:
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s: unknown statement %q ignored", node.pos(), node.Name()))
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.Name(), err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

func nodeVal(n *Node) string {
	if len(n.Keys) >= 2 {
		return n.Keys[1]
	}
	if len(n.Children) > 0 {
		return n.Children[0].Name()
	}
	return ""
}

func intVal(n *Node, lo int) (int, error) {
	v, err := strconv.Atoi(nodeVal(n))
	if err != nil {
		return 0, fmt.Errorf("%s: %s: invalid number %q", n.pos(), n.Name(), nodeVal(n))
	}
	if v < lo {
		return 0, fmt.Errorf("%s: %s: %d is below %d", n.pos(), n.Name(), v, lo)
	}
	return v, nil
}

func uint16Val(n *Node) (uint16, error) {
	v, err := strconv.ParseUint(nodeVal(n), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: invalid value %q", n.pos(), n.Name(), nodeVal(n))
	}
	return uint16(v), nil
}

// durationVal reads a bare number in unit, or a Go duration ("10ms").
func durationVal(n *Node, unit time.Duration) (time.Duration, error) {
	s := nodeVal(n)
	if v, err := strconv.Atoi(s); err == nil {
		if v <= 0 {
			return 0, fmt.Errorf("%s: %s must be positive", n.pos(), n.Name())
		}
		return time.Duration(v) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: %s: invalid duration %q", n.pos(), n.Name(), s)
	}
	return d, nil
}

func cpuList(n *Node) ([]int, error) {
	var cpus []int
	for _, s := range n.Args() {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%s: cpus: invalid cpu %q", n.pos(), s)
		}
		cpus = append(cpus, v)
	}
	return cpus, nil
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "log-level":
			switch v := nodeVal(child); v {
			case "debug", "info", "warn", "error":
				sys.LogLevel = v
			default:
				err = fmt.Errorf("%s: unknown log-level %q", child.pos(), v)
			}
		case "api-address":
			sys.APIAddress = nodeVal(child)
		case "grpc-address":
			sys.GRPCAddress = nodeVal(child)
		case "stats-interval":
			sys.StatsInterval, err = durationVal(child, time.Second)
		case "event-buffer":
			sys.EventBuffer, err = intVal(child, 1)
		case "api-key":
			sys.APIKeys = append(sys.APIKeys, child.Args()...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func compileOffload(node *Node, off *OffloadConfig) error {
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "driver":
			off.Driver = nodeVal(child)
		case "shards":
			off.Shards, err = intVal(child, 1)
		case "queue-size":
			off.QueueSize, err = intVal(child, 1)
		case "batch-size":
			off.BatchSize, err = intVal(child, 1)
		case "aging-interval":
			off.AgingInterval, err = intVal(child, 1)
		case "harvest-timeout":
			off.HarvestTimeout, err = durationVal(child, time.Microsecond)
		case "aging-budget":
			off.AgingBudget, err = durationVal(child, time.Microsecond)
		case "flow-timeout":
			off.FlowTimeout, err = durationVal(child, time.Second)
		case "table-size":
			off.TableSize, err = intVal(child, 1)
		case "pin-path":
			off.PinPath = nodeVal(child)
		case "cpus":
			off.CPUs, err = cpuList(child)
		case "idle-yield":
			off.IdleYield = true
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func compileIngress(node *Node, in *IngressConfig) error {
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "burst-size":
			in.BurstSize, err = intVal(child, 1)
		case "cpus":
			in.CPUs, err = cpuList(child)
		case "idle-yield":
			in.IdleYield = true
		case "slow-path-capture":
			in.Capture = nodeVal(child)
		case "source":
			var src *SourceConfig
			src, err = compileSource(child)
			if err == nil {
				in.Sources = append(in.Sources, src)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func compileSource(node *Node) (*SourceConfig, error) {
	src := &SourceConfig{Type: nodeVal(node), Queues: 1, Line: node.Line}
	if len(node.Keys) < 2 {
		return nil, fmt.Errorf("%s: source needs a type", node.pos())
	}
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "file":
			src.File = nodeVal(child)
		case "loop":
			src.Loop = true
		case "port":
			src.Port, err = uint16Val(child)
		case "interface":
			src.Interface = nodeVal(child)
		case "fanout-id":
			src.FanoutID, err = uint16Val(child)
		case "queues":
			src.Queues, err = intVal(child, 1)
		}
		if err != nil {
			return nil, err
		}
	}
	switch src.Type {
	case SourcePcap:
		if src.File == "" {
			return nil, fmt.Errorf("%s: pcap source needs a file", node.pos())
		}
	case SourceAFPacket:
		if src.Interface == "" {
			return nil, fmt.Errorf("%s: af-packet source needs an interface", node.pos())
		}
	default:
		return nil, fmt.Errorf("%s: unknown source type %q", node.pos(), src.Type)
	}
	return src, nil
}

func compilePorts(node *Node, cfg *Config) error {
	for _, pn := range node.FindChildren("port") {
		id, err := uint16Val(pn)
		if err != nil {
			return err
		}
		if cfg.Port(id) != nil {
			return fmt.Errorf("%s: port %d defined twice", pn.pos(), id)
		}
		port := &PortConfig{ID: id, Peer: id ^ 1, HairpinQueues: 1}
		for _, child := range pn.Children {
			switch child.Name() {
			case "interface":
				port.Interface = nodeVal(child)
			case "peer":
				port.Peer, err = uint16Val(child)
			case "hairpin-queue":
				port.HairpinQueue, err = uint16Val(child)
			case "hairpin-queues":
				port.HairpinQueues, err = uint16Val(child)
			}
			if err != nil {
				return err
			}
		}
		cfg.Ports = append(cfg.Ports, port)
	}
	return nil
}

func compilePolicy(node *Node, pol *PolicyConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "default":
			pol.Default = nodeVal(child)
		case "hairpin-reverse":
			pol.HairpinReverse = true
		case "term":
			if len(child.Keys) < 2 {
				return fmt.Errorf("%s: term needs a name", child.pos())
			}
			term, err := compileTerm(child)
			if err != nil {
				return err
			}
			pol.Terms = append(pol.Terms, term)
		}
	}
	return nil
}

func compileTerm(node *Node) (*PolicyTerm, error) {
	term := &PolicyTerm{Name: node.Keys[1]}
	// Match conditions may sit directly in the term or in a "from" block.
	conds := node.Children
	if from := node.FindChild("from"); from != nil {
		conds = append(append([]*Node(nil), conds...), from.Children...)
	}
	for _, child := range conds {
		switch child.Name() {
		case "protocol":
			term.Protocol = nodeVal(child)
		case "source-address", "source-prefix":
			term.SourcePrefixes = append(term.SourcePrefixes, child.Args()...)
		case "destination-address", "destination-prefix":
			term.DestinationPrefixes = append(term.DestinationPrefixes, child.Args()...)
		case "source-port":
			term.SourcePorts = append(term.SourcePorts, child.Args()...)
		case "destination-port":
			term.DestinationPorts = append(term.DestinationPorts, child.Args()...)
		case "then":
			term.Action = nodeVal(child)
		}
	}
	if term.Action == "" {
		return nil, fmt.Errorf("%s: term %s has no action", node.pos(), term.Name)
	}
	return term, nil
}

func compileFlowExport(node *Node, fe *FlowExportConfig) error {
	for _, child := range node.Children {
		var err error
		switch child.Name() {
		case "collector":
			addr := nodeVal(child)
			if _, _, serr := net.SplitHostPort(addr); serr != nil {
				err = fmt.Errorf("%s: collector %q: want host:port", child.pos(), addr)
				break
			}
			fe.Collectors = append(fe.Collectors, addr)
		case "source-address":
			fe.SourceAddress = nodeVal(child)
		case "template-refresh":
			fe.TemplateRefresh, err = durationVal(child, time.Second)
		case "sampling-rate":
			fe.SamplingRate, err = intVal(child, 1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// validate rejects configurations the daemon cannot run with.
func validate(cfg *Config) error {
	if !validAction(cfg.Policy.Default) {
		return fmt.Errorf("policy: unknown default action %q", cfg.Policy.Default)
	}
	for _, t := range cfg.Policy.Terms {
		if !validAction(t.Action) {
			return fmt.Errorf("policy: term %s: unknown action %q", t.Name, t.Action)
		}
		switch t.Protocol {
		case "", "tcp", "udp":
		default:
			return fmt.Errorf("policy: term %s: unsupported protocol %q", t.Name, t.Protocol)
		}
		for _, p := range append(append([]string(nil), t.SourcePrefixes...), t.DestinationPrefixes...) {
			if _, err := parsePrefix(p); err != nil {
				return fmt.Errorf("policy: term %s: %w", t.Name, err)
			}
		}
	}
	if cfg.Offload.Driver == "" {
		return fmt.Errorf("offload: driver not set")
	}
	return nil
}

func validAction(a string) bool {
	switch a {
	case "offload", "pass-through", "drop", "discard":
		return true
	}
	return false
}

// parsePrefix accepts "10.0.0.0/8" or a bare IPv4 address.
func parsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is4() {
			return netip.Prefix{}, fmt.Errorf("invalid IPv4 address %q", s)
		}
		return netip.PrefixFrom(a, 32), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("invalid IPv4 prefix %q", s)
	}
	return p.Masked(), nil
}

// ParsePrefix is the prefix syntax accepted by policy terms.
func ParsePrefix(s string) (netip.Prefix, error) { return parsePrefix(s) }

// ValidateConfig performs cross-reference validation on a compiled config.
// Returns a list of warnings (non-fatal) for settings that will not take
// full effect.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	off := cfg.Offload

	if off.BatchSize > off.QueueSize {
		warnings = append(warnings, fmt.Sprintf(
			"offload batch-size %d exceeds queue-size %d", off.BatchSize, off.QueueSize))
	}
	if len(off.CPUs) > 0 && len(off.CPUs) < off.Shards {
		warnings = append(warnings, fmt.Sprintf(
			"offload cpus lists %d cpus for %d shards; extra shards are not pinned", len(off.CPUs), off.Shards))
	}

	for _, p := range cfg.Ports {
		if cfg.Port(p.Peer) == nil && len(cfg.Ports) > 1 {
			warnings = append(warnings, fmt.Sprintf("port %d: peer %d is not defined", p.ID, p.Peer))
		}
		if p.HairpinQueues == 0 {
			warnings = append(warnings, fmt.Sprintf("port %d: hairpin-queues 0 leaves no hairpin queue", p.ID))
		}
	}

	workers := 0
	for _, s := range cfg.Ingress.Sources {
		workers += s.Queues
		if s.Type == SourceAFPacket && cfg.PortByInterface(s.Interface) == nil {
			warnings = append(warnings, fmt.Sprintf(
				"af-packet source on %s: interface not bound to a port, using port 0", s.Interface))
		}
	}
	if n := len(cfg.Ingress.CPUs); n > 0 && n < workers {
		warnings = append(warnings, fmt.Sprintf(
			"ingress cpus lists %d cpus for %d classifiers; extra classifiers are not pinned", n, workers))
	}
	return warnings
}
