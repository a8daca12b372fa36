// Package policy decides which flows are offered to the hardware flow
// table.
package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/psaab/flowoffload/pkg/config"
	"github.com/psaab/flowoffload/pkg/flow"
)

// Meta is the per-packet context a policy may look at besides the key.
type Meta struct {
	InPort   flow.PortID
	Length   int
	TCPFlags uint8
}

// Policy is the admission predicate evaluated by classifier workers. It
// must be safe for concurrent use.
type Policy interface {
	Decide(k flow.Key, m Meta) flow.Decision
}

// Func adapts a function to Policy.
type Func func(k flow.Key, m Meta) flow.Decision

func (f Func) Decide(k flow.Key, m Meta) flow.Decision { return f(k, m) }

// AllowAll offloads every candidate flow.
var AllowAll Policy = Func(func(flow.Key, Meta) flow.Decision { return flow.Offload })

// PortRange is an inclusive port range.
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) contains(p uint16) bool { return p >= r.Lo && p <= r.Hi }

// Term is one match-action rule. Empty match fields match anything.
type Term struct {
	Name             string
	Protocol         uint8 // 0 = any
	SourcePrefixes   []netip.Prefix
	DestPrefixes     []netip.Prefix
	SourcePorts      []PortRange
	DestinationPorts []PortRange
	Action           flow.Decision

	hits atomic.Uint64
}

func (t *Term) matches(k flow.Key) bool {
	if t.Protocol != 0 && t.Protocol != k.Protocol {
		return false
	}
	if !matchPrefix(t.SourcePrefixes, netip.AddrFrom4(k.SrcIP)) {
		return false
	}
	if !matchPrefix(t.DestPrefixes, netip.AddrFrom4(k.DstIP)) {
		return false
	}
	if !matchPort(t.SourcePorts, k.SrcPort) {
		return false
	}
	return matchPort(t.DestinationPorts, k.DstPort)
}

func matchPrefix(ps []netip.Prefix, a netip.Addr) bool {
	if len(ps) == 0 {
		return true
	}
	for _, p := range ps {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

func matchPort(rs []PortRange, p uint16) bool {
	if len(rs) == 0 {
		return true
	}
	for _, r := range rs {
		if r.contains(p) {
			return true
		}
	}
	return false
}

// Rules evaluates terms in order; the first match decides, otherwise
// Default applies.
type Rules struct {
	Terms   []*Term
	Default flow.Decision
}

func (r *Rules) Decide(k flow.Key, _ Meta) flow.Decision {
	for _, t := range r.Terms {
		if t.matches(k) {
			t.hits.Add(1)
			return t.Action
		}
	}
	return r.Default
}

// TermHits is the hit count of one term.
type TermHits struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Hits   uint64 `json:"hits"`
}

// Hits returns per-term hit counts in evaluation order.
func (r *Rules) Hits() []TermHits {
	out := make([]TermHits, 0, len(r.Terms))
	for _, t := range r.Terms {
		out = append(out, TermHits{Name: t.Name, Action: t.Action.String(), Hits: t.hits.Load()})
	}
	return out
}

// ParsePortRange parses "80" or "1024-65535".
func ParsePortRange(s string) (PortRange, error) {
	loStr, hiStr, isRange := strings.Cut(s, "-")
	lo, err := strconv.ParseUint(loStr, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	if !isRange {
		return PortRange{Lo: uint16(lo), Hi: uint16(lo)}, nil
	}
	hi, err := strconv.ParseUint(hiStr, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	if lo > hi {
		return PortRange{}, fmt.Errorf("port range %q: low end above high end", s)
	}
	return PortRange{Lo: uint16(lo), Hi: uint16(hi)}, nil
}

// FromConfig compiles the policy block of a configuration.
func FromConfig(pc config.PolicyConfig) (*Rules, error) {
	def, err := flow.ParseDecision(pc.Default)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	rules := &Rules{Default: def}
	for _, tc := range pc.Terms {
		t, err := compileTerm(tc)
		if err != nil {
			return nil, fmt.Errorf("term %s: %w", tc.Name, err)
		}
		rules.Terms = append(rules.Terms, t)
	}
	return rules, nil
}

func compileTerm(tc *config.PolicyTerm) (*Term, error) {
	t := &Term{Name: tc.Name}
	var err error
	if tc.Protocol != "" {
		if t.Protocol, err = flow.ParseProto(tc.Protocol); err != nil {
			return nil, err
		}
	}
	if t.SourcePrefixes, err = prefixes(tc.SourcePrefixes); err != nil {
		return nil, err
	}
	if t.DestPrefixes, err = prefixes(tc.DestinationPrefixes); err != nil {
		return nil, err
	}
	if t.SourcePorts, err = portRanges(tc.SourcePorts); err != nil {
		return nil, err
	}
	if t.DestinationPorts, err = portRanges(tc.DestinationPorts); err != nil {
		return nil, err
	}
	if t.Action, err = flow.ParseDecision(tc.Action); err != nil {
		return nil, err
	}
	return t, nil
}

func prefixes(ss []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range ss {
		p, err := config.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func portRanges(ss []string) ([]PortRange, error) {
	var out []PortRange
	for _, s := range ss {
		r, err := ParsePortRange(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
