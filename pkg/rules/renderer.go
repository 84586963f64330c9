package rules

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/projectcalico/felix/pkg/ipsets"
	"github.com/projectcalico/felix/pkg/model"
	"github.com/projectcalico/felix/pkg/set"
)

// Renderer turns model objects into iptables rule fragments for one IP
// version.  Fragments are the argument portion of an append: the chain
// updater adds the "--append <chain>" itself.
type Renderer struct {
	IPVersion uint8
}

// StaticChains renders the fixed top-level chain: traffic on a workload
// interface is pushed through both dispatch chains and accepted if it makes
// it back out of them.
func (r Renderer) StaticChains(ifacePrefix string) (updates map[string][]string, deps map[string]set.Set[string]) {
	ifaceMatch := ifacePrefix + "+"
	forward := []string{
		fmt.Sprintf("--jump %s --in-interface %s", ChainFromEndpointDispatch, ifaceMatch),
		fmt.Sprintf("--jump %s --out-interface %s", ChainToEndpointDispatch, ifaceMatch),
		fmt.Sprintf("--jump ACCEPT --in-interface %s", ifaceMatch),
		fmt.Sprintf("--jump ACCEPT --out-interface %s", ifaceMatch),
	}
	updates = map[string][]string{ChainForward: forward}
	deps = map[string]set.Set[string]{
		ChainForward: set.From(ChainFromEndpointDispatch, ChainToEndpointDispatch),
	}
	return
}

// ProfileChains renders a profile's inbound and outbound rule chains.
func (r Renderer) ProfileChains(profileID string, rules *model.Rules) (updates map[string][]string, deps map[string]set.Set[string]) {
	inChain := ProfileChainName("inbound", profileID)
	outChain := ProfileChainName("outbound", profileID)
	updates = map[string][]string{
		inChain:  r.rulesToFragments(rules.InboundRules),
		outChain: r.rulesToFragments(rules.OutboundRules),
	}
	deps = map[string]set.Set[string]{
		inChain:  set.New[string](),
		outChain: set.New[string](),
	}
	return
}

func (r Renderer) rulesToFragments(rules []model.Rule) []string {
	frags := make([]string, 0, len(rules))
	for _, rule := range rules {
		if frag, ok := r.ruleToFragment(rule); ok {
			frags = append(frags, frag)
		}
	}
	return frags
}

// ruleToFragment renders one rule record; ok is false if the rule doesn't
// apply to this renderer's IP version.
func (r Renderer) ruleToFragment(rule model.Rule) (string, bool) {
	if rule.IPVersion != 0 && rule.IPVersion != int(r.IPVersion) {
		return "", false
	}
	// A protocol that can't exist on this family makes the whole rule
	// inapplicable.  Validation upstream rejects explicit mismatches; this
	// handles rules with no ip_version.
	if (rule.Protocol == "icmpv6" && r.IPVersion == 4) ||
		(rule.Protocol == "icmp" && r.IPVersion == 6) {
		return "", false
	}

	var parts []string
	if rule.Protocol != "" {
		parts = append(parts, "--protocol", r.protocolName(rule.Protocol))
	}
	if rule.SrcNet != "" {
		parts = append(parts, "--source", rule.SrcNet)
	}
	if rule.DstNet != "" {
		parts = append(parts, "--destination", rule.DstNet)
	}
	if len(rule.SrcPorts) > 0 {
		parts = append(parts, "--match", "multiport", "--source-ports", portList(rule.SrcPorts))
	}
	if len(rule.DstPorts) > 0 {
		parts = append(parts, "--match", "multiport", "--destination-ports", portList(rule.DstPorts))
	}
	if rule.SrcTag != "" {
		parts = append(parts, "--match", "set", "--match-set",
			ipsets.MainName(r.IPVersion, ipsets.TagToSuffix(rule.SrcTag)), "src")
	}
	if rule.DstTag != "" {
		parts = append(parts, "--match", "set", "--match-set",
			ipsets.MainName(r.IPVersion, ipsets.TagToSuffix(rule.DstTag)), "dst")
	}
	if rule.ICMPType != nil {
		icmpMatch := "--icmp-type"
		if r.IPVersion == 6 {
			icmpMatch = "--icmpv6-type"
		}
		typeSpec := fmt.Sprint(*rule.ICMPType)
		if rule.ICMPCode != nil {
			typeSpec = fmt.Sprintf("%d/%d", *rule.ICMPType, *rule.ICMPCode)
		}
		parts = append(parts, icmpMatch, typeSpec)
	}

	target := "RETURN"
	if rule.Action == model.ActionDeny {
		target = "DROP"
	} else if rule.Action != "" && rule.Action != model.ActionAllow {
		log.WithField("action", rule.Action).Warn("Unknown rule action, dropping traffic")
		target = "DROP"
	}
	parts = append(parts, "--jump", target)
	return strings.Join(parts, " "), true
}

// protocolName maps the model's protocol names onto what iptables expects.
func (r Renderer) protocolName(protocol string) string {
	if protocol == "icmpv6" {
		return "ipv6-icmp"
	}
	if protocol == "icmp" && r.IPVersion == 6 {
		return "ipv6-icmp"
	}
	return protocol
}

func portList(ports []model.Port) string {
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = p.String()
	}
	return strings.Join(strs, ",")
}

// ExtractTags returns the set of tags referenced by the rule list; the
// profile actor holds a reference on each one's ipset.
func ExtractTags(rules *model.Rules) set.Set[string] {
	tags := set.New[string]()
	for _, list := range [][]model.Rule{rules.InboundRules, rules.OutboundRules} {
		for _, rule := range list {
			if rule.SrcTag != "" {
				tags.Add(rule.SrcTag)
			}
			if rule.DstTag != "" {
				tags.Add(rule.DstTag)
			}
		}
	}
	return tags
}

// EndpointChains renders the "to" and "from" chains for a local endpoint.
// suffix is the hashed interface suffix; nets/mac/profileID come from the
// endpoint record.
func (r Renderer) EndpointChains(suffix string, nets []string, mac, profileID string) (updates map[string][]string, deps map[string]set.Set[string]) {
	toChain, fromChain := EndpointChainNames(suffix)
	profileInChain := ProfileChainName("inbound", profileID)
	profileOutChain := ProfileChainName("outbound", profileID)

	// Traffic into the endpoint.
	var toRules []string
	if r.IPVersion == 6 {
		// ICMPv6 types needed for the endpoint to participate in
		// neighbour discovery, MLD and router discovery at all.
		for _, icmpType := range []string{"130", "131", "132", "134", "135", "136"} {
			toRules = append(toRules, fmt.Sprintf(
				"--jump RETURN --protocol ipv6-icmp --icmpv6-type %s", icmpType))
		}
	}
	toRules = append(toRules,
		"--match conntrack --ctstate INVALID --jump DROP",
		"--match conntrack --ctstate RELATED,ESTABLISHED --jump RETURN",
		fmt.Sprintf("--goto %s", profileInChain),
	)

	// Traffic out of the endpoint.
	var fromRules []string
	if r.IPVersion == 6 {
		fromRules = append(fromRules, "--protocol ipv6-icmp --jump RETURN")
	}
	fromRules = append(fromRules,
		"--match conntrack --ctstate INVALID --jump DROP",
		"--match conntrack --ctstate RELATED,ESTABLISHED --jump RETURN",
	)
	if r.IPVersion == 4 {
		fromRules = append(fromRules,
			"--protocol udp --sport 68 --dport 67 --jump RETURN")
	} else {
		fromRules = append(fromRules,
			"--protocol udp --sport 546 --dport 547 --jump RETURN")
	}
	// Anti-spoofing: only traffic from the endpoint's own (IP, MAC) pairs
	// reaches the profile chain; everything else hits the trailing DROP.
	// --goto rather than --jump so a RETURN from the profile chain
	// returns to whatever called us, not back here.
	for _, net := range nets {
		cidr := net
		if !strings.Contains(cidr, "/") {
			if r.IPVersion == 4 {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		fromRules = append(fromRules, fmt.Sprintf(
			"--source %s --match mac --mac-source %s --goto %s",
			cidr, strings.ToUpper(mac), profileOutChain))
	}
	fromRules = append(fromRules,
		`--match comment --comment "Anti-spoof DROP" --jump DROP`)

	updates = map[string][]string{toChain: toRules, fromChain: fromRules}
	deps = map[string]set.Set[string]{
		toChain:   set.From(profileInChain),
		fromChain: set.From(profileOutChain),
	}
	return
}
