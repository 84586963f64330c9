package etcd

import (
	"fmt"
	"net"
	"strings"

	"github.com/projectcalico/felix/pkg/model"
)

// ValidationError collects every problem found with a payload; a record that
// fails validation is treated as deleted, never applied partially.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Issues, " ")
}

func validationError(issues []string) error {
	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ValidateEndpoint checks the invariants the rest of the agent depends on.
func ValidateEndpoint(ifacePrefix string, ep *model.Endpoint) error {
	var issues []string

	switch ep.State {
	case model.StateActive, model.StateInactive:
	case "":
		issues = append(issues, "Missing 'state' field.")
	default:
		issues = append(issues, "Expected 'state' to be one of active/inactive.")
	}

	if ep.Name == "" {
		issues = append(issues, "Missing 'name' field.")
	} else if ifacePrefix != "" && !strings.HasPrefix(ep.Name, ifacePrefix) {
		issues = append(issues, fmt.Sprintf(
			"Interface %q does not start with %q.", ep.Name, ifacePrefix))
	}
	if ep.MAC == "" {
		issues = append(issues, "Missing 'mac' field.")
	}

	for _, nets := range []struct {
		version uint8
		nets    []string
		gateway string
	}{
		{4, ep.IPv4Nets, ep.IPv4Gateway},
		{6, ep.IPv6Nets, ep.IPv6Gateway},
	} {
		if nets.nets == nil {
			issues = append(issues, fmt.Sprintf("Missing ipv%d_nets.", nets.version))
		}
		for _, n := range nets.nets {
			if !validCIDR(n, int(nets.version)) {
				issues = append(issues, fmt.Sprintf(
					"IP address %q is not a valid IPv%d CIDR.", n, nets.version))
				break
			}
		}
		if nets.gateway != "" && !validIP(nets.gateway, int(nets.version)) {
			issues = append(issues, fmt.Sprintf(
				"ipv%d_gateway is not a valid IPv%d gateway address.",
				nets.version, nets.version))
		}
	}

	return validationError(issues)
}

// ValidateRules checks each rule of both directions.
func ValidateRules(rules *model.Rules) error {
	var issues []string
	for _, dir := range []struct {
		name  string
		rules []model.Rule
	}{
		{"inbound_rules", rules.InboundRules},
		{"outbound_rules", rules.OutboundRules},
	} {
		for _, rule := range dir.rules {
			issues = append(issues, validateRule(dir.name, rule)...)
		}
	}
	return validationError(issues)
}

func validateRule(direction string, rule model.Rule) []string {
	var issues []string
	desc := fmt.Sprintf("%s rule %+v", direction, rule)

	switch rule.Protocol {
	case "", "tcp", "udp", "icmp", "icmpv6":
	default:
		issues = append(issues, fmt.Sprintf("Invalid protocol in %s.", desc))
	}

	switch rule.IPVersion {
	case 0, 4, 6:
	default:
		// A bad IP version prevents further validation.
		return append(issues, fmt.Sprintf("Invalid ip_version in %s.", desc))
	}
	if rule.IPVersion == 4 && rule.Protocol == "icmpv6" {
		issues = append(issues, fmt.Sprintf("Using icmpv6 with IPv4 in %s.", desc))
	}
	if rule.IPVersion == 6 && rule.Protocol == "icmp" {
		issues = append(issues, fmt.Sprintf("Using icmp with IPv6 in %s.", desc))
	}

	for _, net := range []string{rule.SrcNet, rule.DstNet} {
		if net != "" && !validCIDR(net, rule.IPVersion) {
			issues = append(issues, fmt.Sprintf(
				"Invalid CIDR (version %d) in %s.", rule.IPVersion, desc))
		}
	}

	for _, ports := range [][]model.Port{rule.SrcPorts, rule.DstPorts} {
		for _, port := range ports {
			if err := validatePort(port); err != nil {
				issues = append(issues, fmt.Sprintf(
					"Invalid port %s (%v) in %s.", port, err, desc))
			}
		}
	}

	switch rule.Action {
	case "", model.ActionAllow, model.ActionDeny:
	default:
		issues = append(issues, fmt.Sprintf("Invalid action in %s.", desc))
	}

	if rule.ICMPType != nil && (*rule.ICMPType < 0 || *rule.ICMPType > 255) {
		issues = append(issues, "ICMP type is out of range.")
	}
	if rule.ICMPCode != nil {
		if *rule.ICMPCode < 0 || *rule.ICMPCode > 255 {
			issues = append(issues, "ICMP code is out of range.")
		}
		if rule.ICMPType == nil {
			// iptables can't match a code without a type.
			issues = append(issues, "ICMP code specified without ICMP type.")
		}
	}

	return issues
}

func validatePort(port model.Port) error {
	if port.First < 1 || port.Last > 65535 {
		return fmt.Errorf("out of range")
	}
	if port.IsRange() && port.First >= port.Last {
		return fmt.Errorf("range invalid")
	}
	return nil
}

// validCIDR accepts a CIDR or a bare address of the given version (0 = any).
func validCIDR(s string, version int) bool {
	addr := s
	if strings.Contains(s, "/") {
		ip, _, err := net.ParseCIDR(s)
		if err != nil {
			return false
		}
		addr = ip.String()
	}
	return validIP(addr, version)
}

func validIP(s string, version int) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	switch version {
	case 4:
		return ip.To4() != nil
	case 6:
		return ip.To4() == nil
	}
	return true
}
