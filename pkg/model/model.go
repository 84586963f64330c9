// Package model defines the datastore objects the agent consumes: workload
// endpoints and the two halves of a profile (rules and tags).
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Endpoint is a workload network attachment, as stored in the datastore.
// Endpoints whose Host matches this agent's hostname are "local" and get
// their interface and chains programmed.
type Endpoint struct {
	ID          string   `json:"-"`
	Host        string   `json:"-"`
	State       string   `json:"state"`
	Name        string   `json:"name"`
	MAC         string   `json:"mac"`
	ProfileID   string   `json:"profile_id"`
	IPv4Nets    []string `json:"ipv4_nets"`
	IPv6Nets    []string `json:"ipv6_nets"`
	IPv4Gateway string   `json:"ipv4_gateway,omitempty"`
	IPv6Gateway string   `json:"ipv6_gateway,omitempty"`
}

const (
	StateActive   = "active"
	StateInactive = "inactive"
)

// NetsForVersion returns the endpoint's configured networks for the given IP
// version.
func (e *Endpoint) NetsForVersion(ipVersion uint8) []string {
	if ipVersion == 6 {
		return e.IPv6Nets
	}
	return e.IPv4Nets
}

// IPsForVersion returns the bare IP addresses of the endpoint's networks for
// the given IP version (any CIDR suffix stripped).
func (e *Endpoint) IPsForVersion(ipVersion uint8) []string {
	nets := e.NetsForVersion(ipVersion)
	ips := make([]string, 0, len(nets))
	for _, n := range nets {
		ips = append(ips, NetToIP(n))
	}
	return ips
}

// NetToIP strips the CIDR suffix, if any, from a network string.
func NetToIP(net string) string {
	if idx := strings.Index(net, "/"); idx >= 0 {
		return net[:idx]
	}
	return net
}

// Rules holds a profile's ordered inbound and outbound rule lists.
type Rules struct {
	ID            string `json:"-"`
	InboundRules  []Rule `json:"inbound_rules"`
	OutboundRules []Rule `json:"outbound_rules"`
}

// Rule is a single match/action record.  All fields are optional; an empty
// rule matches all traffic and allows it.
type Rule struct {
	Protocol  string `json:"protocol,omitempty"`
	IPVersion int    `json:"ip_version,omitempty"`
	SrcNet    string `json:"src_net,omitempty"`
	DstNet    string `json:"dst_net,omitempty"`
	SrcPorts  []Port `json:"src_ports,omitempty"`
	DstPorts  []Port `json:"dst_ports,omitempty"`
	SrcTag    string `json:"src_tag,omitempty"`
	DstTag    string `json:"dst_tag,omitempty"`
	ICMPType  *int   `json:"icmp_type,omitempty"`
	ICMPCode  *int   `json:"icmp_code,omitempty"`
	Action    string `json:"action,omitempty"`
}

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Port is either a single port number or a "start:end" range.  The datastore
// encodes single ports as JSON numbers and ranges as strings.
type Port struct {
	First int
	Last  int
}

func (p Port) IsRange() bool {
	return p.Last != p.First
}

func (p Port) String() string {
	if p.IsRange() {
		return fmt.Sprintf("%d:%d", p.First, p.Last)
	}
	return strconv.Itoa(p.First)
}

func (p *Port) UnmarshalJSON(data []byte) error {
	var num int
	if err := json.Unmarshal(data, &num); err == nil {
		p.First = num
		p.Last = num
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("port must be a number or a \"start:end\" string: %s", data)
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("port range %q is not of the form start:end", s)
	}
	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return fmt.Errorf("port range %q has a non-numeric start", s)
	}
	last, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("port range %q has a non-numeric end", s)
	}
	p.First = first
	p.Last = last
	return nil
}

func (p Port) MarshalJSON() ([]byte, error) {
	if p.IsRange() {
		return json.Marshal(p.String())
	}
	return json.Marshal(p.First)
}
