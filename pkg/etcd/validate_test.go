package etcd

import (
	"strings"
	"testing"

	"github.com/projectcalico/felix/pkg/model"
)

func validEndpoint() *model.Endpoint {
	return &model.Endpoint{
		State:     model.StateActive,
		Name:      "tap1234",
		MAC:       "aa:bb:cc:dd:ee:ff",
		ProfileID: "prof1",
		IPv4Nets:  []string{"10.0.0.1/32"},
		IPv6Nets:  []string{},
	}
}

func TestValidateEndpoint(t *testing.T) {
	testCases := []struct {
		desc    string
		mutate  func(*model.Endpoint)
		wantErr string
	}{
		{"valid", func(e *model.Endpoint) {}, ""},
		{"bare address is a valid net", func(e *model.Endpoint) {
			e.IPv4Nets = []string{"10.0.0.1"}
		}, ""},
		{"inactive is valid", func(e *model.Endpoint) {
			e.State = model.StateInactive
		}, ""},
		{"missing state", func(e *model.Endpoint) { e.State = "" }, "state"},
		{"bad state", func(e *model.Endpoint) { e.State = "pending" }, "active/inactive"},
		{"missing name", func(e *model.Endpoint) { e.Name = "" }, "name"},
		{"wrong iface prefix", func(e *model.Endpoint) { e.Name = "eth0" }, "does not start with"},
		{"missing mac", func(e *model.Endpoint) { e.MAC = "" }, "mac"},
		{"missing ipv4_nets", func(e *model.Endpoint) { e.IPv4Nets = nil }, "ipv4_nets"},
		{"missing ipv6_nets", func(e *model.Endpoint) { e.IPv6Nets = nil }, "ipv6_nets"},
		{"bad v4 net", func(e *model.Endpoint) {
			e.IPv4Nets = []string{"not-an-ip"}
		}, "not a valid IPv4"},
		{"v6 address in v4 nets", func(e *model.Endpoint) {
			e.IPv4Nets = []string{"fd00::1"}
		}, "not a valid IPv4"},
		{"bad gateway", func(e *model.Endpoint) {
			e.IPv6Gateway = "10.0.0.1"
		}, "gateway"},
	}
	for _, tc := range testCases {
		ep := validEndpoint()
		tc.mutate(ep)
		err := ValidateEndpoint("tap", ep)
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.desc, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s: expected error containing %q, got none", tc.desc, tc.wantErr)
		} else if !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error %q doesn't mention %q", tc.desc, err, tc.wantErr)
		}
	}
}

func intPtr(i int) *int { return &i }

func TestValidateRules(t *testing.T) {
	testCases := []struct {
		desc    string
		rule    model.Rule
		wantErr string
	}{
		{"empty rule", model.Rule{}, ""},
		{"simple tcp", model.Rule{Protocol: "tcp", Action: "allow"}, ""},
		{"port range", model.Rule{DstPorts: []model.Port{{First: 80, Last: 90}}}, ""},
		{"icmp with type and code", model.Rule{
			Protocol: "icmp", ICMPType: intPtr(8), ICMPCode: intPtr(0),
		}, ""},
		{"bad protocol", model.Rule{Protocol: "sctp"}, "Invalid protocol"},
		{"bad ip version", model.Rule{IPVersion: 5}, "Invalid ip_version"},
		{"icmpv6 with v4", model.Rule{IPVersion: 4, Protocol: "icmpv6"}, "icmpv6 with IPv4"},
		{"icmp with v6", model.Rule{IPVersion: 6, Protocol: "icmp"}, "icmp with IPv6"},
		{"bad cidr", model.Rule{IPVersion: 4, SrcNet: "10.0.0.0/33"}, "Invalid CIDR"},
		{"port zero", model.Rule{SrcPorts: []model.Port{{First: 0, Last: 0}}}, "Invalid port"},
		{"port too big", model.Rule{SrcPorts: []model.Port{{First: 1, Last: 70000}}}, "Invalid port"},
		{"inverted range", model.Rule{SrcPorts: []model.Port{{First: 90, Last: 80}}}, "Invalid port"},
		{"bad action", model.Rule{Action: "log"}, "Invalid action"},
		{"icmp type out of range", model.Rule{ICMPType: intPtr(256)}, "ICMP type"},
		{"icmp code without type", model.Rule{ICMPCode: intPtr(0)}, "without ICMP type"},
	}
	for _, tc := range testCases {
		err := ValidateRules(&model.Rules{InboundRules: []model.Rule{tc.rule}})
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.desc, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s: expected error containing %q, got none", tc.desc, tc.wantErr)
		} else if !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error %q doesn't mention %q", tc.desc, err, tc.wantErr)
		}
	}
}
