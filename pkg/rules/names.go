// Package rules translates the abstract policy model into iptables chains:
// per-profile rule chains, per-endpoint chains and the static top-level
// chains, plus the naming scheme that ties them together.
package rules

import (
	"strings"

	"github.com/projectcalico/felix/pkg/hashutils"
)

// All our chains share a prefix so that left-over state from a dead agent
// can be identified and swept.
const (
	ChainNamePrefix = "felix-"

	// Top-level chain, jumped to from the kernel's FORWARD chain.
	ChainForward = ChainNamePrefix + "FORWARD"

	// Dispatch chains routing traffic to/from each known local interface.
	ChainFromEndpointDispatch = ChainNamePrefix + "FROM-ENDPOINT"
	ChainToEndpointDispatch   = ChainNamePrefix + "TO-ENDPOINT"

	// Per-endpoint chain prefixes; completed with the hashed interface
	// suffix.
	ChainToEndpointPrefix   = ChainNamePrefix + "to-"
	ChainFromEndpointPrefix = ChainNamePrefix + "from-"

	// Per-profile chain prefix; completed with the hashed profile ID and
	// a direction marker.
	ChainProfilePrefix = ChainNamePrefix + "p-"

	// Interface suffixes and profile IDs are shortened to this many bytes
	// to respect the kernel's 28 byte chain name limit.
	maxNameSuffixLength = 16
)

// InterfaceToSuffix strips the configured interface prefix from an interface
// name and shortens the remainder deterministically.
func InterfaceToSuffix(ifacePrefix, ifaceName string) string {
	suffix := strings.Replace(ifaceName, ifacePrefix, "", 1)
	return hashutils.ShortenName(suffix, maxNameSuffixLength)
}

// EndpointChainNames returns the "to" and "from" chain names for an endpoint
// given its hashed interface suffix.
func EndpointChainNames(suffix string) (toChain, fromChain string) {
	return ChainToEndpointPrefix + suffix, ChainFromEndpointPrefix + suffix
}

// ProfileChainName returns the name of a profile's rule chain for the given
// direction ("inbound" or "outbound").
func ProfileChainName(direction, profileID string) string {
	marker := "i"
	if direction == "outbound" {
		marker = "o"
	}
	return ChainProfilePrefix + hashutils.ShortenName(profileID, maxNameSuffixLength) + "-" + marker
}
