package ipsets

import (
	"fmt"

	"github.com/projectcalico/felix/pkg/hashutils"
)

// The kernel limits ipset names to 31 bytes, so tag names are deterministically
// shortened to a 16 byte suffix before being embedded.
const (
	felixPrefix     = "felix-"
	maxSuffixLength = 16
)

// TagToSuffix shortens a tag name so it fits within the ipset name limit.
func TagToSuffix(tag string) string {
	return hashutils.ShortenName(tag, maxSuffixLength)
}

// MainName returns the name of the main ipset for the given tag suffix and
// IP version.
func MainName(ipVersion uint8, suffix string) string {
	return fmt.Sprintf("%sv%d-%s", felixPrefix, ipVersion, suffix)
}

// TempName returns the name of the temporary twin used during the atomic
// swap.
func TempName(ipVersion uint8, suffix string) string {
	return fmt.Sprintf("%stmp-v%d-%s", felixPrefix, ipVersion, suffix)
}

// NamePrefixes returns the prefixes that mark an ipset as owned by this
// agent for the given IP version; used by the start-of-day cleanup sweep.
func NamePrefixes(ipVersion uint8) []string {
	return []string{
		fmt.Sprintf("%sv%d-", felixPrefix, ipVersion),
		fmt.Sprintf("%stmp-v%d-", felixPrefix, ipVersion),
	}
}

func familyForVersion(ipVersion uint8) string {
	if ipVersion == 6 {
		return "inet6"
	}
	return "inet"
}
