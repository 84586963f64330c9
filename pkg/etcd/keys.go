// Package etcd implements the datastore side of the agent: it loads
// configuration, reads snapshots and long-polls the etcd v2 API for deltas,
// parsing and validating payloads before handing them to the update sink.
package etcd

import (
	"fmt"
	"regexp"
)

// Datastore layout, all under the versioned root.
const (
	VersionDir = "/calico/v1"
	ReadyKey   = VersionDir + "/Ready"
	ConfigDir  = VersionDir + "/config"
	HostDir    = VersionDir + "/host"
	ProfileDir = VersionDir + "/policy/profile"
)

var (
	rulesKeyRe    = regexp.MustCompile(`^` + ProfileDir + `/(?P<profile_id>[^/]+)/rules$`)
	tagsKeyRe     = regexp.MustCompile(`^` + ProfileDir + `/(?P<profile_id>[^/]+)/tags$`)
	profileDirRe  = regexp.MustCompile(`^` + ProfileDir + `/(?P<profile_id>[^/]+)$`)
	endpointKeyRe = regexp.MustCompile(`^` + HostDir +
		`/(?P<hostname>[^/]+)/workload/(?P<orchestrator>[^/]+)/(?P<workload>[^/]+)/endpoint/(?P<endpoint_id>[^/]+)$`)
)

// prefixesToResyncOnChange lists the subtrees where an event we don't
// understand (typically a directory deletion) forces a full resync rather
// than a guess.
var prefixesToResyncOnChange = []string{
	ReadyKey,
	ProfileDir,
	HostDir,
}

// PerHostConfigDir returns the config-override directory for a host.
func PerHostConfigDir(hostname string) string {
	return fmt.Sprintf("%s/%s/config", HostDir, hostname)
}

// profileIDForProfileDir returns the profile ID if key is the root directory
// of a profile, or "" otherwise.
func profileIDForProfileDir(key string) string {
	m := profileDirRe.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return m[1]
}
