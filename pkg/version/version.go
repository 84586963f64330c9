// Package version holds the build version, overridden at link time with
// -ldflags "-X github.com/projectcalico/felix/pkg/version.Version=...".
package version

var Version = "dev"
