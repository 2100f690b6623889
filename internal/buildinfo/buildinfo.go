// Package buildinfo carries identifiers stamped at build time via
// -ldflags.
package buildinfo

var (
	Version = "dev"
	Commit  = ""
)
