// Package version holds the build-time version string, which the swod
// daemon reports in its startup log line.
package version

// Version is set at build time via -ldflags, e.g.:
//
//	go build -ldflags "-X github.com/tripwire/swodecode/internal/version.Version=v1.2.3"
var Version = "dev"

// String returns the current version string.
func String() string {
	return Version
}
