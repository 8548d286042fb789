// Package version carries build metadata, injected via -ldflags at release
// time.
package version

var (
	// Version is the current daemon version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)
