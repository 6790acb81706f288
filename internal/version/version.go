// Package version carries the relay build stamp shown at startup by
// both binaries.
package version

// Overridden with -ldflags at release build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)
