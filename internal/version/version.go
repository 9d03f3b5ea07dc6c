// Package version carries the build version, overridden at link time with
// -ldflags "-X github.com/po4yka/gitout/internal/version.Version=...".
package version

// Version is the build version string.
var Version = "dev"
