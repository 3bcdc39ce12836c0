// Package version carries build identity for the meshbridge binary.
package version

import "fmt"

var (
	// Number is the semantic version of the bridge addon. Overridden via -ldflags "-X".
	Number = "0.1.0"
	// Commit is the git commit hash injected at build time.
	Commit = "dev"
	// BuildDate is the build timestamp injected at build time.
	BuildDate = "unknown"
)

// Full returns a human-friendly version string.
func Full() string {
	return fmt.Sprintf("%s (commit:%s, built:%s)", Number, Commit, BuildDate)
}
