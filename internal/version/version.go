// Package version holds build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for logs and the debug index.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("turret %s (%s, built %s)", Version, sha, BuildTime)
}
