// Package version holds build metadata, set with -ldflags at release time.
package version

var (
	Version = "dev"
	Commit  = "none"
)

// String returns "version (commit)".
func String() string {
	return Version + " (" + Commit + ")"
}
