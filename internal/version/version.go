// Package version carries build metadata for the guardian binary.
package version

var (
	// Version is set with -ldflags "-X compliance-guardian/internal/version.Version=...".
	Version = "dev"
	Commit  = "unknown"
	// BuildDate is an RFC 3339 timestamp stamped by the release build.
	BuildDate = "unknown"
)

// Info is the build metadata reported by the version command and /healthz.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Current returns the metadata compiled into this binary.
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate}
}
