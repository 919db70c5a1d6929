// Package version holds the apo version string. Release builds set it via:
//
//	go build -ldflags "-X apo/cli/internal/version.Version=v1.0.0"
package version

// Version is the apo version. Set at build time for releases.
var Version = "dev"

// Commit is the short git commit hash, set via ldflags for dev builds.
var Commit = ""

// String returns the version for display. Dev builds with Commit set read
// "dev (abc1234)".
func String() string {
	if Version != "dev" || Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}

// UserAgent is the User-Agent header sent to completion endpoints.
func UserAgent() string {
	if Version == "dev" && Commit != "" {
		return "apo/dev-" + Commit
	}
	return "apo/" + Version
}
