package dashboard

// Set at build time, e.g.
// go build -ldflags "-X github.com/markus-barta/wipboard/internal/dashboard.Version=$(cat VERSION)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionInfo returns a formatted version string for display
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
