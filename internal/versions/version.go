// Package versions reports build information and the replication protocol
// version spoken by thv-replicator.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const unknownStr = "unknown"

// Set at build time with -ldflags
var (
	// Version is the release version of thv-replicator
	Version = "dev"
	// Commit is the git commit hash of the build
	Commit = unknownStr
	// BuildDate is when the binary was built
	BuildDate = unknownStr
)

// VersionInfo is printed by the version command
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Protocol  string `json:"protocol"`
}

// GetVersionInfo returns the build information
func GetVersionInfo() VersionInfo {
	return versionInfo(Version, Commit, BuildDate)
}

func versionInfo(version, commit, buildDate string) VersionInfo {
	if strings.HasPrefix(version, "dev") {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch {
				case setting.Key == "vcs.revision" && commit == unknownStr:
					commit = setting.Value
				case setting.Key == "vcs.time" && buildDate == unknownStr:
					buildDate = setting.Value
				}
			}
		}
	}

	if buildDate != unknownStr {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.Format("2006-01-02 15:04:05 MST")
		}
	}

	// development builds are named after their commit
	if version == "dev" {
		version = fmt.Sprintf("build-%.*s", 8, commit)
	}

	return VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		Protocol:  ProtocolVersion,
	}
}
