package versions

import "github.com/Masterminds/semver/v3"

// ProtocolVersion is the replication protocol version announced in hello frames
const ProtocolVersion = "1.0.0"

// ProtocolCompatible reports whether a peer announcing remote can replicate
// with this build. Versions are compatible when their major versions match.
// An empty version predates negotiation and is treated as 1.0.0.
func ProtocolCompatible(remote string) bool {
	if remote == "" {
		return true
	}
	remoteVersion, err := semver.NewVersion(remote)
	if err != nil {
		return false
	}
	return remoteVersion.Major() == semver.MustParse(ProtocolVersion).Major()
}

// IsNewerVersion reports whether newVersion is strictly greater than oldVersion.
// Invalid semver strings are compared lexicographically.
func IsNewerVersion(newVersion, oldVersion string) bool {
	newSemver, errNew := semver.NewVersion(newVersion)
	oldSemver, errOld := semver.NewVersion(oldVersion)
	if errNew != nil || errOld != nil {
		return newVersion > oldVersion
	}
	return newSemver.GreaterThan(oldSemver)
}
