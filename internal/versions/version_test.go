package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		version         string
		commit          string
		buildDate       string
		expectVersion   string
		expectBuildDate string
	}{
		{
			name:            "release build",
			version:         "v1.2.3",
			commit:          "abcdef0123456789",
			buildDate:       "2026-01-02T03:04:05Z",
			expectVersion:   "v1.2.3",
			expectBuildDate: "2026-01-02 03:04:05 UTC",
		},
		{
			name:            "unparsable build date is kept",
			version:         "v1.0.0",
			commit:          "abc",
			buildDate:       "yesterday",
			expectVersion:   "v1.0.0",
			expectBuildDate: "yesterday",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info := versionInfo(tt.version, tt.commit, tt.buildDate)
			assert.Equal(t, tt.expectVersion, info.Version)
			assert.Equal(t, tt.commit, info.Commit)
			assert.Equal(t, tt.expectBuildDate, info.BuildDate)
			assert.Equal(t, runtime.Version(), info.GoVersion)
			assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
			assert.Equal(t, ProtocolVersion, info.Protocol)
		})
	}
}

func TestVersionInfoDevBuild(t *testing.T) {
	t.Parallel()

	info := versionInfo("dev", "0123456789abcdef", "2026-01-02T03:04:05Z")
	assert.Equal(t, "build-01234567", info.Version)
}
