// Package version carries build identification for the sydeflash tools.
package version

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/openSYDE/openSYDE-sub010/pkg/version.Version=v1.0.0 \
//	  -X github.com/openSYDE/openSYDE-sub010/pkg/version.GitCommit=abc1234 \
//	  -X github.com/openSYDE/openSYDE-sub010/pkg/version.BuildDate=2026-01-01T00:00:00Z"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// ToolName identifies the tool in device fingerprints.
const ToolName = "sydeflash"

// Info returns a formatted version string for display.
func Info() string {
	return Version + " (" + GitCommit + ") built " + BuildDate
}

// Tool returns the tool identity written into device fingerprints, e.g.
// "sydeflash v1.2.0".
func Tool() string {
	return ToolName + " " + Version
}
