// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
//
// Version doubles as the firmware version the device reports to the
// broker as fw_version, so release builds must stamp it:
//
//	go build -ldflags "-X github.com/nugget/otanode/internal/buildinfo.Version=PaceP-s3-v2.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns all build and runtime info as a map.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent header value for outbound HTTP
// requests, e.g. firmware downloads.
func UserAgent() string {
	return fmt.Sprintf("otanode/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("otanode %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
