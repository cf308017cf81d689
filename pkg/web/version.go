package web

import "sync"

// BuildInfo identifies the running binary in health responses
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

var (
	buildMu sync.RWMutex
	build   = BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"}
)

// SetVersionInfo records the version stamped in at link time
func SetVersionInfo(version, commit, buildTime string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	build = BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

// GetBuildInfo returns the recorded build information
func GetBuildInfo() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}
