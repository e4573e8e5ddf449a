package handlers

import (
	"net/http"
	"sync"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}
)

// SetVersionInfo records the build metadata reported by /version. Commands
// call this once at startup with the linker-injected values.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	if version != "" {
		versionInfo.Version = version
	}
	if commit != "" {
		versionInfo.Commit = commit
	}
	if buildDate != "" {
		versionInfo.BuildDate = buildDate
	}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	writeJSON(w, http.StatusOK, info)
}
