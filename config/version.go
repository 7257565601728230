// SPDX-License-Identifier: MIT
//
// Configuration management - Version info
//

package config

import (
	"runtime"
	"runtime/debug"
)

type VersionInfo struct {
	Version   string `json:"version"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
}

var versionInfo = VersionInfo{
	Version: "dev",
}

func GetVersion() *VersionInfo {
	return &versionInfo
}

// SetVersion records the build info; an empty version falls back to the
// module version embedded by the Go toolchain.
func SetVersion(vi *VersionInfo) {
	versionInfo = *vi
	if versionInfo.Version == "" {
		versionInfo.Version = "dev"
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
			versionInfo.Version = bi.Main.Version
		}
	}
	versionInfo.GoVersion = runtime.Version()
}

func (vi *VersionInfo) String() string {
	s := vi.Version
	if vi.Date != "" {
		s += " (" + vi.Date + ")"
	}
	return s
}
