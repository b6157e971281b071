// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of consolegate binaries.
//
// Release builds set the variables with -ldflags:
//
//	go build -ldflags "-X github.com/consolegate/consolegate/lib/version.Version=1.2.0"
//
// Development builds fall back to the VCS stamp recorded by the Go
// toolchain.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release version.
	Version = "0.1.0-dev"

	// GitCommit overrides the commit read from build info.
	GitCommit = ""
)

// Info returns a one-line version string for --version output.
func Info() string {
	commit, dirty := vcs()
	suffix := ""
	if dirty {
		suffix = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s)", Version, commit, suffix)
}

// Full adds the Go toolchain and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s", Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func vcs() (commit string, dirty bool) {
	commit = GitCommit
	info, ok := debug.ReadBuildInfo()
	if !ok {
		if commit == "" {
			commit = "unknown"
		}
		return commit, false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if commit == "" {
				commit = setting.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	return commit, dirty
}
