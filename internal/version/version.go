// Package version reports the build identity of the stepwise binary.
package version

import (
	"runtime/debug"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

const devVersion = "dev"

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version,omitempty"`
}

// Resolve combines the ldflags values with the module build info recorded by
// the Go toolchain. Values set through ldflags take precedence.
func Resolve() Info {
	info, _ := debug.ReadBuildInfo()
	return resolve(Info{Version: Version, Commit: Commit, BuildTime: BuildTime}, info)
}

func resolve(resolved Info, bi *debug.BuildInfo) Info {
	if bi != nil {
		resolved.GoVersion = bi.GoVersion
		if resolved.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			resolved.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if resolved.Commit == "" {
					resolved.Commit = s.Value
				}
			case "vcs.time":
				if resolved.BuildTime == "" {
					resolved.BuildTime = s.Value
				}
			case "vcs.modified":
				resolved.Modified = s.Value == "true"
			}
		}
	}

	if resolved.Version == "" {
		resolved.Version = devVersion
	}
	return resolved
}

func String() string {
	return Resolve().String()
}

func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	commit := shortCommit(i.Commit)
	if i.Modified {
		commit += "-dirty"
	}
	return i.Version + " (" + commit + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
