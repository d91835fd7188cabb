// Package version carries the build identity stamped in at link time.
package version

import (
	"runtime/debug"
	"time"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve combines the linker-provided values with whatever the Go build
// info can recover, so `go install` builds still report a commit.
func Resolve() Info {
	resolved := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if resolved.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			resolved.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if resolved.Commit == "" {
					resolved.Commit = setting.Value
				}
			case "vcs.time":
				if resolved.BuildTime == "" {
					resolved.BuildTime = setting.Value
				}
			}
		}
	}

	if resolved.Version == "" {
		if resolved.BuildTime != "" {
			resolved.Version = resolved.BuildTime
		} else {
			resolved.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}

	return resolved
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
