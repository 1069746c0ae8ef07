package health

import (
	"fmt"
	"os"
	"runtime/debug"
	"time"
)

// buildStamp describes the running binary for the version endpoint.
// Values come from the module build info embedded by the Go toolchain,
// with BUILD_* environment variables taking precedence so container
// images can pin what CI produced.
type buildStamp struct {
	Version string
	Commit  string
	Time    time.Time
}

func getBuildInfo() string {
	stamp := readBuildStamp()

	commit := stamp.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	return fmt.Sprintf("%s-%s (%s)", stamp.Version, commit, stamp.Time.Format("2006-01-02"))
}

func readBuildStamp() buildStamp {
	stamp := buildStamp{Version: "dev", Commit: "unknown"}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			stamp.Version = info.Main.Version
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				stamp.Commit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					stamp.Time = t
				}
			}
		}
	}

	if v := os.Getenv("BUILD_VERSION"); v != "" {
		stamp.Version = v
	}
	if v := os.Getenv("BUILD_COMMIT"); v != "" {
		stamp.Commit = v
	}
	if v := os.Getenv("BUILD_TIME"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			stamp.Time = t
		}
	}

	return stamp
}
