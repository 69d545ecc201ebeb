// Package version reports build information stamped in with -ldflags.
package version

import (
	"runtime"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown" // RFC 3339
	CommitID  = "unknown"
)

// Info describes the running binary and the scrcpy-server it expects.
type Info struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildTime     string `json:"build_time"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	ScrcpyVersion string `json:"scrcpy_server_version"`
}

func Get() Info {
	return Info{
		Version:       Version,
		GitCommit:     CommitID,
		BuildTime:     BuildTime,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		ScrcpyVersion: config.GetScrcpyVersion(),
	}
}

// FormattedBuildTime renders BuildTime for people, or returns it unchanged
// when it is not a timestamp.
func (i Info) FormattedBuildTime() string {
	t, err := time.Parse(time.RFC3339, i.BuildTime)
	if err != nil {
		return i.BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}
