package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/babelcloud/gbox/packages/gclip/config"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, config.GetScrcpyVersion(), info.ScrcpyVersion)
	assert.NotEmpty(t, info.GoVersion)
}

func TestFormattedBuildTime(t *testing.T) {
	assert.Equal(t, "unknown", Info{BuildTime: "unknown"}.FormattedBuildTime())
	assert.Equal(t, "Fri Jan 2 09:04:05 2026", Info{BuildTime: "2026-01-02T09:04:05Z"}.FormattedBuildTime())
}
