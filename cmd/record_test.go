package cmd

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/config"
	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewportSource struct {
	polls atomic.Int32
	after int32
}

func (s *viewportSource) Start(context.Context, media.SampleHandler) error { return nil }
func (s *viewportSource) Stop() error                                     { return nil }
func (s *viewportSource) Facing() media.Facing                            { return media.FacingBack }
func (s *viewportSource) SelectCamera(context.Context, media.Facing) error {
	return media.ErrDeviceUnavailable
}

func (s *viewportSource) Viewport() (int, int) {
	if s.polls.Add(1) <= s.after {
		return 0, 0
	}
	return 1280, 720
}

func TestWaitForViewport(t *testing.T) {
	src := &viewportSource{after: 3}
	w, h, err := waitForViewport(context.Background(), src, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)
}

func TestWaitForViewportTimeout(t *testing.T) {
	src := &viewportSource{after: 1 << 30}
	_, _, err := waitForViewport(context.Background(), src, 120*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInitialEncoder(t *testing.T) {
	opts := recorderOptions(0)

	sized := initialEncoder(opts, "1280x720")
	assert.Equal(t, opts.EncoderSettings(720, 1280).VideoBitrate, sized.VideoBitrate,
		"portrait capture of the same size needs no restart")
	assert.Equal(t, config.GetFrameRate(), sized.FrameRate)

	unsized := initialEncoder(opts, "")
	assert.Zero(t, unsized.VideoBitrate)
	assert.Equal(t, sized.KeyFrameInterval, unsized.KeyFrameInterval)
}
