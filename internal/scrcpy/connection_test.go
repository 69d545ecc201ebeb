package scrcpy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
)

const cameraListOutput = `[server] INFO: Device: [Google] google Pixel 8 (Android 14)
[server] INFO: List of cameras:
    --camera-id=0    (back, 4080x3072, fps=[15, 24, 30])
    --camera-id=1    (front, 3840x2880, fps=[15, 24, 30])
    --camera-id=10   (external, 1920x1080, fps=[30])
`

func TestParseCameraList(t *testing.T) {
	cameras := parseCameraList(cameraListOutput)
	require.Len(t, cameras, 3)
	assert.Equal(t, Camera{ID: "0", Facing: media.FacingBack, Size: "4080x3072"}, cameras[0])
	assert.Equal(t, media.FacingFront, cameras[1].Facing)
	assert.Equal(t, media.FacingUnspecified, cameras[2].Facing)

	cam, err := FindCamera(cameras, media.FacingFront)
	require.NoError(t, err)
	assert.Equal(t, "1", cam.ID)

	_, err = FindCamera(cameras[:1], media.FacingFront)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)

	assert.Empty(t, parseCameraList("[server] INFO: List of cameras:\n"))
}

func TestServerArgs(t *testing.T) {
	args := serverArgs("3.3.1", 0x1234, CameraRequest{
		Facing: media.FacingFront,
		Encoder: media.EncoderSettings{
			VideoBitrate:     720 * 1280 * 12,
			FrameRate:        15,
			KeyFrameInterval: 15,
			Profile:          "baseline",
			AudioBitrate:     28000,
		},
	}, "1280x720")

	assert.Equal(t, "3.3.1", args[4])
	assert.Contains(t, args, "scid=00001234")
	assert.Contains(t, args, "video_source=camera")
	assert.Contains(t, args, "audio_codec=aac")
	assert.Contains(t, args, "camera_facing=front")
	assert.Contains(t, args, "camera_size=1280x720")
	assert.Contains(t, args, "video_bit_rate=11059200")
	assert.Contains(t, args, "max_fps=15")
	assert.Contains(t, args, "video_codec_options=profile=1,i-frame-interval:float=1")
	assert.Contains(t, args, "audio_bit_rate=28000")

	args = serverArgs("3.3.1", 1, CameraRequest{Facing: media.FacingFront, CameraID: "2"}, "")
	assert.Contains(t, args, "camera_id=2")
	assert.NotContains(t, args, "camera_facing=front")
}
