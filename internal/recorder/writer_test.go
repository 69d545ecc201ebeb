package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/trimmer"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS   = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testSlice = []byte{0x41, 0x9a, 0x02}
	testAAC   = []byte{0x21, 0x10, 0x04, 0x60, 0x8c, 0x1c}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func keyframe(pts time.Duration) media.Sample {
	return media.Sample{Kind: media.TrackVideo, PTS: pts, Payload: annexB(testSPS, testPPS, testIDR), IsKey: true}
}

func frame(pts time.Duration) media.Sample {
	return media.Sample{Kind: media.TrackVideo, PTS: pts, Payload: annexB(testSlice)}
}

func audio(pts time.Duration) media.Sample {
	return media.Sample{Kind: media.TrackAudio, PTS: pts, Payload: testAAC}
}

func openTest(t *testing.T, opts Options) *Writer {
	t.Helper()
	opts.Logger = util.DiscardLogger()
	w, err := Open(640, 480, filepath.Join(t.TempDir(), "rec.mp4"), opts)
	require.NoError(t, err)
	return w
}

// feed appends seconds of 15 fps video and 22050 Hz audio starting at base.
func feed(w *Writer, base time.Duration, frames int) {
	frameDur := time.Second / 15
	audioDur := 1024 * time.Second / 22050
	next := base
	for i := 0; i < frames; i++ {
		pts := base + time.Duration(i)*frameDur
		if i%15 == 0 {
			w.Append(keyframe(pts))
		} else {
			w.Append(frame(pts))
		}
		for next < pts+frameDur {
			w.Append(audio(next))
			next += audioDur
		}
	}
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestOpenValidation(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name          string
		width, height int
		opts          Options
	}{
		{"zero width", 0, 480, Options{}},
		{"odd height", 640, 481, Options{}},
		{"too many channels", 640, 480, Options{AudioChannels: 9}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".mp4")
			tt.opts.Logger = util.DiscardLogger()
			_, err := Open(tt.width, tt.height, path, tt.opts)
			require.Error(t, err, "case %d", i)
			assert.True(t, media.IsKind(err, media.KindConfiguration))
			assert.NoFileExists(t, path)
		})
	}
}

func TestOpenRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taken.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := Open(640, 480, path, Options{Logger: util.DiscardLogger()})
	assert.True(t, media.IsKind(err, media.KindConfiguration))
}

func TestEncoderSettings(t *testing.T) {
	w := openTest(t, Options{})
	s := w.EncoderSettings()
	assert.Equal(t, 640*480*12, s.VideoBitrate)
	assert.Equal(t, 15, s.FrameRate)
	assert.Equal(t, 15, s.KeyFrameInterval)
	assert.Equal(t, "baseline", s.Profile)
	assert.Equal(t, 22050, s.AudioSampleRate)
	assert.Equal(t, 1, s.AudioChannels)
	assert.Equal(t, 28000, s.AudioBitrate)
	waitResult(t, w.Close(context.Background()))
}

func TestCloseIdle(t *testing.T) {
	w := openTest(t, Options{})
	assert.Equal(t, StatusIdle, w.Status())

	res := waitResult(t, w.Close(context.Background()))
	assert.ErrorIs(t, res.Err, media.ErrNoSession)
	assert.Equal(t, StatusClosed, w.Status())
	assert.NoFileExists(t, w.Path())
}

func TestCloseTwice(t *testing.T) {
	w := openTest(t, Options{})
	feed(w, time.Second, 30)
	assert.Equal(t, StatusWriting, w.Status())

	first := w.Close(context.Background())
	res := waitResult(t, w.Close(context.Background()))
	assert.ErrorIs(t, res.Err, media.ErrAlreadyClosed)

	res = waitResult(t, first)
	require.NoError(t, res.Err)
	assert.Equal(t, w.Path(), res.Path)
	assert.False(t, res.Trimmed)

	res = waitResult(t, w.Close(context.Background()))
	assert.ErrorIs(t, res.Err, media.ErrAlreadyClosed)
}

func TestAppendNoop(t *testing.T) {
	var nilWriter *Writer
	assert.NotPanics(t, func() { nilWriter.Append(keyframe(0)) })
	assert.Equal(t, StatusIdle, nilWriter.Status())

	w := openTest(t, Options{})
	waitResult(t, w.Close(context.Background()))
	assert.NotPanics(t, func() { w.Append(keyframe(0)) })
	assert.Zero(t, w.Stats().Video.Appended)
}

func TestRecordingStartsAtZero(t *testing.T) {
	w := openTest(t, Options{})

	// before the first keyframe, dropped
	w.Append(audio(4 * time.Second))
	w.Append(frame(4*time.Second + 10*time.Millisecond))
	feed(w, 5*time.Second, 45)
	// late and duplicate samples
	w.Append(frame(4 * time.Second))
	w.Append(frame(5 * time.Second))

	res := waitResult(t, w.Close(context.Background()))
	require.NoError(t, res.Err)
	assert.Equal(t, 3*time.Second, res.Duration.Truncate(time.Second))

	info, err := trimmer.Probe(res.Path)
	require.NoError(t, err)
	require.Len(t, info.Tracks, 2)
	assert.Equal(t, "h264", info.Tracks[0].Codec)
	assert.Equal(t, 1920, info.Tracks[0].Width, "size comes from the SPS")
	assert.Equal(t, 45, info.Tracks[0].Samples)
	assert.Equal(t, "aac", info.Tracks[1].Codec)
	assert.InDelta(t, float64(3*time.Second), float64(info.Duration), float64(100*time.Millisecond))

	stats := w.Stats()
	assert.EqualValues(t, 45, stats.Video.Written)
	assert.EqualValues(t, 3, stats.Video.Discarded)
	assert.EqualValues(t, 1, stats.Audio.Discarded)
}

func TestQueueFullDropsNewest(t *testing.T) {
	w := openTest(t, Options{QueueSize: 1})
	for i := 0; i < 200; i++ {
		w.Append(keyframe(time.Duration(i) * time.Millisecond))
	}
	stats := w.Stats()
	assert.EqualValues(t, 200, stats.Video.Appended+stats.Video.Dropped)
	assert.Positive(t, stats.Video.Appended)
	waitResult(t, w.Close(context.Background()))
}

func TestCloseRunsTrimmer(t *testing.T) {
	tr := trimmer.New(trimmer.Options{Logger: util.DiscardLogger()})
	w := openTest(t, Options{Trimmer: tr, MaxDuration: 2 * time.Second})
	feed(w, 0, 60)

	res := waitResult(t, w.Close(context.Background()))
	require.NoError(t, res.Err)
	assert.True(t, res.Trimmed)
	assert.Equal(t, 2*time.Second, res.Duration)
	assert.NoFileExists(t, w.Path())
	assert.FileExists(t, res.Path)
}

func TestTrimFailureKeepsIntermediate(t *testing.T) {
	tr := trimmer.New(trimmer.Options{Logger: util.DiscardLogger()})
	w := openTest(t, Options{Trimmer: tr})
	feed(w, 0, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := waitResult(t, w.Close(ctx))
	require.Error(t, res.Err)
	assert.True(t, media.IsKind(res.Err, media.KindTrim))
	assert.False(t, res.Trimmed)
	assert.Equal(t, w.Path(), res.Path)
	assert.FileExists(t, w.Path())
}

func TestTrimFailureCanDeleteIntermediate(t *testing.T) {
	tr := trimmer.New(trimmer.Options{Logger: util.DiscardLogger()})
	w := openTest(t, Options{Trimmer: tr, DeleteUntrimmedOnFailure: true})
	feed(w, 0, 30)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := waitResult(t, w.Close(ctx))
	require.Error(t, res.Err)
	assert.Empty(t, res.Path)
	assert.NoFileExists(t, w.Path())
}

func TestWriteErrorFailsRecording(t *testing.T) {
	failures := make(chan error, 1)
	w := openTest(t, Options{OnFailure: func(err error) { failures <- err }})
	w.Append(media.Sample{Kind: media.TrackVideo, PTS: 0, Payload: []byte{0x65, 0x88}, IsKey: true})

	select {
	case err := <-failures:
		assert.True(t, media.IsKind(err, media.KindWrite))
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook not called")
	}
	assert.Equal(t, StatusFailed, w.Status())
	w.Append(keyframe(time.Second))
	assert.EqualValues(t, 1, w.Stats().Video.Appended, "appends after failure are ignored")

	res := waitResult(t, w.Close(context.Background()))
	require.Error(t, res.Err)
	assert.True(t, media.IsKind(res.Err, media.KindWrite))
	assert.Equal(t, StatusFailed, w.Status())
	assert.NoFileExists(t, w.Path())
}

func TestFrameSink(t *testing.T) {
	sink := NewFrameSink()
	assert.NotPanics(t, func() { sink.OnSample(keyframe(0)) })

	w := openTest(t, Options{})
	assert.Nil(t, sink.Attach(w))
	sink.OnSample(keyframe(time.Second))
	assert.Same(t, w, sink.Detach())
	sink.OnSample(frame(2 * time.Second))

	assert.EqualValues(t, 1, w.Stats().Video.Appended)
	assert.EqualValues(t, 3, sink.Seen(media.TrackVideo))
	waitResult(t, w.Close(context.Background()))
}
