package session

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/recorder"
	"github.com/babelcloud/gbox/packages/gclip/internal/storage"
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

type fakeSource struct {
	mu        sync.Mutex
	handler   media.SampleHandler
	facing    media.Facing
	available map[media.Facing]bool
	starts    int
	stops     int
	selects   int
	tuned     *media.EncoderSettings
}

func newFakeSource(available ...media.Facing) *fakeSource {
	s := &fakeSource{facing: media.FacingBack, available: map[media.Facing]bool{}}
	for _, f := range available {
		s.available[f] = true
	}
	return s
}

func (s *fakeSource) Start(_ context.Context, h media.SampleHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.starts++
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	s.stops++
	return nil
}

func (s *fakeSource) Viewport() (int, int) { return 720, 1280 }

func (s *fakeSource) Facing() media.Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

func (s *fakeSource) SelectCamera(_ context.Context, f media.Facing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available[f] {
		return errors.Wrapf(media.ErrDeviceUnavailable, "no %s camera", f)
	}
	s.facing = f
	s.selects++
	return nil
}

func (s *fakeSource) TuneEncoder(settings media.EncoderSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuned = &settings
}

func (s *fakeSource) emit(sample media.Sample) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.OnSample(sample)
	}
}

// play emits frames of 15 fps video with matching 22050 Hz audio from base.
func (s *fakeSource) play(base time.Duration, frames int) {
	frameDur := time.Second / 15
	audioDur := 1024 * time.Second / 22050
	next := base
	for i := 0; i < frames; i++ {
		pts := base + time.Duration(i)*frameDur
		if i%15 == 0 {
			s.emit(media.Sample{Kind: media.TrackVideo, PTS: pts, Payload: annexB(testSPS, testPPS, testIDR), IsKey: true})
		} else {
			s.emit(media.Sample{Kind: media.TrackVideo, PTS: pts, Payload: annexB(testSlice)})
		}
		for next < pts+frameDur {
			s.emit(media.Sample{Kind: media.TrackAudio, PTS: next, Payload: testAAC})
			next += audioDur
		}
	}
}

func newTestController(t *testing.T, src Source) (*Controller, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	logger := util.DiscardLogger()
	c := New(src, Options{
		Logger: logger,
		Store:  store,
		Recorder: recorder.Options{
			Trimmer:     trimmer.New(trimmer.Options{Logger: logger}),
			MaxDuration: 10 * time.Second,
		},
	})
	t.Cleanup(func() { c.Close() })
	return c, store
}

func waitCallback(t *testing.T, ch <-chan recorder.Result) recorder.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(15 * time.Second):
		t.Fatal("callback not invoked")
		return recorder.Result{}
	}
}

func TestCaptureProducesTrimmedRecording(t *testing.T) {
	src := newFakeSource(media.FacingBack, media.FacingFront)
	c, store := newTestController(t, src)

	require.NoError(t, c.StartPreview(context.Background()))
	assert.Equal(t, StatePreviewing, c.State())
	src.play(0, 15)

	require.NoError(t, c.StartCapture())
	assert.Equal(t, StateCapturing, c.State())
	require.NotNil(t, src.tuned)
	assert.Equal(t, 720*1280*12, src.tuned.VideoBitrate)
	intermediate := c.Recording().Path()

	src.play(2*time.Second, 150)

	var calls atomic.Int32
	results := make(chan recorder.Result, 2)
	c.EndCapture(func(res recorder.Result) {
		calls.Add(1)
		results <- res
	})
	res := waitCallback(t, results)

	require.NoError(t, res.Err)
	assert.True(t, res.Trimmed)
	assert.LessOrEqual(t, res.Duration, 10*time.Second)
	assert.FileExists(t, res.Path)
	assert.NoFileExists(t, intermediate)
	assert.Equal(t, StatePreviewing, c.State())

	info, err := trimmer.Probe(res.Path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Duration, 10*time.Second)
	assert.Greater(t, info.Duration, 9*time.Second)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Export)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStateGuards(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	c, _ := newTestController(t, src)

	assert.ErrorIs(t, c.StartCapture(), media.ErrNotPreviewing)

	results := make(chan recorder.Result, 1)
	c.EndCapture(func(res recorder.Result) { results <- res })
	assert.ErrorIs(t, waitCallback(t, results).Err, media.ErrNotCapturing)

	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartPreview(context.Background()))
	assert.Equal(t, 1, src.starts)

	require.NoError(t, c.StartCapture())
	first := c.Recording()
	require.NoError(t, c.StartCapture())
	assert.Same(t, first, c.Recording())
}

func TestStartCaptureWhileFinalizing(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	c, _ := newTestController(t, src)
	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartCapture())
	src.play(0, 30)

	c.mu.Lock()
	w := c.sink.Detach()
	c.state = StateFinalizing
	c.mu.Unlock()

	assert.ErrorIs(t, c.StartCapture(), media.ErrBusy)
	_, err := c.SwitchCamera(context.Background())
	assert.ErrorIs(t, err, media.ErrBusy)

	c.mu.Lock()
	c.sink.Attach(w)
	c.state = StateCapturing
	c.mu.Unlock()
}

func TestSwitchCameraUnavailable(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	c, _ := newTestController(t, src)
	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartCapture())

	src.play(0, 45)
	facing, err := c.SwitchCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.FacingBack, facing)
	assert.Zero(t, src.selects)
	assert.Equal(t, StateCapturing, c.State())
	src.play(3*time.Second, 45)

	results := make(chan recorder.Result, 1)
	c.EndCapture(func(res recorder.Result) { results <- res })
	res := waitCallback(t, results)
	require.NoError(t, res.Err)
	assert.InDelta(t, float64(6*time.Second), float64(res.Duration), float64(100*time.Millisecond))
}

func TestSwitchCameraToggles(t *testing.T) {
	src := newFakeSource(media.FacingBack, media.FacingFront)
	c, _ := newTestController(t, src)

	facing, err := c.SwitchCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.FacingFront, facing)

	facing, err = c.SwitchCamera(context.Background())
	require.NoError(t, err)
	assert.Equal(t, media.FacingBack, facing)
}

func TestEndPreviewDuringCapture(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	c, store := newTestController(t, src)
	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartCapture())
	src.play(0, 30)

	c.EndPreview()
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1, src.stops)
	require.NoError(t, c.Close())

	entries, err := store.List()
	require.NoError(t, err)
	for _, e := range entries {
		_, statErr := os.Stat(e.Path)
		assert.NoError(t, statErr)
	}
}

// gatedTrimmer holds a trim until its context is cancelled, then lets the
// real trimmer see the cancelled context.
type gatedTrimmer struct {
	next    *trimmer.Trimmer
	started chan struct{}
}

func (g *gatedTrimmer) Trim(ctx context.Context, src string, max time.Duration) (trimmer.Result, error) {
	close(g.started)
	<-ctx.Done()
	return g.next.Trim(ctx, src, max)
}

func TestCloseAbortsTrimInFlight(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	logger := util.DiscardLogger()
	gate := &gatedTrimmer{
		next:    trimmer.New(trimmer.Options{Logger: logger}),
		started: make(chan struct{}),
	}
	c := New(src, Options{
		Logger: logger,
		Store:  store,
		Recorder: recorder.Options{
			Trimmer:     gate,
			MaxDuration: 10 * time.Second,
		},
	})

	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartCapture())
	intermediate := c.Recording().Path()
	src.play(0, 45)

	var calls atomic.Int32
	results := make(chan recorder.Result, 2)
	c.EndCapture(func(res recorder.Result) {
		calls.Add(1)
		results <- res
	})
	select {
	case <-gate.started:
	case <-time.After(10 * time.Second):
		t.Fatal("trim never started")
	}
	assert.Equal(t, StateFinalizing, c.State())

	require.NoError(t, c.Close())
	res := waitCallback(t, results)
	assert.True(t, media.IsKind(res.Err, media.KindTrim))
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.Trimmed)
	assert.Equal(t, intermediate, res.Path)
	assert.NoFileExists(t, storage.ExportPath(intermediate))
	assert.NoFileExists(t, storage.ExportPath(intermediate)+storage.PartialSuffix)
	assert.Equal(t, StateIdle, c.State())
	assert.EqualValues(t, 1, calls.Load())
}

func TestWriteFailureIsReportedWhileCapturing(t *testing.T) {
	src := newFakeSource(media.FacingBack)
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	failures := make(chan error, 1)
	c := New(src, Options{
		Logger:    util.DiscardLogger(),
		Store:     store,
		OnFailure: func(err error) { failures <- err },
	})
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.StartPreview(context.Background()))
	require.NoError(t, c.StartCapture())
	// no start code, the writer cannot split it
	src.emit(media.Sample{Kind: media.TrackVideo, PTS: 0, Payload: []byte{0x65, 0x88}, IsKey: true})

	select {
	case err := <-failures:
		assert.True(t, media.IsKind(err, media.KindWrite))
	case <-time.After(5 * time.Second):
		t.Fatal("failure not reported")
	}
	assert.Equal(t, StateCapturing, c.State())

	results := make(chan recorder.Result, 1)
	c.EndCapture(func(res recorder.Result) { results <- res })
	res := waitCallback(t, results)
	assert.True(t, media.IsKind(res.Err, media.KindWrite))
	assert.Empty(t, res.Path)
	assert.Equal(t, StatePreviewing, c.State())
}
