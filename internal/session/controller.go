// Package session drives preview and capture on top of a camera source and
// turns each capture into a trimmed recording.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/recorder"
	"github.com/babelcloud/gbox/packages/gclip/internal/storage"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
)

// Source is the capture collaborator: a camera plus microphone that
// delivers encoded samples.
type Source interface {
	Start(ctx context.Context, handler media.SampleHandler) error
	Stop() error
	// Viewport returns the current video size, 0x0 before the first frame.
	Viewport() (width, height int)
	Facing() media.Facing
	// SelectCamera moves capture to the camera with the given facing. On
	// failure the current camera stays active.
	SelectCamera(ctx context.Context, facing media.Facing) error
}

type State int

const (
	StateIdle State = iota
	StatePreviewing
	StateCapturing
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewing:
		return "previewing"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Logger *slog.Logger
	Store  *storage.Store
	// Recorder is the template for each recording's writer options.
	Recorder recorder.Options
	// OnFailure is told when the recording in progress fails while
	// capturing. The capture stays open until EndCapture collects it.
	OnFailure func(err error)
}

// Controller is the Idle/Previewing/Capturing/Finalizing state machine.
// Methods are safe for concurrent use; callbacks run on a finalize
// goroutine after the state has moved on.
type Controller struct {
	source    Source
	sink      *recorder.FrameSink
	store     *storage.Store
	opts      recorder.Options
	onFailure func(err error)
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	switchMu sync.Mutex

	mu           sync.Mutex
	state        State
	writer       *recorder.Writer
	previewEnded bool
	closed       bool
}

func New(source Source, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	if opts.Recorder.Logger == nil {
		opts.Recorder.Logger = opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		source:    source,
		sink:      recorder.NewFrameSink(),
		store:     opts.Store,
		opts:      opts.Recorder,
		onFailure: opts.OnFailure,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Recording returns the writer of the capture in progress, or nil.
func (c *Controller) Recording() *recorder.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Sink exposes the frame sink the source feeds, for preview statistics.
func (c *Controller) Sink() *recorder.FrameSink { return c.sink }

// StartPreview starts the source. It does nothing unless the controller is
// idle.
func (c *Controller) StartPreview(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle || c.closed {
		return nil
	}
	if err := c.source.Start(ctx, c.sink); err != nil {
		return media.ConfigurationError(err, "start preview")
	}
	c.state = StatePreviewing
	c.logger.Info("Preview started", "facing", c.source.Facing())
	return nil
}

// EndPreview stops the source. A capture in progress is finalized in the
// background and its result only logged.
func (c *Controller) EndPreview() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return
	case StateCapturing:
		w := c.sink.Detach()
		c.writer = nil
		c.finalize(w, func(res recorder.Result) {
			c.logger.Info("Capture ended with preview", "path", res.Path, "error", res.Err)
		})
		c.state = StateIdle
	case StateFinalizing:
		c.previewEnded = true
	default:
		c.state = StateIdle
	}
	c.stopSource()
}

// StartCapture begins a new recording sized to the source viewport.
func (c *Controller) StartCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCapturing:
		return nil
	case StateIdle:
		return media.ErrNotPreviewing
	case StateFinalizing:
		return media.ErrBusy
	}

	opts := c.opts
	if p, ok := c.source.(media.AudioFormatProvider); ok {
		if f, ok := p.AudioFormat(); ok {
			opts.AudioSampleRate = f.SampleRate
			opts.AudioChannels = f.Channels
		}
	}

	opts.OnFailure = c.recordingFailed

	width, height := c.source.Viewport()
	path := c.store.NewRecordingPath()
	w, err := recorder.Open(width, height, path, opts)
	if err != nil {
		return err
	}
	if tuner, ok := c.source.(media.EncoderTuner); ok {
		tuner.TuneEncoder(w.EncoderSettings())
	}
	c.sink.Attach(w)
	c.writer = w
	c.state = StateCapturing
	c.logger.Info("Capture started", "recording", w.ID(), "path", path, "width", width, "height", height)
	return nil
}

// EndCapture stops the capture in progress. callback is invoked exactly
// once with the trimmed recording or the failure.
func (c *Controller) EndCapture(callback func(recorder.Result)) {
	if callback == nil {
		callback = func(recorder.Result) {}
	}

	c.mu.Lock()
	if c.state != StateCapturing {
		c.mu.Unlock()
		callback(recorder.Result{Err: media.ErrNotCapturing})
		return
	}
	w := c.sink.Detach()
	c.state = StateFinalizing
	c.finalize(w, func(res recorder.Result) {
		c.mu.Lock()
		if c.state == StateFinalizing {
			if c.previewEnded || c.closed {
				c.state = StateIdle
			} else {
				c.state = StatePreviewing
			}
		}
		c.previewEnded = false
		if c.writer == w {
			c.writer = nil
		}
		c.mu.Unlock()
		callback(res)
	})
	c.mu.Unlock()
}

func (c *Controller) recordingFailed(err error) {
	c.logger.Error("Recording failed during capture", "error", err)
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

// finalize closes w on a goroutine tracked by the controller. Must be
// called with mu held.
func (c *Controller) finalize(w *recorder.Writer, done func(recorder.Result)) {
	ch := w.Close(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := <-ch
		if res.Err != nil {
			c.logger.Warn("Recording finished with error", "recording", w.ID(), "error", res.Err)
		} else {
			c.logger.Info("Recording ready", "recording", w.ID(), "path", res.Path, "duration", res.Duration)
		}
		done(res)
	}()
}

// SwitchCamera toggles between the front and back camera and returns the
// facing in use afterwards. A camera that cannot be found or opened is
// logged and the previous one stays active.
func (c *Controller) SwitchCamera(ctx context.Context) (media.Facing, error) {
	if c.State() == StateFinalizing {
		return c.source.Facing(), media.ErrBusy
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	current := c.source.Facing()
	target := current.Toggle()
	if err := c.source.SelectCamera(ctx, target); err != nil {
		c.logger.Warn("Camera switch failed, keeping current camera",
			"from", current, "to", target, "error", err)
		return c.source.Facing(), nil
	}
	c.logger.Info("Camera switched", "from", current, "to", target)
	return c.source.Facing(), nil
}

// Close stops the source, aborts any trim in flight and waits for pending
// callbacks.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()

	if c.state == StateCapturing {
		w := c.sink.Detach()
		c.writer = nil
		c.finalize(w, func(recorder.Result) {})
	}
	if c.state != StateIdle {
		c.stopSource()
	}
	if c.state != StateFinalizing {
		c.state = StateIdle
	}
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Controller) stopSource() {
	if err := c.source.Stop(); err != nil {
		c.logger.Warn("Failed to stop capture source", "error", err)
	}
}
