package scrcpy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/media/h264"
)

// Source captures an Android camera and microphone through scrcpy-server.
// Timestamps are continuous across camera switches.
type Source struct {
	cfg    Config
	logger *slog.Logger

	// serializes connection changes
	connMu sync.Mutex

	mu       sync.Mutex
	handler  media.SampleHandler
	ctx      context.Context
	cancel   context.CancelFunc
	conn     *Connection
	gen      int
	facing   media.Facing
	cameraID string
	encoder  media.EncoderSettings
	width    int
	height   int
	audioFmt *media.AudioFormat
	config   []byte // last SPS/PPS packet

	clock ptsClock
}

func NewSource(cfg Config, facing media.Facing) *Source {
	cfg.setDefaults()
	return &Source{
		cfg:     cfg,
		logger:  cfg.Logger.With("device", cfg.Serial),
		facing:  facing,
		encoder: cfg.Encoder,
	}
}

// Start connects to the device and delivers samples to handler until Stop.
func (s *Source) Start(ctx context.Context, handler media.SampleHandler) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("source already started")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = handler
	req := s.requestLocked()
	s.mu.Unlock()

	conn, err := Connect(ctx, s.cfg, req)
	if err != nil {
		s.mu.Lock()
		s.cancel()
		s.cancel = nil
		s.handler = nil
		s.mu.Unlock()
		return err
	}
	s.attach(conn)
	s.logger.Info("Camera source started", "facing", req.Facing, "camera", req.CameraID)
	return nil
}

// Stop disconnects from the device. Safe to call when not started.
func (s *Source) Stop() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.handler = nil
	s.gen++
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.logger.Info("Camera source stopped")
	}
	return nil
}

func (s *Source) Viewport() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Source) Facing() media.Facing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

// AudioFormat reports the format announced by the device's AAC config.
func (s *Source) AudioFormat() (media.AudioFormat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioFmt == nil {
		return media.AudioFormat{}, false
	}
	return *s.audioFmt, true
}

// TuneEncoder applies settings to the device encoder. A running stream is
// restarted on the same camera when the video parameters change.
func (s *Source) TuneEncoder(settings media.EncoderSettings) {
	s.mu.Lock()
	prev := s.encoder
	s.encoder = settings
	running := s.cancel != nil
	s.mu.Unlock()

	if !running || !needsRestart(prev, settings) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), acceptTimeout+10*time.Second)
		defer cancel()
		if err := s.restart(ctx, s.Facing(), ""); err != nil {
			s.logger.Warn("Failed to apply encoder settings", "error", err)
		}
	}()
}

// needsRestart reports whether moving from prev to next changes anything
// the server only reads at startup.
func needsRestart(prev, next media.EncoderSettings) bool {
	return prev.VideoBitrate != next.VideoBitrate ||
		prev.FrameRate != next.FrameRate ||
		prev.KeyFrameInterval != next.KeyFrameInterval ||
		prev.Profile != next.Profile ||
		prev.AudioBitrate != next.AudioBitrate
}

// SelectCamera switches to the first camera with the given facing. When no
// such camera exists nothing changes and ErrDeviceUnavailable is returned.
// When the new camera fails to start the previous one is restored.
func (s *Source) SelectCamera(ctx context.Context, facing media.Facing) error {
	cameras, err := ListCameras(ctx, s.cfg)
	if err != nil {
		return errors.Wrap(media.ErrDeviceUnavailable, err.Error())
	}
	cam, err := FindCamera(cameras, facing)
	if err != nil {
		return err
	}
	return s.restart(ctx, facing, cam.ID)
}

func (s *Source) restart(ctx context.Context, facing media.Facing, cameraID string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	prevFacing, prevID := s.facing, s.cameraID
	s.facing, s.cameraID = facing, cameraID
	running := s.cancel != nil
	old := s.conn
	s.conn = nil
	s.gen++
	req := s.requestLocked()
	s.mu.Unlock()

	if !running {
		return nil
	}
	// only one server may hold the camera
	if old != nil {
		old.Close()
	}

	conn, err := Connect(ctx, s.cfg, req)
	if err == nil {
		s.attach(conn)
		return nil
	}

	s.mu.Lock()
	s.facing, s.cameraID = prevFacing, prevID
	req = s.requestLocked()
	s.mu.Unlock()

	s.logger.Warn("Camera failed to start, restoring previous camera", "facing", facing, "error", err)
	restoreCtx, cancel := context.WithTimeout(context.Background(), acceptTimeout+10*time.Second)
	defer cancel()
	if conn, rerr := Connect(restoreCtx, s.cfg, req); rerr == nil {
		s.attach(conn)
	} else {
		s.logger.Error("Failed to restore previous camera", "error", rerr)
	}
	return errors.Wrap(media.ErrDeviceUnavailable, err.Error())
}

func (s *Source) requestLocked() CameraRequest {
	return CameraRequest{Facing: s.facing, CameraID: s.cameraID, Encoder: s.encoder}
}

// attach starts readers for conn as a new timestamp generation.
func (s *Source) attach(conn *Connection) {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.config = nil
	if conn.VideoMeta.Width > 0 && conn.VideoMeta.Height > 0 {
		s.width, s.height = conn.VideoMeta.Width, conn.VideoMeta.Height
	}
	s.clock.reset(gen)
	ctx := s.ctx
	s.mu.Unlock()

	go s.readVideo(ctx, gen, conn.Video)
	if conn.Audio != nil {
		go s.readAudio(ctx, gen, conn.Audio)
	}
}

func (s *Source) current(gen int) (media.SampleHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler, s.gen == gen && s.handler != nil
}

func (s *Source) readVideo(ctx context.Context, gen int, r io.Reader) {
	for {
		packet, err := ReadVideoPacket(r)
		if err != nil {
			s.readEnded(ctx, gen, "video", err)
			return
		}
		if err := s.handleVideo(gen, packet); err != nil {
			s.logger.Warn("Dropping malformed video packet", "error", err)
		}
	}
}

func (s *Source) handleVideo(gen int, packet *Packet) error {
	if packet.IsConfig {
		nalus, err := h264.SplitAnnexB(packet.Data)
		if err != nil {
			return err
		}
		sps, _ := h264.ParameterSets(nalus)
		s.mu.Lock()
		if s.gen == gen {
			s.config = packet.Data
			if sps != nil {
				if w, h, err := h264.Dimensions(sps); err == nil {
					s.width, s.height = w, h
				}
			}
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	payload := packet.Data
	if packet.IsKeyFrame && s.config != nil {
		payload = append(append(make([]byte, 0, len(s.config)+len(packet.Data)), s.config...), packet.Data...)
	}
	pts, ok := s.clock.rebase(gen, packet.PTS)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if handler, ok := s.current(gen); ok {
		handler.OnSample(media.Sample{
			Kind:    media.TrackVideo,
			PTS:     pts,
			Payload: payload,
			IsKey:   packet.IsKeyFrame,
		})
	}
	return nil
}

func (s *Source) readAudio(ctx context.Context, gen int, r io.Reader) {
	for {
		packet, err := ReadAudioPacket(r)
		if err != nil {
			s.readEnded(ctx, gen, "audio", err)
			return
		}
		if err := s.handleAudio(gen, packet); err != nil {
			s.logger.Warn("Dropping malformed audio packet", "error", err)
		}
	}
}

func (s *Source) handleAudio(gen int, packet *Packet) error {
	if packet.IsConfig {
		var cfg mpeg4audio.AudioSpecificConfig
		if err := cfg.Unmarshal(packet.Data); err != nil {
			return errors.Wrap(err, "invalid AAC config")
		}
		s.mu.Lock()
		s.audioFmt = &media.AudioFormat{SampleRate: cfg.SampleRate, Channels: cfg.ChannelCount}
		s.mu.Unlock()
		s.logger.Debug("Audio format", "sample_rate", cfg.SampleRate, "channels", cfg.ChannelCount)
		return nil
	}

	s.mu.Lock()
	pts, ok := s.clock.rebase(gen, packet.PTS)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if handler, ok := s.current(gen); ok {
		handler.OnSample(media.Sample{Kind: media.TrackAudio, PTS: pts, Payload: packet.Data})
	}
	return nil
}

func (s *Source) readEnded(ctx context.Context, gen int, stream string, err error) {
	if ctx.Err() != nil {
		return
	}
	if _, ok := s.current(gen); !ok {
		return
	}
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		s.logger.Info("Stream ended", "stream", stream)
		return
	}
	s.logger.Error("Failed to read stream", "stream", stream, "error", err)
}

// switchGap separates the last sample of one connection from the first of
// the next.
const switchGap = time.Second / 30

// ptsClock maps device timestamps of successive connections onto one
// increasing timeline. Guarded by Source.mu.
type ptsClock struct {
	gen      int
	offset   time.Duration
	anchored bool
	last     time.Duration
	started  bool
}

func (c *ptsClock) reset(gen int) {
	c.gen = gen
	c.anchored = false
}

func (c *ptsClock) rebase(gen int, deviceUs uint64) (time.Duration, bool) {
	if gen != c.gen {
		return 0, false
	}
	device := time.Duration(deviceUs) * time.Microsecond
	if !c.anchored {
		c.anchored = true
		if c.started {
			c.offset = c.last + switchGap - device
		} else {
			c.offset = 0
		}
	}
	pts := device + c.offset
	if !c.started || pts > c.last {
		c.last = pts
	}
	c.started = true
	return pts, true
}
