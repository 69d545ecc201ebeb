// Package recorder writes captured samples into a fragmented MP4 file and
// hands the finished file to the trimmer.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/media/h264"
	"github.com/babelcloud/gbox/packages/gclip/internal/trimmer"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
)

// Status is the lifecycle state of a Writer.
type Status int32

const (
	StatusIdle Status = iota
	StatusWriting
	StatusFinalizing
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWriting:
		return "writing"
	case StatusFinalizing:
		return "finalizing"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// CodecParams carries H.264 parameter sets known before the first keyframe.
type CodecParams struct {
	SPS []byte
	PPS []byte
}

// Trimmer shortens a finished recording.
type Trimmer interface {
	Trim(ctx context.Context, sourcePath string, maxDuration time.Duration) (trimmer.Result, error)
}

// Options configures a Writer. Zero values fall back to the defaults below.
type Options struct {
	Logger *slog.Logger

	BitsPerPixel           float64
	FrameRate              int
	KeyFrameInterval       int
	AudioSampleRate        int
	AudioChannels          int
	AudioBitratePerChannel int

	QueueSize        int
	FragmentDuration time.Duration
	CodecParams      *CodecParams

	// Trimmer runs after finalize when set. MaxDuration bounds its output.
	Trimmer     Trimmer
	MaxDuration time.Duration
	// DeleteUntrimmedOnFailure removes the intermediate file when trimming
	// fails instead of returning it.
	DeleteUntrimmedOnFailure bool

	// OnFailure is called once, on its own goroutine, when a write error
	// fails the recording. Close still reports the error.
	OnFailure func(err error)
}

const (
	DefaultBitsPerPixel           = 12.0
	DefaultFrameRate              = 15
	DefaultKeyFrameInterval       = 15
	DefaultAudioSampleRate        = 22050
	DefaultAudioChannels          = 1
	DefaultAudioBitratePerChannel = 28000
	DefaultQueueSize              = 512
	DefaultFragmentDuration       = time.Second
	DefaultMaxDuration            = 10 * time.Second
	DefaultProfile                = "baseline"
)

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = util.GetLogger()
	}
	if o.BitsPerPixel <= 0 {
		o.BitsPerPixel = DefaultBitsPerPixel
	}
	if o.FrameRate <= 0 {
		o.FrameRate = DefaultFrameRate
	}
	if o.KeyFrameInterval <= 0 {
		o.KeyFrameInterval = DefaultKeyFrameInterval
	}
	if o.AudioSampleRate <= 0 {
		o.AudioSampleRate = DefaultAudioSampleRate
	}
	if o.AudioChannels <= 0 {
		o.AudioChannels = DefaultAudioChannels
	}
	if o.AudioBitratePerChannel <= 0 {
		o.AudioBitratePerChannel = DefaultAudioBitratePerChannel
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.FragmentDuration <= 0 {
		o.FragmentDuration = DefaultFragmentDuration
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
}

// EncoderSettings returns what the capture encoder should produce for a
// width x height recording with these options.
func (o Options) EncoderSettings(width, height int) media.EncoderSettings {
	o.setDefaults()
	return media.EncoderSettings{
		Width:            width,
		Height:           height,
		VideoBitrate:     int(float64(width*height) * o.BitsPerPixel),
		FrameRate:        o.FrameRate,
		KeyFrameInterval: o.KeyFrameInterval,
		Profile:          DefaultProfile,
		AudioSampleRate:  o.AudioSampleRate,
		AudioChannels:    o.AudioChannels,
		AudioBitrate:     o.AudioBitratePerChannel * o.AudioChannels,
	}
}

// Result is what a finished recording resolves to.
type Result struct {
	Path     string
	Trimmed  bool
	Duration time.Duration
	Err      error
}

// TrackStats counts samples of one track through the writer.
type TrackStats struct {
	Appended  uint64 // accepted into the queue
	Dropped   uint64 // rejected because the queue was full
	Discarded uint64 // late, out of order or ahead of the first keyframe
	Written   uint64
}

type Stats struct {
	Video TrackStats
	Audio TrackStats
}

type trackCounters struct {
	appended, dropped, discarded, written atomic.Uint64
}

func (c *trackCounters) snapshot() TrackStats {
	return TrackStats{
		Appended:  c.appended.Load(),
		Dropped:   c.dropped.Load(),
		Discarded: c.discarded.Load(),
		Written:   c.written.Load(),
	}
}

// Writer records one capture into an fMP4 file. Append may be called from
// any goroutine; a single goroutine owns the file.
type Writer struct {
	id       string
	path     string
	created  time.Time
	opts     Options
	logger   *slog.Logger
	settings media.EncoderSettings
	audioCfg mpeg4audio.AudioSpecificConfig

	file  *os.File
	queue chan media.Sample
	done  chan struct{}

	mu        sync.Mutex
	status    Status
	closeOnce bool

	counters [2]trackCounters

	// owned by the run goroutine until done is closed
	video, audio *track
	anchor       time.Duration
	anchored     bool
	sps, pps     []byte
	initWritten  bool
	seq          uint32
	writeErr     error
}

// Open validates the track configuration, creates outputPath and starts the
// writer goroutine. The file must not exist yet.
func Open(width, height int, outputPath string, opts Options) (*Writer, error) {
	opts.setDefaults()

	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, media.ConfigurationError(
			errors.Errorf("invalid video size %dx%d", width, height), "open video track")
	}

	audioCfg := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   opts.AudioSampleRate,
		ChannelCount: opts.AudioChannels,
	}
	if _, err := audioCfg.Marshal(); err != nil {
		return nil, media.ConfigurationError(err, "open audio track")
	}

	f, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, media.ConfigurationError(err, "create output file")
	}

	w := &Writer{
		id:       uuid.New().String(),
		path:     outputPath,
		created:  time.Now(),
		opts:     opts,
		audioCfg: audioCfg,
		file:     f,
		queue:    make(chan media.Sample, opts.QueueSize),
		done:     make(chan struct{}),
		video:    newTrack(videoTrackID, media.TrackVideo, videoTimeScale, uint32(videoTimeScale/opts.FrameRate)),
		audio:    newTrack(audioTrackID, media.TrackAudio, uint32(opts.AudioSampleRate), aacSamplesPerFrame),
		seq:      1,
		settings: opts.EncoderSettings(width, height),
	}
	w.logger = opts.Logger.With("recording", w.id)
	if opts.CodecParams != nil {
		w.sps = append([]byte{}, opts.CodecParams.SPS...)
		w.pps = append([]byte{}, opts.CodecParams.PPS...)
	}

	go w.run()

	w.logger.Debug("Recording opened", "path", outputPath, "width", width, "height", height,
		"bitrate", w.settings.VideoBitrate)
	return w, nil
}

func (w *Writer) ID() string { return w.id }

func (w *Writer) Path() string { return w.path }

func (w *Writer) Created() time.Time { return w.created }

// EncoderSettings returns what the capture encoder should produce for this
// recording.
func (w *Writer) EncoderSettings() media.EncoderSettings { return w.settings }

func (w *Writer) Status() Status {
	if w == nil {
		return StatusIdle
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Writer) Stats() Stats {
	return Stats{
		Video: w.counters[media.TrackVideo].snapshot(),
		Audio: w.counters[media.TrackAudio].snapshot(),
	}
}

// Append queues a sample without blocking. It is a no-op on a nil Writer
// and after Close. When the queue is full the sample is dropped.
//
// The recording starts at the first video keyframe, which is written at
// time zero. Video and audio appended before it are discarded and counted
// in TrackStats.Discarded, so the first output sample is the first
// appended sample only when that sample is a keyframe.
func (w *Writer) Append(sample media.Sample) {
	if w == nil {
		return
	}
	if sample.Kind != media.TrackVideo && sample.Kind != media.TrackAudio {
		return
	}
	c := &w.counters[sample.Kind]

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeOnce || w.status == StatusFailed {
		return
	}
	select {
	case w.queue <- sample:
		c.appended.Add(1)
		if w.status == StatusIdle {
			w.status = StatusWriting
		}
	default:
		if c.dropped.Add(1)%100 == 1 {
			w.logger.Warn("Sample queue full, dropping", "track", sample.Kind, "dropped", c.dropped.Load())
		}
	}
}

// Close finishes the recording and resolves the returned channel once. Only
// a writing Writer finalizes; the trimmer then runs with ctx. Calling Close
// again resolves immediately with ErrAlreadyClosed.
func (w *Writer) Close(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	if w == nil {
		ch <- Result{Err: media.ErrNoSession}
		return ch
	}

	w.mu.Lock()
	if w.closeOnce {
		w.mu.Unlock()
		ch <- Result{Err: media.ErrAlreadyClosed}
		return ch
	}
	w.closeOnce = true
	prev := w.status
	switch prev {
	case StatusIdle:
		w.status = StatusClosed
	case StatusWriting:
		w.status = StatusFinalizing
	}
	close(w.queue)
	w.mu.Unlock()

	switch prev {
	case StatusIdle:
		<-w.done
		w.discardFile()
		ch <- Result{Err: media.ErrNoSession}
		return ch
	case StatusFailed:
		<-w.done
		ch <- Result{Err: w.writeErr}
		return ch
	}

	go func() {
		ch <- w.finish(ctx)
	}()
	return ch
}

func (w *Writer) finish(ctx context.Context) Result {
	<-w.done
	if w.writeErr != nil {
		return Result{Err: w.writeErr}
	}

	if err := w.finalize(); err != nil {
		w.setStatus(StatusFailed)
		w.discardFile()
		w.logger.Error("Failed to finalize recording", "error", err)
		return Result{Err: err}
	}
	w.setStatus(StatusClosed)

	duration := w.video.duration()
	if d := w.audio.duration(); d > duration {
		duration = d
	}
	stats := w.Stats()
	w.logger.Info("Recording finalized", "path", w.path, "duration", duration,
		"video_samples", stats.Video.Written, "audio_samples", stats.Audio.Written,
		"dropped", stats.Video.Dropped+stats.Audio.Dropped)

	if w.opts.Trimmer == nil {
		return Result{Path: w.path, Duration: duration}
	}

	res, err := w.opts.Trimmer.Trim(ctx, w.path, w.opts.MaxDuration)
	if err != nil {
		if w.opts.DeleteUntrimmedOnFailure {
			if rmErr := os.Remove(w.path); rmErr != nil && !os.IsNotExist(rmErr) {
				w.logger.Warn("Failed to remove untrimmed recording", "path", w.path, "error", rmErr)
			}
			return Result{Err: err}
		}
		w.logger.Warn("Trim failed, keeping untrimmed recording", "path", w.path, "error", err)
		return Result{Path: w.path, Duration: duration, Err: err}
	}
	return Result{Path: res.Path, Trimmed: true, Duration: res.Duration}
}

// finalize writes out every buffered sample and closes the file.
func (w *Writer) finalize() error {
	if !w.initWritten {
		w.file.Close()
		return media.FinalizeError(errors.New("no video keyframe was recorded"), "finalize recording")
	}
	w.video.drainPending()
	w.audio.drainPending()
	if err := w.flushFragment(); err != nil {
		w.file.Close()
		return media.FinalizeError(err, "flush last fragment")
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return media.FinalizeError(err, "sync output file")
	}
	if err := w.file.Close(); err != nil {
		return media.FinalizeError(err, "close output file")
	}
	return nil
}

func (w *Writer) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Writer) discardFile() {
	w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Failed to remove recording file", "path", w.path, "error", err)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for sample := range w.queue {
		if w.writeErr != nil {
			continue
		}
		if err := w.write(sample); err != nil {
			w.fail(err)
		}
	}
}

func (w *Writer) fail(err error) {
	w.writeErr = err
	w.logger.Error("Recording write failed", "error", err)
	w.mu.Lock()
	w.status = StatusFailed
	w.mu.Unlock()
	w.discardFile()
	if w.opts.OnFailure != nil {
		go w.opts.OnFailure(err)
	}
}

func (w *Writer) discard(kind media.TrackKind) {
	w.counters[kind].discarded.Add(1)
}

func (w *Writer) write(sample media.Sample) error {
	if sample.Kind == media.TrackVideo {
		return w.writeVideo(sample)
	}
	return w.writeAudio(sample)
}

func (w *Writer) writeVideo(sample media.Sample) error {
	nalus, err := h264.SplitAnnexB(sample.Payload)
	if err != nil {
		return media.WriteError(err, "parse video sample")
	}
	nalus = h264.StripAccessUnitDelimiters(nalus)
	if len(nalus) == 0 {
		w.discard(media.TrackVideo)
		return nil
	}
	isKey := sample.IsKey || h264.ContainsIDR(nalus)

	if !w.initWritten {
		if !isKey {
			w.discard(media.TrackVideo)
			return nil
		}
		if sps, pps := h264.ParameterSets(nalus); sps != nil && pps != nil {
			w.sps, w.pps = sps, pps
		}
		if len(w.sps) == 0 || len(w.pps) == 0 {
			w.logger.Debug("Keyframe without parameter sets, waiting")
			w.discard(media.TrackVideo)
			return nil
		}
		if err := w.writeInit(); err != nil {
			return err
		}
		w.anchor = sample.PTS
		w.anchored = true
	}

	if sample.PTS < w.anchor || !w.video.accepts(sample.PTS) {
		w.discard(media.TrackVideo)
		return nil
	}

	dts := durationToTicks(sample.PTS-w.anchor, w.video.timeScale)
	w.video.record(sample.PTS, dts, &fmp4.Sample{
		IsNonSyncSample: !isKey,
		Payload:         h264.ToAVCC(nalus),
	})
	w.counters[media.TrackVideo].written.Add(1)

	if w.video.buffered() >= durationToTicks(w.opts.FragmentDuration, w.video.timeScale) {
		if err := w.flushFragment(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeAudio(sample media.Sample) error {
	// audio only joins once video has started the session
	if !w.anchored || sample.PTS < w.anchor {
		w.discard(media.TrackAudio)
		return nil
	}
	for i, au := range rawAAC(sample.Payload) {
		pts := sample.PTS + time.Duration(i)*aacSamplesPerFrame*time.Second/time.Duration(w.audio.timeScale)
		if len(au) == 0 || !w.audio.accepts(pts) {
			w.discard(media.TrackAudio)
			continue
		}
		dts := durationToTicks(pts-w.anchor, w.audio.timeScale)
		w.audio.record(pts, dts, &fmp4.Sample{Payload: au})
		w.counters[media.TrackAudio].written.Add(1)
	}
	return nil
}

func (w *Writer) writeInit() error {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        videoTrackID,
				TimeScale: videoTimeScale,
				Codec:     &mp4.CodecH264{SPS: w.sps, PPS: w.pps},
			},
			{
				ID:        audioTrackID,
				TimeScale: w.audio.timeScale,
				Codec:     &mp4.CodecMPEG4Audio{Config: w.audioCfg},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return media.WriteError(err, "marshal init segment")
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return media.WriteError(err, "write init segment")
	}
	w.initWritten = true
	w.logger.Debug("Init segment written", "size", len(buf.Bytes()))
	return nil
}

// flushFragment writes every completed sample of both tracks as one
// movie fragment.
func (w *Writer) flushFragment() error {
	part := &fmp4.Part{SequenceNumber: w.seq}
	for _, t := range []*track{w.video, w.audio} {
		if pt := t.take(); pt != nil {
			part.Tracks = append(part.Tracks, pt)
		}
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return media.WriteError(err, "marshal fragment")
	}
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return media.WriteError(err, "write fragment")
	}
	w.logger.Debug("Fragment written", "sequence", w.seq, "size", len(buf.Bytes()))
	w.seq++
	return nil
}
