package media

import (
	"fmt"
	"time"
)

// TrackKind identifies which track a sample belongs to.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("track(%d)", int(k))
	}
}

// Sample is one unit of encoded media handed over by the capture layer.
type Sample struct {
	Kind    TrackKind
	PTS     time.Duration // monotonic presentation timestamp
	Payload []byte        // H.264 Annex-B access unit or raw AAC frame
	IsKey   bool          // video only: access unit starts with an IDR
}

// SampleHandler receives samples from a capture source.
// Implementations must not block the caller.
type SampleHandler interface {
	OnSample(sample Sample)
}

// Facing is the camera position of a capture device.
type Facing int

const (
	FacingUnspecified Facing = iota
	FacingBack
	FacingFront
)

func (f Facing) String() string {
	switch f {
	case FacingBack:
		return "back"
	case FacingFront:
		return "front"
	default:
		return "unspecified"
	}
}

func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ParseFacing parses "back", "front" or "" (unspecified).
func ParseFacing(s string) (Facing, error) {
	switch s {
	case "back":
		return FacingBack, nil
	case "front":
		return FacingFront, nil
	case "", "unspecified":
		return FacingUnspecified, nil
	default:
		return FacingUnspecified, fmt.Errorf("unknown camera facing %q", s)
	}
}

// Toggle returns the facing a camera switch moves to. Unspecified behaves
// like front and switches to back.
func (f Facing) Toggle() Facing {
	if f == FacingBack {
		return FacingFront
	}
	return FacingBack
}

// EncoderSettings describes what the device encoder should produce for a
// recording.
type EncoderSettings struct {
	Width            int
	Height           int
	VideoBitrate     int // bits per second
	FrameRate        int
	KeyFrameInterval int // in frames
	Profile          string

	AudioSampleRate int
	AudioChannels   int
	AudioBitrate    int // bits per second, all channels
}

// EncoderTuner is implemented by sources whose encoder can be configured
// for the next recording.
type EncoderTuner interface {
	TuneEncoder(settings EncoderSettings)
}

// AudioFormat is the sample rate and channel count a source really produces.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// AudioFormatProvider is implemented by sources that learn their audio
// format from the device. ok is false until it is known.
type AudioFormatProvider interface {
	AudioFormat() (format AudioFormat, ok bool)
}
