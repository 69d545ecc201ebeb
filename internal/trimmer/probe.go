package trimmer

import (
	"os"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// TrackInfo describes one track of a probed file.
type TrackInfo struct {
	ID        uint32        `json:"id"`
	Codec     string        `json:"codec"`
	TimeScale uint32        `json:"timescale"`
	Duration  time.Duration `json:"duration"`
	Samples   int           `json:"samples"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Channels  int           `json:"channels,omitempty"`
}

// Info is the result of Probe.
type Info struct {
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Fragmented bool          `json:"fragmented"`
	Duration   time.Duration `json:"duration"`
	Tracks     []TrackInfo   `json:"tracks"`
}

// Probe reads the structure of an MP4 file. For fragmented files the track
// duration is the end of its last fragment.
func Probe(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat file")
	}

	pi, err := gomp4.Probe(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to probe %s", path)
	}

	info := &Info{
		Path:       path,
		Size:       st.Size(),
		Fragmented: len(pi.Segments) > 0,
	}
	for _, t := range pi.Tracks {
		ti := TrackInfo{
			ID:        t.TrackID,
			Codec:     codecName(t.Codec),
			TimeScale: t.Timescale,
			Samples:   len(t.Samples),
		}
		if t.AVC != nil {
			ti.Width = int(t.AVC.Width)
			ti.Height = int(t.AVC.Height)
		}
		if t.MP4A != nil {
			ti.Channels = int(t.MP4A.ChannelCount)
		}

		end := t.Duration
		for _, seg := range pi.Segments {
			if seg.TrackID != t.TrackID {
				continue
			}
			ti.Samples += int(seg.SampleCount)
			if e := seg.BaseMediaDecodeTime + uint64(seg.Duration); e > end {
				end = e
			}
		}
		if t.Timescale > 0 {
			ti.Duration = time.Duration(end * uint64(time.Second) / uint64(t.Timescale))
		}
		if ti.Duration > info.Duration {
			info.Duration = ti.Duration
		}
		info.Tracks = append(info.Tracks, ti)
	}
	return info, nil
}

func codecName(c gomp4.Codec) string {
	switch c {
	case gomp4.CodecAVC1:
		return "h264"
	case gomp4.CodecMP4A:
		return "aac"
	default:
		return "unknown"
	}
}
