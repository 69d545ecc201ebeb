package trimmer

import (
	"bytes"
	"encoding/binary"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
)

// splitInit separates the initialization segment (ftyp + moov) from the
// movie fragments that follow it.
func splitInit(data []byte) (init, fragments []byte, err error) {
	var offset int
	var foundFtyp bool

	for offset+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset:]))
		if size < 8 || offset+size > len(data) {
			return nil, nil, errors.Errorf("malformed box at offset %d", offset)
		}

		switch string(data[offset+4 : offset+8]) {
		case "ftyp":
			foundFtyp = true
		case "moov":
			if !foundFtyp {
				return nil, nil, errors.New("moov box before ftyp")
			}
			end := offset + size
			return data[:end], data[end:], nil
		case "moof", "mdat":
			return nil, nil, errors.New("media data before moov box")
		}

		offset += size
	}
	return nil, nil, errors.New("no initialization segment found")
}

// decode parses both halves of a fragmented file and checks that every
// track can be copied without re-encoding.
func decode(initBytes, fragmentBytes []byte) (*fmp4.Init, fmp4.Parts, error) {
	var init fmp4.Init
	if err := init.Unmarshal(bytes.NewReader(initBytes)); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse init segment")
	}
	for _, t := range init.Tracks {
		if !passThrough(t.Codec) {
			return nil, nil, errors.Wrapf(media.ErrIncompatible, "track %d codec %T", t.ID, t.Codec)
		}
	}

	var parts fmp4.Parts
	if len(fragmentBytes) > 0 {
		if err := parts.Unmarshal(fragmentBytes); err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse fragments")
		}
	}
	return &init, parts, nil
}

func passThrough(codec mp4.Codec) bool {
	switch codec.(type) {
	case *mp4.CodecH264, *mp4.CodecH265, *mp4.CodecMPEG4Audio, *mp4.CodecOpus:
		return true
	default:
		return false
	}
}

// cut keeps the samples of a part that start before their track's end
// tick and shortens the last one so it stops at the end. Tracks missing
// from ends are dropped.
func cut(part *fmp4.Part, ends map[int]uint64) *fmp4.Part {
	kept := &fmp4.Part{}
	for _, pt := range part.Tracks {
		end, ok := ends[pt.ID]
		if !ok || pt.BaseTime >= end {
			continue
		}
		dts := pt.BaseTime
		samples := make([]*fmp4.Sample, 0, len(pt.Samples))
		for _, s := range pt.Samples {
			if dts >= end {
				break
			}
			if dts+uint64(s.Duration) > end {
				s.Duration = uint32(end - dts)
			}
			samples = append(samples, s)
			dts += uint64(s.Duration)
		}
		if len(samples) == 0 {
			continue
		}
		kept.Tracks = append(kept.Tracks, &fmp4.PartTrack{
			ID:       pt.ID,
			BaseTime: pt.BaseTime,
			Samples:  samples,
		})
	}
	return kept
}
