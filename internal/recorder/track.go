package recorder

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	videoTimeScale = 90000

	// AAC-LC frames always carry 1024 PCM samples
	aacSamplesPerFrame = 1024
)

// durationToTicks converts a media time into track timescale units,
// rounding to the nearest tick.
func durationToTicks(d time.Duration, timeScale uint32) int64 {
	return (int64(d)*int64(timeScale) + int64(time.Second)/2) / int64(time.Second)
}

func ticksToDuration(ticks int64, timeScale uint32) time.Duration {
	return time.Duration(ticks * int64(time.Second) / int64(timeScale))
}

// track holds the samples of one track that have not reached the file yet.
// The most recent sample stays pending until the next one arrives, because
// its duration is only known from the following DTS.
type track struct {
	id              int
	kind            media.TrackKind
	timeScale       uint32
	defaultDuration uint32

	lastPTS time.Duration
	hasLast bool

	pending    *fmp4.Sample
	pendingDTS int64

	fragment     []*fmp4.Sample
	fragmentBase int64
	end          int64 // DTS after the last sample handed to a fragment
}

func newTrack(id int, kind media.TrackKind, timeScale, defaultDuration uint32) *track {
	if defaultDuration == 0 {
		defaultDuration = 1
	}
	return &track{
		id:              id,
		kind:            kind,
		timeScale:       timeScale,
		defaultDuration: defaultDuration,
	}
}

// accepts reports whether a sample at pts keeps the track strictly increasing.
func (t *track) accepts(pts time.Duration) bool {
	return !t.hasLast || pts > t.lastPTS
}

// record queues a sample at dts and completes the previously pending one.
func (t *track) record(pts time.Duration, dts int64, sample *fmp4.Sample) {
	t.lastPTS = pts
	t.hasLast = true

	if t.pending != nil {
		d := dts - t.pendingDTS
		if d <= 0 {
			d = int64(t.defaultDuration)
		}
		t.pending.Duration = uint32(d)
		t.push(t.pending, t.pendingDTS)
	}
	t.pending = sample
	t.pendingDTS = dts
}

func (t *track) push(sample *fmp4.Sample, dts int64) {
	if len(t.fragment) == 0 {
		t.fragmentBase = dts
	}
	t.fragment = append(t.fragment, sample)
	t.end = dts + int64(sample.Duration)
}

// buffered returns the media time queued in the current fragment, pending
// sample included.
func (t *track) buffered() int64 {
	if t.pending == nil {
		return 0
	}
	if len(t.fragment) == 0 {
		return 0
	}
	return t.pendingDTS - t.fragmentBase
}

// drainPending hands the pending sample to the fragment with the default
// duration. Used when the recording ends.
func (t *track) drainPending() {
	if t.pending == nil {
		return
	}
	t.pending.Duration = t.defaultDuration
	t.push(t.pending, t.pendingDTS)
	t.pending = nil
}

// take returns the fragment's part track and resets it, or nil when empty.
func (t *track) take() *fmp4.PartTrack {
	if len(t.fragment) == 0 {
		return nil
	}
	pt := &fmp4.PartTrack{
		ID:       t.id,
		BaseTime: uint64(t.fragmentBase),
		Samples:  t.fragment,
	}
	t.fragment = nil
	return pt
}

// duration returns the media time covered by samples already handed to
// fragments.
func (t *track) duration() time.Duration {
	return ticksToDuration(t.end, t.timeScale)
}

// rawAAC strips ADTS framing when the encoder emitted it. Payloads that are
// not ADTS are returned as they are.
func rawAAC(payload []byte) [][]byte {
	if len(payload) >= 7 && payload[0] == 0xFF && payload[1]&0xF6 == 0xF0 {
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(payload); err == nil && len(pkts) > 0 {
			aus := make([][]byte, 0, len(pkts))
			for _, pkt := range pkts {
				aus = append(aus, pkt.AU)
			}
			return aus
		}
	}
	return [][]byte{payload}
}
