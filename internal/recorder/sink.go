package recorder

import (
	"sync/atomic"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
)

// FrameSink sits between the capture source and the active Writer. It can
// be attached and detached while the source keeps delivering.
type FrameSink struct {
	writer atomic.Pointer[Writer]
	seen   [2]atomic.Uint64
}

func NewFrameSink() *FrameSink {
	return &FrameSink{}
}

// Attach makes w the target of subsequent samples and returns the writer it
// replaced.
func (s *FrameSink) Attach(w *Writer) *Writer {
	return s.writer.Swap(w)
}

// Detach stops forwarding and returns the writer that was attached.
func (s *FrameSink) Detach() *Writer {
	return s.writer.Swap(nil)
}

func (s *FrameSink) Writer() *Writer {
	return s.writer.Load()
}

// OnSample forwards the sample to the attached writer, if any.
func (s *FrameSink) OnSample(sample media.Sample) {
	if sample.Kind == media.TrackVideo || sample.Kind == media.TrackAudio {
		s.seen[sample.Kind].Add(1)
	}
	s.writer.Load().Append(sample)
}

// Seen returns how many samples of a kind reached the sink, attached or not.
func (s *FrameSink) Seen(kind media.TrackKind) uint64 {
	if kind != media.TrackVideo && kind != media.TrackAudio {
		return 0
	}
	return s.seen[kind].Load()
}

var _ media.SampleHandler = (*FrameSink)(nil)
