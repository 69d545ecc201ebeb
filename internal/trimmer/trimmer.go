// Package trimmer cuts finished fragmented MP4 recordings down to a maximum
// duration without re-encoding.
package trimmer

import (
	"context"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/storage"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
)

type Options struct {
	Logger *slog.Logger
	// KeepSource leaves the source file in place after a successful trim.
	KeepSource bool
	// DeleteSourceOnFailure removes the source when the trim fails.
	DeleteSourceOnFailure bool
	// Locks serializes work per source path. Shared between trimmers that
	// may see the same files.
	Locks keymutex.KeyMutex
}

// Result describes a finished export.
type Result struct {
	Path           string        `json:"path"`
	SourcePath     string        `json:"source_path"`
	Duration       time.Duration `json:"duration"`
	SourceDuration time.Duration `json:"source_duration"`
}

type Trimmer struct {
	opts   Options
	logger *slog.Logger
	locks  keymutex.KeyMutex
}

func New(opts Options) *Trimmer {
	if opts.Logger == nil {
		opts.Logger = util.GetLogger()
	}
	if opts.Locks == nil {
		opts.Locks = keymutex.NewHashed(0)
	}
	return &Trimmer{opts: opts, logger: opts.Logger, locks: opts.Locks}
}

// Trim exports the first min(duration, maxDuration) of sourcePath next to
// it and returns the exported file. Failures are TrimErrors; the partial
// output is always removed.
func (t *Trimmer) Trim(ctx context.Context, sourcePath string, maxDuration time.Duration) (Result, error) {
	if maxDuration <= 0 {
		return Result{}, media.TrimError(errors.Errorf("invalid max duration %s", maxDuration), "trim")
	}

	t.locks.LockKey(sourcePath)
	defer t.locks.UnlockKey(sourcePath)

	dst := storage.ExportPath(sourcePath)
	res, err := t.export(ctx, sourcePath, dst, maxDuration)
	if err != nil {
		if t.opts.DeleteSourceOnFailure {
			if rmErr := os.Remove(sourcePath); rmErr != nil && !os.IsNotExist(rmErr) {
				t.logger.Warn("Failed to remove source after trim failure", "path", sourcePath, "error", rmErr)
			}
		}
		return Result{}, media.TrimError(err, "trim "+sourcePath)
	}

	if !t.opts.KeepSource {
		if err := os.Remove(sourcePath); err != nil {
			t.logger.Warn("Failed to remove trimmed source", "path", sourcePath, "error", err)
		}
	}

	t.logger.Info("Recording trimmed", "source", sourcePath, "path", dst,
		"duration", res.Duration, "source_duration", res.SourceDuration)
	return res, nil
}

func (t *Trimmer) export(ctx context.Context, src, dst string, maxDuration time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	info, err := Probe(src)
	if err != nil {
		return Result{}, err
	}
	if info.Duration <= 0 {
		return Result{}, errors.New("source has no media")
	}
	// a source that already fits is copied without clipping
	clip := maxDuration < info.Duration

	data, err := os.ReadFile(src)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read source")
	}
	initBytes, fragmentBytes, err := splitInit(data)
	if err != nil {
		return Result{}, err
	}
	init, parts, err := decode(initBytes, fragmentBytes)
	if err != nil {
		return Result{}, err
	}

	ends := make(map[int]uint64, len(init.Tracks))
	scales := make(map[int]uint32, len(init.Tracks))
	for _, tr := range init.Tracks {
		ends[tr.ID] = math.MaxUint64
		if clip {
			ends[tr.ID] = ticksAtOrAfter(maxDuration, tr.TimeScale)
		}
		scales[tr.ID] = tr.TimeScale
	}

	partial := dst + storage.PartialSuffix
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to create output")
	}
	committed := false
	defer func() {
		if !committed {
			out.Close()
			os.Remove(partial)
		}
	}()

	// the init segment carries no durations, so it is copied as is
	if _, err := out.Write(initBytes); err != nil {
		return Result{}, errors.Wrap(err, "failed to write init segment")
	}

	var kept time.Duration
	seq := uint32(1)
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		p := cut(part, ends)
		if len(p.Tracks) == 0 {
			continue
		}
		p.SequenceNumber = seq
		seq++

		var buf seekablebuffer.Buffer
		if err := p.Marshal(&buf); err != nil {
			return Result{}, errors.Wrap(err, "failed to marshal fragment")
		}
		if _, err := out.Write(buf.Bytes()); err != nil {
			return Result{}, errors.Wrap(err, "failed to write fragment")
		}
		if d := partEnd(p, scales); d > kept {
			kept = d
		}
	}
	if seq == 1 {
		return Result{}, errors.New("no samples before the cut point")
	}

	if err := out.Sync(); err != nil {
		return Result{}, errors.Wrap(err, "failed to sync output")
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		committed = true
		return Result{}, errors.Wrap(err, "failed to close output")
	}
	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		committed = true
		return Result{}, errors.Wrap(err, "failed to move output into place")
	}
	committed = true

	return Result{
		Path:           dst,
		SourcePath:     src,
		Duration:       kept,
		SourceDuration: info.Duration,
	}, nil
}

// ticksAtOrAfter converts d to the first tick of timeScale not before it.
func ticksAtOrAfter(d time.Duration, timeScale uint32) uint64 {
	if d <= 0 {
		return 0
	}
	return (uint64(d)*uint64(timeScale) + uint64(time.Second) - 1) / uint64(time.Second)
}

func partEnd(p *fmp4.Part, scales map[int]uint32) time.Duration {
	var longest time.Duration
	for _, pt := range p.Tracks {
		ts := scales[pt.ID]
		if ts == 0 {
			continue
		}
		end := pt.BaseTime
		for _, s := range pt.Samples {
			end += uint64(s.Duration)
		}
		if d := time.Duration(end * uint64(time.Second) / uint64(ts)); d > longest {
			longest = d
		}
	}
	return longest
}
