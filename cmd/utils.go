package cmd

import (
	"fmt"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/config"
	"github.com/babelcloud/gbox/packages/gclip/internal/recorder"
	"github.com/babelcloud/gbox/packages/gclip/internal/scrcpy"
	"github.com/babelcloud/gbox/packages/gclip/internal/storage"
	"github.com/fatih/color"
)

func openStore() (*storage.Store, error) {
	store, err := storage.NewStore(config.GetCacheDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open recording cache: %v", err)
	}
	return store, nil
}

// recorderOptions builds writer options from the configuration. A positive
// maxDuration overrides the configured one.
func recorderOptions(maxDuration time.Duration) recorder.Options {
	if maxDuration <= 0 {
		maxDuration = config.GetMaxDuration()
	}
	return recorder.Options{
		BitsPerPixel:             config.GetBitsPerPixel(),
		FrameRate:                config.GetFrameRate(),
		KeyFrameInterval:         config.GetKeyFrameInterval(),
		AudioSampleRate:          config.GetAudioSampleRate(),
		AudioChannels:            config.GetAudioChannels(),
		AudioBitratePerChannel:   config.GetAudioBitratePerChannel(),
		QueueSize:                config.GetQueueSize(),
		FragmentDuration:         config.GetFragmentDuration(),
		MaxDuration:              maxDuration,
		DeleteUntrimmedOnFailure: !config.GetKeepUntrimmedOnFailure(),
	}
}

func scrcpyConfig(serial string) scrcpy.Config {
	return scrcpy.Config{
		Serial:     serial,
		ADBPath:    config.GetADBPath(),
		ServerPath: config.GetScrcpyServerPath(),
		Version:    config.GetScrcpyVersion(),
		CameraSize: config.GetCameraSize(),
	}
}

// formatSize renders a byte count the way ls -h does.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func highlight(s string) string {
	return color.CyanString(s)
}
