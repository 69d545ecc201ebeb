package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/config"
	"github.com/babelcloud/gbox/packages/gclip/internal/media"
	"github.com/babelcloud/gbox/packages/gclip/internal/recorder"
	"github.com/babelcloud/gbox/packages/gclip/internal/scrcpy"
	"github.com/babelcloud/gbox/packages/gclip/internal/session"
	"github.com/babelcloud/gbox/packages/gclip/internal/trimmer"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type RecordOptions struct {
	Duration     time.Duration
	MaxDuration  time.Duration
	Facing       string
	CameraSize   string
	SwitchAfter  time.Duration
	StartTimeout time.Duration
}

func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record [flags]",
		Short: "Record a clip from the device camera",
		Long: `Record the device camera and microphone into the cache directory. The
recording stops after --duration or on Ctrl+C, and is then trimmed to the
configured maximum length.`,
		Example: `  # Record until Ctrl+C, keep the first 10 seconds:
  gclip record

  # Record 30 seconds with the front camera, keep the first 15:
  gclip record --facing front --duration 30s --max 15s

  # Switch camera 5 seconds into the recording:
  gclip record --switch-after 5s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteRecord(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVarP(&opts.Duration, "duration", "d", 0, "Stop recording after this long (0 records until Ctrl+C)")
	flags.DurationVar(&opts.MaxDuration, "max", 0, "Length of the trimmed clip (defaults to recording.max_duration)")
	flags.StringVar(&opts.Facing, "facing", config.GetCameraFacing(), "Camera to start with: back or front")
	flags.StringVar(&opts.CameraSize, "camera-size", "", "Capture size, e.g. 1280x720")
	flags.DurationVar(&opts.SwitchAfter, "switch-after", 0, "Toggle the camera once after this long")
	flags.DurationVar(&opts.StartTimeout, "start-timeout", 20*time.Second, "How long to wait for the first video frame")

	cmd.RegisterFlagCompletionFunc("facing", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"back", "front"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteRecord(cmd *cobra.Command, opts *RecordOptions) error {
	facing, err := media.ParseFacing(opts.Facing)
	if err != nil {
		return err
	}
	if opts.CameraSize != "" {
		config.Set("scrcpy.camera_size", opts.CameraSize)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serial, err := scrcpy.ResolveSerial(config.GetDeviceSerial())
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}

	recOpts := recorderOptions(opts.MaxDuration)
	recOpts.Trimmer = trimmer.New(trimmer.Options{
		DeleteSourceOnFailure: recOpts.DeleteUntrimmedOnFailure,
	})
	srcCfg := scrcpyConfig(serial)
	srcCfg.Encoder = initialEncoder(recOpts, srcCfg.CameraSize)
	source := scrcpy.NewSource(srcCfg, facing)
	failed := make(chan error, 1)
	ctrl := session.New(source, session.Options{
		Store:    store,
		Recorder: recOpts,
		OnFailure: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	})
	defer ctrl.Close()

	sp := util.NewUISpinner(rootOpts.Verbose, fmt.Sprintf("Starting %s camera on %s...", facing, serial))
	if err := ctrl.StartPreview(ctx); err != nil {
		sp.Fail("Failed to start camera")
		return err
	}
	sp.Update("Waiting for the first video frame...")
	width, height, err := waitForViewport(ctx, source, opts.StartTimeout)
	if err != nil {
		sp.Fail("No video from the device")
		return err
	}
	sp.Success(fmt.Sprintf("Camera ready (%dx%d)", width, height))

	if err := ctrl.StartCapture(); err != nil {
		return errors.Wrap(err, "failed to start recording")
	}
	if opts.Duration > 0 {
		fmt.Printf("Recording for %s, press Ctrl+C to stop early\n", opts.Duration)
	} else {
		fmt.Println("Recording, press Ctrl+C to stop")
	}

	runCapture(ctx, ctrl, opts, failed)
	stop()

	w := ctrl.Recording()
	sp = util.NewUISpinner(rootOpts.Verbose, "Finalizing recording...")
	done := make(chan recorder.Result, 1)
	ctrl.EndCapture(func(res recorder.Result) { done <- res })
	res := <-done
	if res.Err != nil {
		sp.Fail("Recording failed")
		if res.Path != "" {
			fmt.Printf("  Untrimmed recording kept at %s\n", res.Path)
		}
		return res.Err
	}
	sp.Success("Recording saved")

	fmt.Printf("  Path:     %s\n", highlight(res.Path))
	fmt.Printf("  Duration: %s\n", formatDuration(res.Duration))
	if w != nil {
		fmt.Printf("  Started:  %s\n", w.Created().Local().Format("2006-01-02 15:04:05"))
	}
	if !res.Trimmed {
		color.New(color.FgYellow).Println("  Not trimmed")
	}
	if w != nil {
		stats := w.Stats()
		color.New(color.Faint).Printf("  %d video and %d audio samples written, %d dropped\n",
			stats.Video.Written, stats.Audio.Written, stats.Video.Dropped+stats.Audio.Dropped)
	}
	return nil
}

// runCapture blocks until the recording should stop.
func runCapture(ctx context.Context, ctrl *session.Controller, opts *RecordOptions, failed <-chan error) {
	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	var switchAt <-chan time.Time
	if opts.SwitchAfter > 0 {
		timer := time.NewTimer(opts.SwitchAfter)
		defer timer.Stop()
		switchAt = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-deadline:
			return
		case err := <-failed:
			color.New(color.FgRed).Printf("Recording failed, stopping: %v\n", err)
			return
		case <-switchAt:
			switchAt = nil
			facing, err := ctrl.SwitchCamera(ctx)
			if err != nil {
				util.GetLogger().Warn("Camera switch refused", "error", err)
				continue
			}
			fmt.Printf("Camera: %s\n", facing)
		}
	}
}

// initialEncoder derives the encoder settings of the first server start.
// With a known camera size they match what StartCapture asks for, so the
// capture starts without reconnecting. Otherwise the bitrate is left to
// the device until the viewport is known.
func initialEncoder(opts recorder.Options, cameraSize string) media.EncoderSettings {
	var width, height int
	if _, err := fmt.Sscanf(cameraSize, "%dx%d", &width, &height); err != nil {
		width, height = 0, 0
	}
	return opts.EncoderSettings(width, height)
}

// waitForViewport polls until the source has decoded a video size.
func waitForViewport(ctx context.Context, source session.Source, timeout time.Duration) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w, h := source.Viewport(); w > 0 && h > 0 {
			return w, h, nil
		}
		select {
		case <-ctx.Done():
			return 0, 0, errors.Wrap(ctx.Err(), "waiting for the first video frame")
		case <-ticker.C:
		}
	}
}
