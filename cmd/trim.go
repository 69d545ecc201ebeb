package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/config"
	"github.com/babelcloud/gbox/packages/gclip/internal/trimmer"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/spf13/cobra"
)

type TrimOptions struct {
	MaxDuration time.Duration
	KeepSource  bool
}

func NewTrimCommand() *cobra.Command {
	opts := &TrimOptions{}

	cmd := &cobra.Command{
		Use:   "trim <file>",
		Short: "Trim a recording to its first seconds",
		Long: `Export the beginning of a fragmented MP4 recording without re-encoding. The
output is written next to the source with an "-export" suffix.`,
		Example: `  # Keep the first 10 seconds and remove the source:
  gclip trim ~/.cache/gclip/Video/2026-01-02-09-04-05-000.mp4

  # Keep the first 5 seconds and the source:
  gclip trim --max 5s --keep-source clip.mp4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteTrim(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.MaxDuration, "max", 0, "Length to keep (defaults to recording.max_duration)")
	flags.BoolVar(&opts.KeepSource, "keep-source", false, "Do not remove the source after exporting")

	return cmd
}

func ExecuteTrim(cmd *cobra.Command, path string, opts *TrimOptions) error {
	maxDuration := opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = config.GetMaxDuration()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sp := util.NewUISpinner(rootOpts.Verbose, fmt.Sprintf("Trimming %s to %s...", path, maxDuration))
	res, err := trimmer.New(trimmer.Options{KeepSource: opts.KeepSource}).Trim(ctx, path, maxDuration)
	if err != nil {
		sp.Fail("Trim failed")
		return err
	}
	sp.Success(fmt.Sprintf("Exported %s of %s", formatDuration(res.Duration), formatDuration(res.SourceDuration)))
	fmt.Printf("  %s\n", highlight(res.Path))
	return nil
}
