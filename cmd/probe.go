package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/babelcloud/gbox/packages/gclip/internal/trimmer"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/spf13/cobra"
)

type ProbeOptions struct {
	OutputFormat string
}

func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe <file>...",
		Short: "Show the tracks and duration of recordings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteProbe(args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.OutputFormat, "format", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func ExecuteProbe(paths []string, opts *ProbeOptions) error {
	infos := make([]*trimmer.Info, 0, len(paths))
	for _, p := range paths {
		info, err := trimmer.Probe(p)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	if opts.OutputFormat == "json" {
		out, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal probe result: %v", err)
		}
		fmt.Println(string(out))
		return nil
	}

	for i, info := range infos {
		if i > 0 {
			fmt.Println()
		}
		printProbe(info)
	}
	return nil
}

func printProbe(info *trimmer.Info) {
	layout := "progressive"
	if info.Fragmented {
		layout = "fragmented"
	}
	fmt.Printf("%s (%s, %s, %s)\n", highlight(info.Path), formatSize(info.Size), layout, formatDuration(info.Duration))

	rows := make([]map[string]interface{}, 0, len(info.Tracks))
	for _, t := range info.Tracks {
		detail := ""
		switch {
		case t.Width > 0:
			detail = fmt.Sprintf("%dx%d", t.Width, t.Height)
		case t.Channels > 0:
			detail = fmt.Sprintf("%d ch", t.Channels)
		}
		rows = append(rows, map[string]interface{}{
			"id":        t.ID,
			"codec":     t.Codec,
			"timescale": t.TimeScale,
			"duration":  formatDuration(t.Duration),
			"samples":   t.Samples,
			"detail":    detail,
		})
	}
	util.RenderTable(os.Stdout, []util.TableColumn{
		{Header: "TRACK", Key: "id"},
		{Header: "CODEC", Key: "codec"},
		{Header: "TIMESCALE", Key: "timescale"},
		{Header: "DURATION", Key: "duration"},
		{Header: "SAMPLES", Key: "samples"},
		{Header: "DETAIL", Key: "detail"},
	}, rows)
}
