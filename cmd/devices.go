package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/babelcloud/gbox/packages/gclip/internal/scrcpy"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/spf13/cobra"
)

type DevicesOptions struct {
	OutputFormat string
	Cameras      bool
}

type deviceOutput struct {
	scrcpy.Device
	Cameras []scrcpy.Camera `json:"cameras,omitempty"`
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:     "devices [flags]",
		Aliases: []string{"ls"},
		Short:   "List connected Android devices",
		Example: `  # List devices:
  gclip devices

  # Include the cameras of each device, as JSON:
  gclip devices --cameras --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteDevices(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.OutputFormat, "format", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	flags.BoolVar(&opts.Cameras, "cameras", false, "Query each online device for its cameras")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func ExecuteDevices(cmd *cobra.Command, opts *DevicesOptions) error {
	devices, err := scrcpy.ListDevices()
	if err != nil {
		return err
	}

	out := make([]deviceOutput, 0, len(devices))
	for _, d := range devices {
		entry := deviceOutput{Device: d}
		if opts.Cameras && d.State == scrcpy.StateOnline {
			cameras, err := scrcpy.ListCameras(cmd.Context(), scrcpyConfig(d.Serial))
			if err != nil {
				util.GetLogger().Warn("Failed to list cameras", "device", d.Serial, "error", err)
			}
			entry.Cameras = cameras
		}
		out = append(out, entry)
	}

	if opts.OutputFormat == "json" {
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal devices to JSON: %v", err)
		}
		fmt.Println(string(b))
		return nil
	}

	if len(out) == 0 {
		fmt.Println("No Android devices found.")
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(out))
	for _, d := range out {
		row := map[string]interface{}{
			"serial":  d.Serial,
			"model":   d.Model,
			"product": d.Product,
			"state":   d.State,
		}
		if opts.Cameras {
			row["cameras"] = describeCameras(d.Cameras)
		}
		rows = append(rows, row)
	}
	columns := []util.TableColumn{
		{Header: "SERIAL", Key: "serial"},
		{Header: "MODEL", Key: "model"},
		{Header: "PRODUCT", Key: "product"},
		{Header: "STATE", Key: "state"},
	}
	if opts.Cameras {
		columns = append(columns, util.TableColumn{Header: "CAMERAS", Key: "cameras"})
	}
	util.RenderTable(os.Stdout, columns, rows)
	return nil
}

func describeCameras(cameras []scrcpy.Camera) string {
	parts := make([]string, 0, len(cameras))
	for _, c := range cameras {
		parts = append(parts, fmt.Sprintf("%s:%s", c.ID, c.Facing))
	}
	return strings.Join(parts, ", ")
}
