package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/gbox/packages/gclip/internal/version"
	"github.com/spf13/cobra"
)

type VersionOptions struct {
	OutputFormat string
}

func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteVersion(opts)
		},
	}

	cmd.Flags().StringVar(&opts.OutputFormat, "format", "text", "Output format: text or json")
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func ExecuteVersion(opts *VersionOptions) error {
	info := version.Get()
	if opts.OutputFormat == "json" {
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal version info: %v", err)
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Version:        %s\n", info.Version)
	fmt.Printf("Git commit:     %s\n", info.GitCommit)
	fmt.Printf("Built:          %s\n", info.FormattedBuildTime())
	fmt.Printf("Go version:     %s\n", info.GoVersion)
	fmt.Printf("OS/Arch:        %s/%s\n", info.OS, info.Arch)
	fmt.Printf("scrcpy-server:  %s\n", info.ScrcpyVersion)
	return nil
}
