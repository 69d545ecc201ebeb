package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/gclip/config"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/babelcloud/gbox/packages/gclip/internal/version"
	"github.com/spf13/cobra"
)

type RootOptions struct {
	Verbose  bool
	Serial   string
	CacheDir string
}

var (
	rootOpts = &RootOptions{}

	rootCmd = &cobra.Command{
		Use:   "gclip",
		Short: "Record short camera clips from an Android device",
		Long: `gclip records the camera and microphone of an Android device over adb and
keeps a trimmed, fixed-length copy of every recording in a local cache.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.InitCLILogger(rootOpts.Verbose)
			if rootOpts.Serial != "" {
				config.Set("device.serial", rootOpts.Serial)
			}
			if rootOpts.CacheDir != "" {
				config.Set("storage.cache_dir", rootOpts.CacheDir)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Get()
				fmt.Printf("gclip version %s, build %s, scrcpy-server %s\n", info.Version, info.GitCommit, info.ScrcpyVersion)
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&rootOpts.Verbose, "verbose", false, "Log debug output to stderr")
	flags.StringVarP(&rootOpts.Serial, "serial", "s", "", "Serial of the device to use (defaults to the only connected one)")
	flags.StringVar(&rootOpts.CacheDir, "cache-dir", "", "Directory recordings are written to")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewTrimCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewCacheCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
