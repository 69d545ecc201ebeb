package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/babelcloud/gbox/packages/gclip/internal/storage"
	"github.com/babelcloud/gbox/packages/gclip/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CacheOptions holds command options
type CacheOptions struct {
	OutputFormat string
	Force        bool
	All          bool
	OlderThan    time.Duration
}

// NewCacheCommand creates a new cache command
func NewCacheCommand() *cobra.Command {
	opts := &CacheOptions{}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached recordings",
		Long:  `List and clean the recordings kept in the cache directory.`,
	}

	lsCmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteCacheList(opts)
		},
	}
	lsCmd.Flags().StringVar(&opts.OutputFormat, "format", "text", "Specify output format. Options are \"text\" (default) or \"json\".")

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached recordings",
		Long: `Remove untrimmed and partial recordings from the cache directory. Trimmed
exports are kept unless --all is given.`,
		Example: `  # Remove leftovers older than a day:
  gclip cache clean --older-than 24h --force

  # Remove everything, exports included:
  gclip cache clean --all --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteCacheClean(opts)
		},
	}
	cleanCmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Force clean without confirmation")
	cleanCmd.Flags().BoolVar(&opts.All, "all", false, "Also remove trimmed exports")
	cleanCmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "Only remove files older than this")

	cmd.AddCommand(lsCmd)
	cmd.AddCommand(cleanCmd)

	return cmd
}

type cacheEntryOutput struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	Kind    string    `json:"kind"`
}

func entryKind(e storage.Entry) string {
	switch {
	case e.Partial:
		return "partial"
	case e.Export:
		return "export"
	default:
		return "untrimmed"
	}
}

func ExecuteCacheList(opts *CacheOptions) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}

	if opts.OutputFormat == "json" {
		out := make([]cacheEntryOutput, 0, len(entries))
		for _, e := range entries {
			out = append(out, cacheEntryOutput{Path: e.Path, Size: e.Size, ModTime: e.ModTime, Kind: entryKind(e)})
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal cache entries: %v", err)
		}
		fmt.Println(string(b))
		return nil
	}

	if len(entries) == 0 {
		fmt.Printf("No recordings in %s\n", store.Dir())
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(entries))
	var total int64
	for _, e := range entries {
		kind := entryKind(e)
		if e.Export {
			kind = color.GreenString(kind)
		}
		rows = append(rows, map[string]interface{}{
			"name":     filepath.Base(e.Path),
			"kind":     kind,
			"size":     formatSize(e.Size),
			"modified": e.ModTime.Local().Format("2006-01-02 15:04:05"),
		})
		total += e.Size
	}
	util.RenderTable(os.Stdout, []util.TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "KIND", Key: "kind"},
		{Header: "SIZE", Key: "size"},
		{Header: "MODIFIED", Key: "modified"},
	}, rows)
	color.New(color.Faint).Printf("%d file(s), %s in %s\n", len(entries), formatSize(total), store.Dir())
	return nil
}

func ExecuteCacheClean(opts *CacheOptions) error {
	if !opts.Force {
		fmt.Println("Cache clean requires --force flag to proceed.")
		if opts.All {
			fmt.Println("This will remove all cached recordings including trimmed exports.")
		} else {
			fmt.Println("This will remove untrimmed and partial recordings.")
		}
		fmt.Println("Use: gclip cache clean --force")
		return nil
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	removed, err := store.Clean(storage.CleanOptions{
		IncludeExports: opts.All,
		OlderThan:      opts.OlderThan,
	})
	if len(removed) > 0 {
		fmt.Println("Removed:")
		for _, p := range removed {
			fmt.Printf("  - %s\n", p)
		}
	} else {
		fmt.Println("No cached recordings to clean.")
	}
	if err != nil {
		return fmt.Errorf("cache clean completed with errors: %v", err)
	}
	return nil
}
