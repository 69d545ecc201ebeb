package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// Extension is the container extension of every recording.
	Extension = ".mp4"
	// ExportSuffix marks trimmed exports.
	ExportSuffix = "-export"
	// PartialSuffix marks exports still being written.
	PartialSuffix = ".part"

	prefixLayout = "2006-01-02-15-04-05.000"
)

// Store hands out paths for recordings inside one cache directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the cache directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// Prefix returns the sortable name prefix for a recording started at t.
func Prefix(t time.Time) string {
	return strings.ReplaceAll(t.UTC().Format(prefixLayout), ".", "-")
}

// NewRecordingPath returns an unused intermediate recording path. The file
// is not created; callers open it exclusively.
func (s *Store) NewRecordingPath() string {
	base := Prefix(s.now())
	path := filepath.Join(s.dir, base+Extension)
	for i := 1; fileExists(path) || fileExists(ExportPath(path)); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, i, Extension))
	}
	return path
}

// ExportPath derives the trimmed output path from an intermediate recording.
func ExportPath(source string) string {
	return strings.TrimSuffix(source, Extension) + ExportSuffix + Extension
}

// IsExport reports whether path names a trimmed export.
func IsExport(path string) bool {
	return strings.HasSuffix(path, ExportSuffix+Extension)
}

// Entry is one file in the cache directory.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Export  bool
	Partial bool
}

// List returns recordings in the cache, oldest first.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		partial := strings.HasSuffix(name, Extension+PartialSuffix)
		if !partial && !strings.HasSuffix(name, Extension) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.dir, name)
		entries = append(entries, Entry{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Export:  !partial && IsExport(path),
			Partial: partial,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// CleanOptions selects which cached files Clean removes.
type CleanOptions struct {
	IncludeExports bool          // also remove trimmed exports
	OlderThan      time.Duration // zero removes regardless of age
}

// Clean removes cached recordings and returns the removed paths.
func (s *Store) Clean(opts CleanOptions) ([]string, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	var errs []string
	cutoff := s.now().Add(-opts.OlderThan)
	for _, e := range entries {
		if e.Export && !opts.IncludeExports {
			continue
		}
		if opts.OlderThan > 0 && e.ModTime.After(cutoff) {
			continue
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err.Error())
			continue
		}
		removed = append(removed, e.Path)
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to remove %d file(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return removed, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
