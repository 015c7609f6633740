// Package batch expands file and directory arguments into image paths and
// classifies them on a bounded worker pool.
package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExts are the extensions picked up from directories when no include
// pattern is given.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// DiscoverOptions controls directory expansion.
type DiscoverOptions struct {
	Recursive bool
	Include   []string // glob patterns matched against the base name
	Exclude   []string
}

// Discover returns the image files named by args. Files are kept as given;
// directories are expanded in lexical order.
func Discover(args []string, opts DiscoverOptions) ([]string, error) {
	var files []string

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", arg, err)
		}

		if info.IsDir() {
			found, err := discoverInDirectory(arg, opts)
			if err != nil {
				return nil, err
			}
			files = append(files, found...)
		} else if !matchesAnyPattern(arg, opts.Exclude) {
			files = append(files, arg)
		}
	}

	return files, nil
}

func discoverInDirectory(dir string, opts DiscoverOptions) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !opts.Recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if shouldInclude(path, opts) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// shouldInclude applies exclude patterns first, then include patterns, then
// falls back to the known image extensions.
func shouldInclude(path string, opts DiscoverOptions) bool {
	if matchesAnyPattern(path, opts.Exclude) {
		return false
	}
	if len(opts.Include) > 0 {
		return matchesAnyPattern(path, opts.Include)
	}
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

func matchesAnyPattern(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
