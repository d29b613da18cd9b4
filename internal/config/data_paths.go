package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveDataPaths cleans, de-duplicates and sorts data directory paths.
// Empty and relative entries are dropped; relative paths are rejected earlier by validation.
func ResolveDataPaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || !filepath.IsAbs(p) {
			continue
		}
		p = filepath.Clean(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// EnsureDataPaths creates every data directory that does not exist yet.
// It refuses to touch the filesystem root.
func EnsureDataPaths(paths []string) error {
	for _, p := range ResolveDataPaths(paths) {
		if p == string(filepath.Separator) {
			return fmt.Errorf("refusing to use filesystem root as data path")
		}
		if err := os.MkdirAll(p, 0o750); err != nil {
			return fmt.Errorf("create data path %q: %w", p, err)
		}
	}
	return nil
}
