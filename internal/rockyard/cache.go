package rockyard

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Cache locates the on-disk caches: release archives and default git
// clones below Downloads, built trees below Builds. Nothing in them is
// invalidated automatically.
type Cache struct {
	Downloads string
	Builds    string
}

// CacheEntry is one cached archive, clone or built tree.
type CacheEntry struct {
	Kind string // archive, git or build
	Path string
	Size int64
}

func (c Cache) ArchivePath(file string) string {
	return filepath.Join(c.Downloads, file)
}

func (c Cache) GitDir(kind ProgramKind) string {
	return filepath.Join(c.Downloads, "git", kind.Name())
}

func (c Cache) BuildPath(fingerprint string) string {
	return filepath.Join(c.Builds, fingerprint+".tar.zst")
}

func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Entries lists everything cached, archives first.
func (c Cache) Entries() ([]CacheEntry, error) {
	var entries []CacheEntry
	if c.Downloads != "" {
		files, err := os.ReadDir(c.Downloads)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".part") {
				continue
			}
			if _, ok := defaultChecksums.forFile(f.Name()); !ok {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			entries = append(entries, CacheEntry{Kind: "archive", Path: filepath.Join(c.Downloads, f.Name()), Size: info.Size()})
		}
		repos, err := os.ReadDir(filepath.Join(c.Downloads, "git"))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, r := range repos {
			if r.IsDir() {
				p := filepath.Join(c.Downloads, "git", r.Name())
				entries = append(entries, CacheEntry{Kind: "git", Path: p, Size: dirSize(p)})
			}
		}
	}
	if c.Builds != "" {
		matches, err := filepath.Glob(filepath.Join(c.Builds, "*.tar.zst"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil {
				entries = append(entries, CacheEntry{Kind: "build", Path: m, Size: info.Size()})
			}
		}
	}
	return entries, nil
}

// Clean removes the entries of the given kinds, or all of them when none
// are given, and returns how many were removed.
func (c Cache) Clean(kinds ...string) (int, error) {
	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if len(want) > 0 && !want[e.Kind] {
			continue
		}
		if err := os.RemoveAll(e.Path); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Path, err)
		}
		removed++
	}
	return removed, nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
