package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

// ScanSources lists the files directly inside dir whose extension matches ext,
// ignoring case. Subdirectories are not descended into. The result is sorted
// bytewise, so "C.CPP" comes before "a.cpp". Symbolic links count when they
// resolve to a regular file. A missing dir yields no sources and
// no error; callers decide whether an empty set is acceptable.
func ScanSources(fsys fs.FS, dir, ext string) ([]string, error) {
	dir = path.Clean(dir)
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() || !MatchesExtension(entry.Name(), ext) {
			continue
		}
		name := path.Join(dir, entry.Name())
		if entry.Type()&fs.ModeSymlink != 0 {
			// follow links; dangling ones and links to directories are no sources
			info, err := fs.Stat(fsys, name)
			if err != nil || info.IsDir() {
				continue
			}
		}
		sources = append(sources, name)
	}
	slices.Sort(sources)
	return sources, nil
}

// MatchesExtension reports whether filename ends with any of extensions, ignoring case.
// Extensions may be given with or without the leading dot.
func MatchesExtension(filename string, extensions ...string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range extensions {
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
