package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tail-feather/indigo-pyext/internal/cache"
	"github.com/tail-feather/indigo-pyext/internal/msg"
	"github.com/tail-feather/indigo-pyext/internal/python"
)

// ErrInteropNotFound is wrapped by every error caused by missing interop toolkit headers.
var ErrInteropNotFound = errors.New("interop toolkit not found")

// InteropOrigin says where toolkit headers were found.
type InteropOrigin string

const (
	OriginConfig  InteropOrigin = "config"
	OriginPython  InteropOrigin = "python"
	OriginCache   InteropOrigin = "cache"
	OriginFetched InteropOrigin = "fetched"
)

// InteropLookup is the outcome of looking for the interop toolkit headers.
// Path is only meaningful when Found is true.
type InteropLookup struct {
	Toolkit  string        `json:"toolkit" toml:"toolkit"`
	Found    bool          `json:"found" toml:"found"`
	Path     string        `json:"path,omitempty" toml:"path,omitempty"`
	Origin   InteropOrigin `json:"origin,omitempty" toml:"origin,omitempty"`
	Searched []string      `json:"searched,omitempty" toml:"searched,omitempty"`
}

func FoundAt(toolkit, path string, origin InteropOrigin) InteropLookup {
	return InteropLookup{Toolkit: toolkit, Found: true, Path: path, Origin: origin}
}

func NotFound(toolkit string, searched ...string) InteropLookup {
	return InteropLookup{Toolkit: toolkit, Searched: searched}
}

// Err is nil for a found toolkit and a diagnostic wrapping ErrInteropNotFound otherwise.
func (l InteropLookup) Err() error {
	if l.Found {
		return nil
	}
	searched := "nowhere"
	if len(l.Searched) > 0 {
		searched = strings.Join(l.Searched, "; ")
	}
	return fmt.Errorf("%w: %s headers (searched: %s); install %s for the selected interpreter, "+
		"set interop.include to its include directory, or set interop.policy = %q",
		ErrInteropNotFound, l.Toolkit, searched, l.Toolkit, PolicyFetch)
}

func isDir(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}

func absFrom(basedir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(basedir, path)
}

// LocateInterop looks for the toolkit headers, in order: interop.include, the
// interpreter's importable toolkit module, a previously fetched checkout. It does
// not fetch anything.
func LocateInterop(cfg *Config, basedir string, info *python.Info, idx *cache.Index) InteropLookup {
	toolkit := cfg.Interop.Toolkit
	var searched []string

	if cfg.Interop.Include != "" {
		include := absFrom(basedir, cfg.Interop.Include)
		if isDir(include) {
			return FoundAt(toolkit, include, OriginConfig)
		}
		searched = append(searched, "interop.include "+include)
	}

	if info != nil {
		if info.ToolkitInclude != "" && isDir(info.ToolkitInclude) {
			return FoundAt(toolkit, info.ToolkitInclude, OriginPython)
		}
		searched = append(searched, fmt.Sprintf("%s.get_include() in %s", toolkit, info.Executable))
	} else {
		searched = append(searched, "python interpreter (probe failed)")
	}

	if idx != nil && cfg.Interop.Source != "" {
		if src, err := parseToolkitSource(cfg.Interop.Source, basedir); err == nil {
			if dir, ok := idx.Get(src.key); ok {
				include := filepath.Join(dir, "include")
				if isDir(include) {
					return FoundAt(toolkit, include, OriginCache)
				}
			}
		}
		searched = append(searched, "cache entry for "+cfg.Interop.Source)
	}

	return NotFound(toolkit, searched...)
}

// ResolveInterop applies interop.policy to a lookup. With the fetch policy a
// missing toolkit is cloned from interop.source into the cache.
func ResolveInterop(cfg *Config, basedir string, lookup InteropLookup, idx *cache.Index) (InteropLookup, error) {
	if lookup.Found {
		return lookup, nil
	}

	switch cfg.Interop.Policy {
	case PolicyPath:
		if cfg.Interop.Include == "" {
			return lookup, fmt.Errorf("%w: interop.policy = %q needs interop.include", ErrInteropNotFound, PolicyPath)
		}
		return lookup, fmt.Errorf("%w: interop.include %s is not a directory",
			ErrInteropNotFound, absFrom(basedir, cfg.Interop.Include))
	case PolicyFetch:
		if cfg.Interop.Source == "" {
			return lookup, fmt.Errorf("%w: interop.policy = %q needs interop.source", ErrInteropNotFound, PolicyFetch)
		}
		if idx == nil {
			return lookup, fmt.Errorf("%w: no cache to fetch %s into", ErrInteropNotFound, cfg.Interop.Source)
		}
		src, err := parseToolkitSource(cfg.Interop.Source, basedir)
		if err != nil {
			return lookup, fmt.Errorf("fetch %s: %w", cfg.Interop.Toolkit, err)
		}
		dir := idx.CheckoutDir(cfg.Interop.Toolkit, src.key)
		fetched := dir
		if src.kind != sourceGit || !isDir(filepath.Join(dir, ".git")) {
			if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
				return lookup, err
			}
			msg.Step("Fetching", "%s from %s", cfg.Interop.Toolkit, src.location)
			if fetched, err = src.fetch(dir); err != nil {
				os.RemoveAll(dir)
				return lookup, fmt.Errorf("fetch %s: %w", cfg.Interop.Toolkit, err)
			}
		}
		include := filepath.Join(fetched, "include")
		if !isDir(include) {
			return lookup, fmt.Errorf("%w: %s has no include directory", ErrInteropNotFound, fetched)
		}
		idx.Set(src.key, fetched)
		if err := idx.Save(); err != nil {
			msg.Warn("failed to save toolkit cache: %v", err)
		}
		return FoundAt(cfg.Interop.Toolkit, include, OriginFetched), nil
	default:
		return lookup, lookup.Err()
	}
}
