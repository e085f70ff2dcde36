// Package cache remembers where interop toolkits were fetched to, so later builds
// reuse a checkout instead of cloning again.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/renameio"
)

const IndexFilename = "pyext_cache.json"

type Index struct {
	// on windows: %LocalAppData%/pyext
	// on linux: ~/.cache/pyext
	basePath string
	// toolkit source spec -> checkout directory
	Entries map[string]string
}

// Dir returns the per-user cache directory.
func Dir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "pyext"), nil
}

func Parse(rdr io.Reader, basePath string) (*Index, error) {
	entries := make(map[string]string)
	if err := json.NewDecoder(rdr).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", IndexFilename, err)
	}
	return &Index{Entries: entries, basePath: basePath}, nil
}

// Load reads the index in basePath. A missing index is empty.
func Load(basePath string) (*Index, error) {
	f, err := os.Open(filepath.Join(basePath, IndexFilename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Index{Entries: make(map[string]string), basePath: basePath}, nil
		}
		return nil, err
	}
	defer f.Close()
	return Parse(f, basePath)
}

// LoadDefault loads the index from Dir.
func LoadDefault() (*Index, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return Load(dir)
}

func (idx *Index) BasePath() string { return idx.basePath }

func (idx *Index) Save() error {
	if err := os.MkdirAll(idx.basePath, 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(idx.Entries); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(idx.basePath, IndexFilename), buf.Bytes(), 0o644)
}

// CheckoutDir is where a toolkit from source gets cloned to.
func (idx *Index) CheckoutDir(toolkit, source string) string {
	sum := sha256.Sum256([]byte(source))
	return filepath.Join(idx.basePath, "toolkits", toolkit+"-"+hex.EncodeToString(sum[:6]))
}

func (idx *Index) Set(source, dir string) {
	if idx.Entries == nil {
		idx.Entries = make(map[string]string)
	}
	idx.Entries[source] = dir
}

// Get returns the checkout for source if it is recorded and still on disk.
func (idx *Index) Get(source string) (string, bool) {
	dir, ok := idx.Entries[source]
	if !ok {
		return "", false
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		return "", false
	}
	return dir, true
}

func (idx *Index) Has(source string) bool {
	_, exists := idx.Entries[source]
	return exists
}

// Remove forgets source and deletes its checkout if it lives inside the cache.
func (idx *Index) Remove(source string) (bool, error) {
	dir, ok := idx.Entries[source]
	if !ok {
		return false, nil
	}
	delete(idx.Entries, source)
	return true, idx.removeCheckout(dir)
}

// Clear forgets every entry and deletes the checkouts.
func (idx *Index) Clear() error {
	var errs []error
	for _, source := range idx.Sources() {
		if _, err := idx.Remove(source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (idx *Index) removeCheckout(dir string) error {
	rel, err := filepath.Rel(idx.basePath, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil // not ours to delete
	}
	return os.RemoveAll(dir)
}

// Sources returns the recorded sources in sorted order.
func (idx *Index) Sources() []string {
	return slices.Sorted(maps.Keys(idx.Entries))
}
