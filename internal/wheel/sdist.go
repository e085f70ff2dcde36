package wheel

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

// Sdist is a source distribution: the project files under a "<name>-<version>/"
// prefix plus PKG-INFO.
type Sdist struct {
	Metadata Metadata
	Files    []File
	Progress io.Writer
}

func (s *Sdist) Filename() string {
	return s.Metadata.distName() + ".tar.gz"
}

// Write creates the source archive in dir and returns its path.
func (s *Sdist) Write(dir string) (string, error) {
	if err := checkNames(s.Files); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	out := filepath.Join(dir, s.Filename())
	pf, err := renameio.TempFile(dir, out)
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()

	prefix := s.Metadata.distName()
	files := append([]File{{Name: "PKG-INFO", Data: s.Metadata.bytes()}}, s.Files...)

	var progress io.Writer = io.Discard
	var bar *msg.ProgressBar
	if s.Progress != nil {
		bar = msg.NewProgressBar(s.Filename(), totalSize(files), 4, s.Progress)
		progress = bar
	}

	gz, err := pgzip.NewWriterLevel(pf, pgzip.BestCompression)
	if err != nil {
		return "", err
	}
	tw := tar.NewWriter(gz)

	now := time.Now()
	for _, f := range files {
		if err := addTarFile(tw, path.Join(prefix, f.Name), f, now, progress); err != nil {
			return "", fmt.Errorf("%s: %w", f.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	if bar != nil {
		bar.Finish()
	}
	return out, nil
}

func addTarFile(tw *tar.Writer, name string, f File, mtime time.Time, progress io.Writer) error {
	rc, size, err := f.open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if f.Data == nil {
		if stat, err := os.Stat(f.Source); err == nil {
			mtime = stat.ModTime()
		}
	}

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     0o644,
		ModTime:  mtime,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(io.MultiWriter(tw, progress), rc)
	return err
}
