package wheel

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/klauspost/compress/flate"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

const generator = "pyext"

var errBadArchivePath = errors.New("archive paths must be relative and slash separated")

// File is one archive member. Its content comes from Data when set, otherwise
// from the file at Source.
type File struct {
	// Name is the path inside the archive, slash separated.
	Name   string
	Source string
	Data   []byte
}

func (f File) open() (io.ReadCloser, int64, error) {
	if f.Data != nil {
		return io.NopCloser(bytes.NewReader(f.Data)), int64(len(f.Data)), nil
	}
	file, err := os.Open(f.Source)
	if err != nil {
		return nil, 0, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, stat.Size(), nil
}

func (f File) size() int64 {
	if f.Data != nil {
		return int64(len(f.Data))
	}
	if stat, err := os.Stat(f.Source); err == nil {
		return stat.Size()
	}
	return 0
}

func checkNames(files []File) error {
	for _, f := range files {
		if f.Name == "" || strings.Contains(f.Name, `\`) || !filepath.IsLocal(f.Name) {
			return fmt.Errorf("%w: %q", errBadArchivePath, f.Name)
		}
	}
	return nil
}

func totalSize(files []File) int64 {
	var total int64
	for _, f := range files {
		total += f.size()
	}
	return total
}

// Wheel is a binary distribution of one package built for one interpreter.
type Wheel struct {
	Metadata Metadata
	// Tag is the compatibility tag, e.g. "cp311-cp311-linux_x86_64".
	Tag   string
	Files []File
	// Progress receives a progress bar while the archive is written, nil for none.
	Progress io.Writer
}

// Filename is the PEP 427 filename of the wheel.
func (w *Wheel) Filename() string {
	return w.Metadata.distName() + "-" + w.Tag + ".whl"
}

func (w *Wheel) distInfo() string {
	return w.Metadata.distName() + ".dist-info"
}

func (w *Wheel) wheelFile() []byte {
	return fmt.Appendf(nil, "Wheel-Version: 1.0\nGenerator: %s\nRoot-Is-Purelib: false\nTag: %s\n", generator, w.Tag)
}

// recordHash is the RECORD form of a digest: sha256, urlsafe base64 without padding.
func recordHash(sum []byte) string {
	return "sha256=" + base64.RawURLEncoding.EncodeToString(sum)
}

// Write creates the wheel in dir, replacing any wheel of the same name, and
// returns its path.
func (w *Wheel) Write(dir string) (string, error) {
	if w.Tag == "" {
		return "", errors.New("wheel tag is empty")
	}
	if err := checkNames(w.Files); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	out := filepath.Join(dir, w.Filename())
	pf, err := renameio.TempFile(dir, out)
	if err != nil {
		return "", err
	}
	defer pf.Cleanup()

	distInfo := w.distInfo()
	files := append([]File{}, w.Files...)
	files = append(files,
		File{Name: path.Join(distInfo, "METADATA"), Data: w.Metadata.bytes()},
		File{Name: path.Join(distInfo, "WHEEL"), Data: w.wheelFile()},
	)

	var progress io.Writer = io.Discard
	var bar *msg.ProgressBar
	if w.Progress != nil {
		bar = msg.NewProgressBar(w.Filename(), totalSize(files), 4, w.Progress)
		progress = bar
	}

	zw := zip.NewWriter(pf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	// names may hold commas or quotes, so RECORD is proper CSV
	var record bytes.Buffer
	rw := csv.NewWriter(&record)
	for _, f := range files {
		hash, size, err := addZipFile(zw, f, progress)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.Name, err)
		}
		rw.Write([]string{f.Name, hash, strconv.FormatInt(size, 10)})
	}
	recordName := path.Join(distInfo, "RECORD")
	rw.Write([]string{recordName, "", ""})
	rw.Flush()
	if err := rw.Error(); err != nil {
		return "", fmt.Errorf("RECORD: %w", err)
	}
	if _, _, err := addZipFile(zw, File{Name: recordName, Data: record.Bytes()}, io.Discard); err != nil {
		return "", err
	}

	if err := zw.Close(); err != nil {
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

func addZipFile(zw *zip.Writer, f File, progress io.Writer) (string, int64, error) {
	rc, _, err := f.open()
	if err != nil {
		return "", 0, err
	}
	defer rc.Close()

	mode := os.FileMode(0o644)
	if strings.HasSuffix(f.Name, ".so") || strings.HasSuffix(f.Name, ".pyd") {
		mode = 0o755
	}
	hdr := &zip.FileHeader{
		Name:     f.Name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	hdr.SetMode(mode)

	fw, err := zw.CreateHeader(hdr)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.New()
	n, err := io.Copy(io.MultiWriter(fw, sum, progress), rc)
	if err != nil {
		return "", 0, err
	}
	return recordHash(sum.Sum(nil)), n, nil
}
