package wheel

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/pgzip"
)

var testMetadata = Metadata{
	Name:    "indigo_astronomy",
	Version: "0.0.0",
	Classifiers: []string{
		"Programming Language :: Python :: 3",
		"Operating System :: POSIX :: Linux",
	},
	RequiresDist: []string{"numpy>=1.20"},
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"indigo_astronomy": "indigo_astronomy",
		"Indigo-Astronomy": "indigo_astronomy",
		"a.b--c__d":        "a_b_c_d",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMetadata(t *testing.T) {
	var buf bytes.Buffer
	if _, err := testMetadata.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	want := `Metadata-Version: 2.1
Name: indigo_astronomy
Version: 0.0.0
Classifier: Programming Language :: Python :: 3
Classifier: Operating System :: POSIX :: Linux
Requires-Dist: numpy>=1.20
`
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	contents := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		contents[f.Name] = data
	}
	return contents
}

func TestWheelWrite(t *testing.T) {
	dir := t.TempDir()
	module := filepath.Join(dir, "__indigo.cpython-311-x86_64-linux-gnu.so")
	if err := os.WriteFile(module, []byte("\x7fELF not really"), 0o755); err != nil {
		t.Fatal(err)
	}

	w := &Wheel{
		Metadata: testMetadata,
		Tag:      "cp311-cp311-linux_x86_64",
		Files: []File{
			{Name: "indigo_astronomy/__init__.py", Data: []byte("from .__indigo import *\n")},
			{Name: "indigo_astronomy/__indigo.cpython-311-x86_64-linux-gnu.so", Source: module},
			{Name: "indigo_astronomy/data/drivers,v1.txt", Data: []byte("ccd\n")},
			{Name: `indigo_astronomy/data/"quoted".txt`, Data: []byte("mount\n")},
		},
	}

	out, err := w.Write(filepath.Join(dir, "dist"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := filepath.Base(out), "indigo_astronomy-0.0.0-cp311-cp311-linux_x86_64.whl"; got != want {
		t.Errorf("wheel filename = %q, want %q", got, want)
	}

	contents := readZip(t, out)
	wheelFile := string(contents["indigo_astronomy-0.0.0.dist-info/WHEEL"])
	if !strings.Contains(wheelFile, "Tag: cp311-cp311-linux_x86_64\n") {
		t.Errorf("WHEEL lacks tag:\n%s", wheelFile)
	}
	if !strings.Contains(wheelFile, "Root-Is-Purelib: false\n") {
		t.Errorf("WHEEL marks a binary wheel as purelib:\n%s", wheelFile)
	}

	record := string(contents["indigo_astronomy-0.0.0.dist-info/RECORD"])
	rows, err := csv.NewReader(strings.NewReader(record)).ReadAll()
	if err != nil {
		t.Fatalf("RECORD is not valid CSV: %v\n%s", err, record)
	}
	if len(rows) != len(contents) {
		t.Fatalf("RECORD has %d rows for %d archive members:\n%s", len(rows), len(contents), record)
	}
	for _, fields := range rows {
		if len(fields) != 3 {
			t.Fatalf("malformed RECORD row %q", fields)
		}
		name, hash, size := fields[0], fields[1], fields[2]
		data, ok := contents[name]
		if !ok {
			t.Errorf("RECORD lists %s, which is not in the archive", name)
			continue
		}
		if strings.HasSuffix(name, "/RECORD") {
			if hash != "" || size != "" {
				t.Errorf("RECORD entry for itself should be empty, got %q", fields)
			}
			continue
		}
		sum := sha256.Sum256(data)
		if want := recordHash(sum[:]); hash != want {
			t.Errorf("%s: hash %s, want %s", name, hash, want)
		}
		if want := strconv.Itoa(len(data)); size != want {
			t.Errorf("%s: size %s, want %s", name, size, want)
		}
	}
}

func TestWheelProgress(t *testing.T) {
	var progress bytes.Buffer
	w := &Wheel{
		Metadata: testMetadata,
		Tag:      "py3-none-any",
		Files:    []File{{Name: "indigo_astronomy/__init__.py", Data: []byte("\n")}},
		Progress: &progress,
	}
	if _, err := w.Write(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(progress.String(), w.Filename()) {
		t.Errorf("progress output %q does not name the wheel", progress.String())
	}
}

func TestWheelRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "../escape.py", "/abs.py", `win\path.py`} {
		w := &Wheel{
			Metadata: testMetadata,
			Tag:      "py3-none-any",
			Files:    []File{{Name: name, Data: []byte{}}},
		}
		if _, err := w.Write(t.TempDir()); !errors.Is(err, errBadArchivePath) {
			t.Errorf("name %q: got %v, want errBadArchivePath", name, err)
		}
	}
}

func TestWheelRequiresTag(t *testing.T) {
	w := &Wheel{Metadata: testMetadata}
	if _, err := w.Write(t.TempDir()); err == nil {
		t.Error("expected an error for an empty tag")
	}
}

func TestSdistWrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "module.cpp")
	if err := os.WriteFile(src, []byte("int x;\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &Sdist{
		Metadata: testMetadata,
		Files: []File{
			{Name: "PyExt.toml", Data: []byte("[package]\nname = \"indigo_astronomy\"\n")},
			{Name: "src/module.cpp", Source: src},
		},
	}
	out, err := s.Write(filepath.Join(dir, "dist"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := filepath.Base(out), "indigo_astronomy-0.0.0.tar.gz"; got != want {
		t.Errorf("sdist filename = %q, want %q", got, want)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		contents[hdr.Name] = string(data)
	}

	want := map[string]string{
		"indigo_astronomy-0.0.0/PKG-INFO":       string(testMetadata.bytes()),
		"indigo_astronomy-0.0.0/PyExt.toml":     "[package]\nname = \"indigo_astronomy\"\n",
		"indigo_astronomy-0.0.0/src/module.cpp": "int x;\n",
	}
	if diff := cmp.Diff(want, contents); diff != "" {
		t.Errorf("sdist contents mismatch (-want +got):\n%s", diff)
	}
}
