// Package wheel writes the distributable archives of an extension package: binary
// wheels (.whl) and source distributions (.tar.gz).
package wheel

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const metadataVersion = "2.1"

// Metadata is the core metadata written to METADATA and PKG-INFO.
type Metadata struct {
	Name           string
	Version        string
	Summary        string
	Authors        []string
	Classifiers    []string
	RequiresDist   []string
	RequiresPython string
}

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// NormalizeName turns a project name into the form used in archive filenames:
// lowercase with every run of "-", "_" and "." collapsed to one underscore.
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(name), "_")
}

// distName is the "<name>-<version>" stem shared by archive and dist-info names.
func (m Metadata) distName() string {
	version := strings.ReplaceAll(m.Version, "-", "_")
	return NormalizeName(m.Name) + "-" + version
}

// WriteTo writes the metadata in its RFC 822 style form.
func (m Metadata) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	field := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\n", key, value)
		}
	}

	field("Metadata-Version", metadataVersion)
	field("Name", m.Name)
	field("Version", m.Version)
	field("Summary", m.Summary)
	field("Author", strings.Join(m.Authors, ", "))
	for _, c := range m.Classifiers {
		field("Classifier", c)
	}
	field("Requires-Python", m.RequiresPython)
	for _, r := range m.RequiresDist {
		field("Requires-Dist", r)
	}

	return buf.WriteTo(w)
}

func (m Metadata) bytes() []byte {
	var buf bytes.Buffer
	m.WriteTo(&buf)
	return buf.Bytes()
}
