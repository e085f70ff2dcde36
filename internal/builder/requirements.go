package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/tail-feather/indigo-pyext/internal/msg"
)

// ParseRequirements reads one requirement specifier per line. Blank lines and
// comments are dropped; pip options such as "-r other.txt" cannot be expressed as
// package metadata and are skipped with a warning.
func ParseRequirements(r io.Reader) ([]string, error) {
	reqs := []string{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "-"):
			msg.Warn("ignoring pip option in requirements: %s", line)
			continue
		}
		reqs = append(reqs, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// ReadRequirements parses the sidecar requirements file. A missing file means no requirements.
func ReadRequirements(fsys fs.FS, name string) ([]string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	reqs, err := ParseRequirements(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return reqs, nil
}
