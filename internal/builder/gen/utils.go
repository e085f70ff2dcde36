package gen

import (
	"path/filepath"
	"strings"

	"github.com/tail-feather/indigo-pyext/internal/msg"
)

func write(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
}

func writeln(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
	sb.WriteByte('\n')
}

// sourceFile represents a single source file and its corresponding object file path
type sourceFile struct {
	src   string
	obj   string
	isCxx bool
}

// objectFiles maps each source to an object path under objects/<target>.dir.
func objectFiles(t Target) []sourceFile {
	files := make([]sourceFile, 0, len(t.Sources))
	for _, srcPath := range t.Sources {
		rel, err := filepath.Rel(t.Basedir, srcPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			rel = filepath.Base(srcPath)
			msg.Warn("source file %s is outside of base directory %s", srcPath, t.Basedir)
		}
		files = append(files, sourceFile{
			src:   srcPath,
			obj:   filepath.Join("objects", t.Name+".dir", rel+".o"),
			isCxx: isCxx(srcPath),
		})
	}
	return files
}

func isCxx(file string) bool {
	switch filepath.Ext(file) {
	case ".cpp", ".cc", ".cxx", ".c++", ".C", ".CPP", ".CC", ".CXX":
		return true
	}
	return false
}
