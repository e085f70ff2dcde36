package builder

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/tail-feather/indigo-pyext/internal/msg"
	"github.com/tail-feather/indigo-pyext/internal/wheel"
)

func (b *Builder) distDir() string { return filepath.Join(b.basedir, "dist") }

func (m PackageMetadata) wheelMetadata() wheel.Metadata {
	return wheel.Metadata{
		Name:         m.Name,
		Version:      m.Version,
		Summary:      m.Description,
		Authors:      m.Authors,
		Classifiers:  m.Classifiers,
		RequiresDist: m.InstallRequires,
	}
}

func (b *Builder) archiveFiles(names []string) []wheel.File {
	files := make([]wheel.File, len(names))
	for i, name := range names {
		files[i] = wheel.File{Name: name, Source: filepath.Join(b.basedir, filepath.FromSlash(name))}
	}
	return files
}

// Wheel builds the extension and packages it with the Python packages into a
// wheel under dist/.
func (b *Builder) Wheel(ctx context.Context, profile, generator string) (string, error) {
	art, err := b.Build(ctx, profile, generator)
	if err != nil {
		return "", err
	}

	names, err := b.packageFiles()
	if err != nil {
		return "", err
	}
	files := b.archiveFiles(names)

	module := path.Dir(art.Descriptor.ModulePath()) + "/" + filepath.Base(art.Path)
	files = append(files, wheel.File{Name: module, Source: art.Path})

	w := &wheel.Wheel{
		Metadata: art.Descriptor.Package.wheelMetadata(),
		Tag:      art.Python.WheelTag(),
		Files:    files,
		Progress: msg.Output,
	}
	msg.Step("Packaging", "%s", w.Filename())
	return w.Write(b.distDir())
}

// Sdist writes a source archive under dist/. It needs no compiler or interpreter.
func (b *Builder) Sdist() (string, error) {
	reqs, err := b.requirements()
	if err != nil {
		return "", err
	}
	names, err := b.sdistFiles()
	if err != nil {
		return "", err
	}

	meta := PackageMetadata{
		Name:            b.cfg.Package.Name,
		Version:         b.cfg.Package.Version,
		Description:     b.cfg.Package.Description,
		Authors:         b.cfg.Package.Authors,
		Classifiers:     b.cfg.Package.Classifiers,
		InstallRequires: reqs,
	}
	s := &wheel.Sdist{
		Metadata: meta.wheelMetadata(),
		Files:    b.archiveFiles(names),
		Progress: msg.Output,
	}
	if _, err := os.Stat(filepath.Join(b.basedir, ManifestFilename)); err != nil {
		msg.Warn("no %s, the source archive will rebuild with the built-in manifest", ManifestFilename)
	}
	msg.Step("Packaging", "%s", s.Filename())
	return s.Write(b.distDir())
}
