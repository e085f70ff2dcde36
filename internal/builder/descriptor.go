package builder

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrNoSources is wrapped when the source directory holds no matching files.
var ErrNoSources = errors.New("no extension sources found")

// Descriptor is everything needed to compile, link and package the extension.
// It is built once by NewDescriptor and not modified afterwards.
type Descriptor struct {
	Name             string            `json:"name" toml:"name"`
	Platform         string            `json:"platform" toml:"platform"`
	IncludeDirs      []string          `json:"include_dirs" toml:"include-dirs"`
	Libraries        []string          `json:"libraries" toml:"libraries"`
	LibraryDirs      []string          `json:"library_dirs" toml:"library-dirs"`
	Sources          []string          `json:"sources" toml:"sources"`
	ExtraCompileArgs []string          `json:"extra_compile_args" toml:"extra-compile-args"`
	ExtraLinkArgs    []string          `json:"extra_link_args" toml:"extra-link-args"`
	Defines          map[string]string `json:"defines,omitempty" toml:"defines,omitempty"`
	Interop          InteropLookup     `json:"interop" toml:"interop"`
	Package          PackageMetadata   `json:"package" toml:"package"`
}

// PackageMetadata is the installable package around the extension.
type PackageMetadata struct {
	Name            string   `json:"name" toml:"name"`
	Version         string   `json:"version" toml:"version"`
	Description     string   `json:"description,omitempty" toml:"description,omitempty"`
	Authors         []string `json:"authors,omitempty" toml:"authors,omitempty"`
	Packages        []string `json:"packages" toml:"packages"`
	Classifiers     []string `json:"classifiers" toml:"classifiers"`
	InstallRequires []string `json:"install_requires" toml:"install-requires"`
}

// Inputs are the environment-dependent facts a descriptor is assembled from.
type Inputs struct {
	// Platform is the host platform identifier, e.g. "linux" or "darwin".
	Platform string
	// Sources is the scan result, relative to the project directory.
	Sources []string
	// Requirements is the parsed sidecar, nil or empty when there is none.
	Requirements []string
	// Interop is the resolved toolkit lookup.
	Interop InteropLookup
	// PythonInclude is the interpreter header directory, empty if unknown.
	PythonInclude string
}

// sharedLinkArgs are the flags that make the linker produce a loadable module.
func sharedLinkArgs(platform string) []string {
	switch platform {
	case "darwin":
		return []string{"-bundle", "-undefined", "dynamic_lookup"}
	default:
		return []string{"-shared"}
	}
}

// NewDescriptor assembles the build descriptor. cfg must already be evaluated for
// in.Platform. It does no I/O.
func NewDescriptor(cfg *Config, in Inputs) (*Descriptor, error) {
	if len(in.Sources) == 0 {
		return nil, fmt.Errorf("%w in %s (extension %q, *%s)",
			ErrNoSources, cfg.Extension.SourceDir, cfg.Extension.Name, cfg.Extension.SourceExt)
	}
	if err := in.Interop.Err(); err != nil {
		return nil, err
	}
	if in.Interop.Path == "" {
		return nil, fmt.Errorf("%w: %s lookup reported found without a path", ErrInteropNotFound, in.Interop.Toolkit)
	}

	ext := cfg.Extension
	includeDirs := nonEmpty(ext.IncludeDirs)
	includeDirs = append(includeDirs, in.Interop.Path)
	if in.PythonInclude != "" {
		includeDirs = append(includeDirs, in.PythonInclude)
	}

	linkArgs := sharedLinkArgs(in.Platform)
	linkArgs = append(linkArgs, ext.ExtraLinkArgs...)

	requires := slices.Clone(in.Requirements)
	if requires == nil {
		requires = []string{}
	}

	d := &Descriptor{
		Name:             cfg.Package.Name + "." + ext.Name,
		Platform:         in.Platform,
		IncludeDirs:      includeDirs,
		Libraries:        nonEmpty(ext.Libraries),
		LibraryDirs:      nonEmpty(ext.LibraryDirs),
		Sources:          slices.Clone(in.Sources),
		ExtraCompileArgs: slices.Clone(ext.ExtraCompileArgs),
		ExtraLinkArgs:    linkArgs,
		Defines:          maps.Clone(ext.Defines),
		Interop:          in.Interop,
		Package: PackageMetadata{
			Name:            cfg.Package.Name,
			Version:         cfg.Package.Version,
			Description:     cfg.Package.Description,
			Authors:         slices.Clone(cfg.Package.Authors),
			Packages:        slices.Clone(cfg.Package.Packages),
			Classifiers:     slices.Clone(cfg.Package.Classifiers),
			InstallRequires: requires,
		},
	}
	return d, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// ModulePath is the extension's path inside the package tree without suffix,
// e.g. "indigo_astronomy/__indigo".
func (d *Descriptor) ModulePath() string {
	return strings.ReplaceAll(d.Name, ".", "/")
}

// ModuleBase is the last component of the qualified name, e.g. "__indigo".
func (d *Descriptor) ModuleBase() string {
	return d.Name[strings.LastIndex(d.Name, ".")+1:]
}

// Defines as -D flags in a stable order.
func (d *Descriptor) defineFlags() []string {
	var flags []string
	for _, define := range slices.Sorted(maps.Keys(d.Defines)) {
		if v := d.Defines[define]; v != "" {
			flags = append(flags, "-D"+define+"="+v)
		} else {
			flags = append(flags, "-D"+define)
		}
	}
	return flags
}
