package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/tail-feather/indigo-pyext/internal/builder/gen"
	"github.com/tail-feather/indigo-pyext/internal/cache"
	"github.com/tail-feather/indigo-pyext/internal/msg"
	"github.com/tail-feather/indigo-pyext/internal/python"
)

const (
	GeneratorNative = "native"
	GeneratorNinja  = "ninja"
)

// Options tune a Builder. The zero value builds for the host with the default interpreter.
type Options struct {
	// Platform overrides the host platform identifier used for conditional sections.
	Platform string
	// Python is the interpreter to probe, empty to search for one.
	Python string
	// Jobs limits parallel compiles, 0 means one per CPU.
	Jobs int
}

type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv
	opts    Options
	cache   *cache.Index
}

// Artifact is a built extension module.
type Artifact struct {
	Path       string
	BuildID    string
	Descriptor *Descriptor
	Python     *python.Info
}

// NewBuilderInDirectory loads the manifest of the project in path. Projects
// without a manifest get DefaultManifest.
func NewBuilderInDirectory(path string, opts Options) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path, opts.Platform)
	manifest := filepath.Join(path, ManifestFilename)

	var cfg *Config
	if _, statErr := os.Stat(manifest); errors.Is(statErr, fs.ErrNotExist) {
		msg.Debug("no %s in %s, using the built-in manifest", ManifestFilename, path)
		cfg, err = ParseConfig(strings.NewReader(DefaultManifest), env)
	} else {
		cfg, err = ParseConfigFromFile(manifest, env)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifest, err)
	}

	return &Builder{cfg: cfg, basedir: path, env: env, opts: opts}, nil
}

func (b *Builder) Config() *Config { return b.cfg }
func (b *Builder) Basedir() string { return b.basedir }

func (b *Builder) buildDir() string { return filepath.Join(b.basedir, "build") }

func (b *Builder) toolkitCache() *cache.Index {
	if b.cache != nil {
		return b.cache
	}
	idx, err := cache.LoadDefault()
	if err != nil {
		msg.Warn("toolkit cache unavailable: %v", err)
		return nil
	}
	b.cache = idx
	return idx
}

// probe asks the interpreter about itself. The error is returned alongside a nil
// info so callers that can do without it may carry on.
func (b *Builder) probe(ctx context.Context) (*python.Info, error) {
	info, err := python.Probe(ctx, b.opts.Python, b.cfg.Interop.Toolkit)
	if err != nil {
		return nil, err
	}
	msg.Debug("python %s at %s, suffix %s", info.Version, info.Executable, info.ExtSuffix)
	return info, nil
}

// sources scans extension.source-dir and returns paths relative to the project.
func (b *Builder) sources() ([]string, error) {
	dir := absFrom(b.basedir, b.cfg.Extension.SourceDir)
	names, err := ScanSources(os.DirFS(dir), ".", b.cfg.Extension.SourceExt)
	if err != nil {
		return nil, err
	}
	sources := make([]string, len(names))
	for i, name := range names {
		sources[i] = filepath.Join(b.cfg.Extension.SourceDir, name)
	}
	return sources, nil
}

func (b *Builder) requirements() ([]string, error) {
	path := absFrom(b.basedir, b.cfg.Package.Requirements)
	return ReadRequirements(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// Describe gathers the inputs and assembles the descriptor. A failing interpreter
// probe is tolerated here: the descriptor then lacks the Python include directory.
func (b *Builder) Describe(ctx context.Context) (*Descriptor, *python.Info, error) {
	info, err := b.probe(ctx)
	if err != nil {
		msg.Warn("%v", err)
	}
	d, err := b.describe(info)
	return d, info, err
}

func (b *Builder) describe(info *python.Info) (*Descriptor, error) {
	sources, err := b.sources()
	if err != nil {
		return nil, err
	}

	reqs, err := b.requirements()
	if err != nil {
		return nil, err
	}

	idx := b.toolkitCache()
	lookup := LocateInterop(b.cfg, b.basedir, info, idx)
	lookup, err = ResolveInterop(b.cfg, b.basedir, lookup, idx)
	if err != nil {
		return nil, err
	}
	msg.Debug("%s headers at %s (%s)", lookup.Toolkit, lookup.Path, lookup.Origin)

	in := Inputs{
		Platform:     b.env.TargetOS,
		Sources:      sources,
		Requirements: reqs,
		Interop:      lookup,
	}
	if info != nil {
		in.PythonInclude = info.Include
	}
	return NewDescriptor(b.cfg, in)
}

func (b *Builder) makeCflags(profile string) ([]string, error) {
	if prof, ok := b.cfg.Profile[profile]; ok {
		var cflags []string
		optLevel := prof.OptLevel.String()
		if optLevel != "" {
			cflags = append(cflags, "-O"+optLevel)
		}
		return cflags, nil
	}
	return nil, fmt.Errorf("unknown profile %q, known profiles: %s", profile, strings.Join(b.cfg.Profiles(), ", "))
}

// compileFlags are the flags every source of the extension is compiled with.
func (b *Builder) compileFlags(d *Descriptor, profileFlags []string) []string {
	cflags := slices.Clone(profileFlags)
	if d.Platform != "windows" {
		cflags = append(cflags, "-fPIC")
	}
	cflags = append(cflags, "-fvisibility=hidden")
	cflags = append(cflags, d.ExtraCompileArgs...)
	cflags = append(cflags, d.defineFlags()...)
	for _, dir := range d.IncludeDirs {
		cflags = append(cflags, "-I"+absFrom(b.basedir, dir))
	}
	return cflags
}

// linkFlags are the flags the module is linked with.
func (b *Builder) linkFlags(d *Descriptor) []string {
	ldflags := slices.Clone(d.ExtraLinkArgs)
	for _, dir := range d.LibraryDirs {
		ldflags = append(ldflags, "-L"+absFrom(b.basedir, dir))
	}
	for _, lib := range d.Libraries {
		ldflags = append(ldflags, "-l"+lib)
	}
	return ldflags
}

var libraryPatterns = []string{"lib%s.so", "lib%s.dylib", "lib%s.a", "%s.lib"}

// linkedFiles finds the files behind -l flags in the library dirs, so the
// module is relinked when one of them changes.
func (b *Builder) linkedFiles(d *Descriptor) []string {
	var files []string
	for _, lib := range d.Libraries {
		for _, dir := range d.LibraryDirs {
			for _, pattern := range libraryPatterns {
				candidate := filepath.Join(absFrom(b.basedir, dir), fmt.Sprintf(pattern, lib))
				if stat, err := os.Stat(candidate); err == nil && !stat.IsDir() {
					files = append(files, candidate)
				}
			}
		}
	}
	return files
}

func createGenerator(generator string, jobs int, buildID string) (gen.Generator, error) {
	switch generator {
	case GeneratorNative, "":
		return gen.NewNativeBuilder(jobs, buildID), nil
	case GeneratorNinja:
		return &gen.NinjaGen{}, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", generator)
	}
}

// Build compiles and links the extension module into the build directory.
func (b *Builder) Build(ctx context.Context, profile, generator string) (*Artifact, error) {
	buildID := uuid.NewString()

	profileFlags, err := b.makeCflags(profile)
	if err != nil {
		return nil, err
	}

	info, err := b.probe(ctx)
	if err != nil {
		return nil, err
	}

	d, err := b.describe(info)
	if err != nil {
		return nil, err
	}

	if err := b.cfg.RunBuildScript(b.env); err != nil {
		return nil, err
	}

	cxx := findCompiler(true)
	if cxx == "" {
		return nil, errNoCompiler
	}
	cc := findCompiler(false)
	if cc == "" {
		cc = cxx
	}

	buildDir := b.buildDir()
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, err
	}

	sources := make([]string, len(d.Sources))
	for i, src := range d.Sources {
		sources[i] = absFrom(b.basedir, src)
	}

	output := d.ModuleBase() + info.ExtSuffix
	g, err := createGenerator(generator, b.opts.Jobs, buildID)
	if err != nil {
		return nil, err
	}
	g.SetCompiler(cc, cxx)
	g.AddTarget(gen.Target{
		Name:    output,
		Basedir: b.basedir,
		Sources: sources,
		Links:   b.linkedFiles(d),
		Cflags:  b.compileFlags(d, profileFlags),
		Ldflags: b.linkFlags(d),
	})

	msg.Step("Building", "%s %s (%s, build %s)", d.Name, d.Package.Version, profile, buildID)
	if out := g.Generate(); out != "" {
		buildFile := filepath.Join(buildDir, g.BuildFile())
		if err := os.WriteFile(buildFile, []byte(out), 0o644); err != nil {
			return nil, err
		}
	}

	if err := g.Invoke(ctx, buildDir); err != nil {
		return nil, err
	}

	return &Artifact{
		Path:       filepath.Join(buildDir, output),
		BuildID:    buildID,
		Descriptor: d,
		Python:     info,
	}, nil
}

// BuildAndImport builds the extension and imports it in the interpreter it was built for.
func (b *Builder) BuildAndImport(ctx context.Context, profile, generator string) (*Artifact, error) {
	art, err := b.Build(ctx, profile, generator)
	if err != nil {
		return nil, err
	}

	script := `import importlib.util, sys
spec = importlib.util.spec_from_file_location(sys.argv[1], sys.argv[2])
mod = importlib.util.module_from_spec(spec)
spec.loader.exec_module(mod)
print(sys.argv[1], "exports", len([n for n in dir(mod) if not n.startswith("_")]), "names")
`
	cmd := exec.CommandContext(ctx, art.Python.Executable, "-c", script, art.Descriptor.Name, art.Path)
	cmd.Stdout = &msg.IndentWriter{Indent: "    ", W: os.Stdout}
	cmd.Stderr = os.Stderr
	msg.Step("Importing", "%s", art.Descriptor.Name)
	if err := cmd.Run(); err != nil {
		return art, fmt.Errorf("import %s: %w", art.Descriptor.Name, err)
	}
	return art, nil
}

// collectFiles globs patterns relative to the project directory and returns
// sorted, de-duplicated relative paths of regular files.
func (b *Builder) collectFiles(patterns []string) ([]string, error) {
	fsys := os.DirFS(b.basedir)
	seen := make(map[string]struct{})
	var files []string

	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pat), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("while globbing %s: %w", pat, err)
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			files = append(files, match)
		}
	}

	slices.Sort(files)
	return files, nil
}

// packageFiles are the pure-Python files of every package in package.packages.
func (b *Builder) packageFiles() ([]string, error) {
	var patterns []string
	for _, pkg := range b.cfg.Package.Packages {
		dir := strings.ReplaceAll(pkg, ".", "/")
		if !isDir(filepath.Join(b.basedir, dir)) {
			msg.Warn("package directory %s does not exist", dir)
			continue
		}
		patterns = append(patterns, dir+"/**/*.py", dir+"/**/*.pyi", dir+"/py.typed")
	}
	return b.collectFiles(patterns)
}

// sdistFiles are the files a source archive needs to rebuild the extension.
func (b *Builder) sdistFiles() ([]string, error) {
	srcDir := filepath.ToSlash(b.cfg.Extension.SourceDir)
	patterns := []string{
		ManifestFilename,
		filepath.ToSlash(b.cfg.Package.Requirements),
		"{README,LICENSE,COPYING}*",
	}
	if filepath.IsLocal(srcDir) {
		patterns = append(patterns, srcDir+"/*")
	} else {
		msg.Warn("source dir %s is outside the project and is left out of the source archive", srcDir)
	}

	files, err := b.collectFiles(patterns)
	if err != nil {
		return nil, err
	}
	pkgFiles, err := b.packageFiles()
	if err != nil {
		return nil, err
	}
	files = append(files, pkgFiles...)
	slices.Sort(files)
	return slices.Compact(files), nil
}
