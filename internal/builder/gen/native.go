package gen

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/tail-feather/indigo-pyext/internal/msg"
	"golang.org/x/sync/errgroup"
)

// BuildState represents the state of a build target for incremental builds
type BuildState struct {
	BuildID string            `json:"build_id,omitempty"` // build that produced the output
	Sources map[string]string `json:"sources,omitempty"`  // source file -> hash
	Links   map[string]string `json:"links,omitempty"`    // linked file -> hash
	Cflags  []string          `json:"cflags,omitempty"`   // compilation flags
	Ldflags []string          `json:"ldflags,omitempty"`  // linker flags

	// source file -> included header -> hash, read from the compiler's depfiles
	Deps map[string]map[string]string `json:"deps,omitempty"`
}

// compileJob represents a single compilation job
type compileJob struct {
	src    string
	obj    string
	cflags []string
	cc     string
}

// linkJob represents a linking job
type linkJob struct {
	name    string
	objs    []string
	out     string
	ldflags []string
	cc      string
}

type buildUnit struct {
	Target
	sources []sourceFile
}

// NativeBuilder compiles targets itself, in parallel, recompiling only what changed.
type NativeBuilder struct {
	cc, cxx    string
	targets    map[string]buildUnit
	buildDir   string
	stateFile  string
	buildState map[string]*BuildState
	jobs       int
	buildID    string

	hashMu    sync.Mutex
	hashCache map[string]string
}

// NewNativeBuilder returns a builder running up to jobs compilers at once
// (runtime.NumCPU() if jobs < 1). buildID is recorded in the build state.
func NewNativeBuilder(jobs int, buildID string) *NativeBuilder {
	if jobs < 1 {
		jobs = runtime.NumCPU()
	}
	return &NativeBuilder{
		targets:    make(map[string]buildUnit),
		buildState: make(map[string]*BuildState),
		jobs:       jobs,
		buildID:    buildID,
		hashCache:  make(map[string]string),
	}
}

func (g *NativeBuilder) SetCompiler(cc, cxx string) {
	g.cc, g.cxx = cc, cxx
}

func (g *NativeBuilder) BuildFile() string {
	return "pyext_build_state.json"
}

// AddTarget adds a module to the build graph
func (g *NativeBuilder) AddTarget(t Target) {
	g.targets[t.Name] = buildUnit{Target: t, sources: objectFiles(t)}
}

func (g *NativeBuilder) Generate() string {
	return "" // no build file needed
}

// Invoke performs the actual build
func (g *NativeBuilder) Invoke(ctx context.Context, buildDir string) error {
	g.buildDir = buildDir
	g.stateFile = filepath.Join(buildDir, g.BuildFile())

	if err := g.loadBuildState(); err != nil {
		msg.Warn("failed to load build state: %v", err)
	}

	compileJobs, linkJobs, err := g.planBuild(slices.Sorted(maps.Keys(g.targets)))
	if err != nil {
		return fmt.Errorf("build planning failed: %w", err)
	}

	if len(compileJobs) == 0 && len(linkJobs) == 0 {
		msg.Info("no work to do")
		return nil
	}

	if err := g.executeBuild(ctx, compileJobs, linkJobs); err != nil {
		return err
	}

	if err := g.saveBuildState(); err != nil {
		msg.Warn("failed to save build state: %v", err)
	}

	return nil
}

// planBuild determines which compile and link jobs are necessary
func (g *NativeBuilder) planBuild(targetNames []string) (allCompileJobs []compileJob, allLinkJobs []linkJob, err error) {
	for _, targetName := range targetNames {
		target := g.targets[targetName]
		oldState := g.buildState[targetName]
		needsRelink := false

		// reason 1 for relink: output file is missing
		outputPath := filepath.Join(g.buildDir, target.Name)
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			needsRelink = true
		}

		// reason 2 for relink: flags have changed
		if oldState != nil && !slices.Equal(oldState.Ldflags, target.Ldflags) {
			needsRelink = true
		}
		flagsChanged := oldState != nil && !slices.Equal(oldState.Cflags, target.Cflags)

		// reason 3 for relink: a linked library changed
		for _, link := range target.Links {
			hash, err := g.fileHash(link)
			if err != nil {
				if os.IsNotExist(err) {
					needsRelink = true
					break
				}
				return nil, nil, fmt.Errorf("failed to hash linked file %s: %w", link, err)
			}
			if oldState == nil || oldState.Links[link] != hash {
				needsRelink = true
				break
			}
		}

		// reason 4 for relink: a source was removed since the last link
		if oldState != nil && sourcesChanged(oldState, target.sources) {
			needsRelink = true
		}

		// determine which source files in this target are dirty
		var targetCompileJobs []compileJob
		for _, src := range target.sources {
			objPath := filepath.Join(g.buildDir, src.obj)

			isDirty := flagsChanged
			if !isDirty {
				if isDirty, err = g.isSourceFileDirty(src, objPath, oldState); err != nil {
					return nil, nil, fmt.Errorf("could not check status of %s: %w", src.src, err)
				}
			}
			if isDirty {
				compiler := g.cc
				if src.isCxx {
					compiler = g.cxx
				}
				targetCompileJobs = append(targetCompileJobs, compileJob{
					src:    src.src,
					obj:    objPath,
					cflags: target.Cflags,
					cc:     compiler,
				})
			}
		}

		// reason 5 for relink: one or more of its source files were recompiled
		if len(targetCompileJobs) > 0 {
			allCompileJobs = append(allCompileJobs, targetCompileJobs...)
			needsRelink = true
		}

		if needsRelink {
			allLinkJobs = append(allLinkJobs, g.createLinkJob(target))
		}
	}

	return allCompileJobs, allLinkJobs, nil
}

// executeBuild runs the planned compile and link jobs and updates the build state
func (g *NativeBuilder) executeBuild(ctx context.Context, compileJobs []compileJob, linkJobs []linkJob) error {
	if err := runJobs(ctx, compileJobs, runCompileJob, g.jobs); err != nil {
		return fmt.Errorf("compilation failed: %w", err)
	}
	if err := runJobs(ctx, linkJobs, runLinkJob, g.jobs); err != nil {
		return fmt.Errorf("linking failed: %w", err)
	}

	for _, job := range linkJobs {
		target, ok := g.targets[job.name]
		if !ok {
			continue
		}
		if err := g.updateBuildState(target); err != nil {
			msg.Warn("failed to update build state for target %s: %v", target.Name, err)
		}
	}

	return nil
}

// isSourceFileDirty checks if a single source file needs to be recompiled
func (g *NativeBuilder) isSourceFileDirty(src sourceFile, objPath string, state *BuildState) (bool, error) {
	if _, err := os.Stat(objPath); os.IsNotExist(err) {
		return true, nil
	}

	if state == nil {
		return true, nil
	}

	hash, err := g.fileHash(src.src)
	if err != nil {
		if os.IsNotExist(err) {
			return true, fmt.Errorf("source file %s not found", src.src)
		}
		return true, err
	}
	if prevHash, exists := state.Sources[src.src]; !exists || prevHash != hash {
		return true, nil
	}

	for dep, prevHash := range state.Deps[src.src] {
		hash, err := g.fileHash(dep)
		if err != nil {
			if os.IsNotExist(err) {
				return true, nil
			}
			return true, err
		}
		if hash != prevHash {
			return true, nil
		}
	}

	return false, nil
}

// sourcesChanged reports whether the recorded sources differ from the current ones
func sourcesChanged(state *BuildState, sources []sourceFile) bool {
	if len(state.Sources) != len(sources) {
		return true
	}
	for _, src := range sources {
		if _, ok := state.Sources[src.src]; !ok {
			return true
		}
	}
	return false
}

// depfilePath is where the compiler writes the dependencies of obj
func depfilePath(obj string) string {
	return obj + ".d"
}

// parseDepfile returns the prerequisites of the first rule in a Makefile
// fragment written by -MD or -MMD.
func parseDepfile(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\\\n", " ")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}

	// the target ends at the first colon followed by a blank, so C:\ paths survive
	sep := -1
	for i := 0; i < len(text); i++ {
		if text[i] == ':' && (i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\t') {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, fmt.Errorf("malformed depfile: no rule")
	}

	var deps []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			deps = append(deps, cur.String())
			cur.Reset()
		}
	}
	rest := text[sep+1:]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '\\' && i+1 < len(rest) && (rest[i+1] == ' ' || rest[i+1] == '#'):
			i++
			cur.WriteByte(rest[i])
		case c == '$' && i+1 < len(rest) && rest[i+1] == '$':
			i++
			cur.WriteByte('$')
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return deps, nil
}

// readDeps loads the headers the last compile of src pulled in
func readDeps(src, obj string) ([]string, error) {
	f, err := os.Open(depfilePath(obj))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	deps, err := parseDepfile(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(deps, func(dep string) bool { return dep == src }), nil
}

// createLinkJob constructs a linkJob for a given buildUnit
func (g *NativeBuilder) createLinkJob(target buildUnit) linkJob {
	objects := make([]string, len(target.sources))
	for i, src := range target.sources {
		objects[i] = filepath.Join(g.buildDir, src.obj)
	}

	linker := g.cc
	if slices.ContainsFunc(target.sources, func(s sourceFile) bool { return s.isCxx }) {
		linker = g.cxx
	}

	return linkJob{
		name:    target.Name,
		objs:    objects,
		out:     filepath.Join(g.buildDir, target.Name),
		ldflags: target.Ldflags,
		cc:      linker,
	}
}

// loadBuildState loads the previous build state from disk
func (g *NativeBuilder) loadBuildState() error {
	f, err := os.Open(g.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no previous state, that's fine
		}
		return err
	}
	defer f.Close()
	return json.NewDecoder(bufio.NewReader(f)).Decode(&g.buildState)
}

// saveBuildState saves the current build state to disk
func (g *NativeBuilder) saveBuildState() error {
	data, err := json.MarshalIndent(g.buildState, "", "  ")
	if err != nil {
		return err
	}

	return renameio.WriteFile(g.stateFile, data, 0o644)
}

// fileHash computes the SHA256 hash of a file with an in-memory cache
func (g *NativeBuilder) fileHash(path string) (string, error) {
	g.hashMu.Lock()
	defer g.hashMu.Unlock()

	if hash, ok := g.hashCache[path]; ok {
		return hash, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	hexHash := hex.EncodeToString(hash.Sum(nil))
	g.hashCache[path] = hexHash
	return hexHash, nil
}

// runJobs runs jobs in parallel, stopping at the first failure
func runJobs[T any](ctx context.Context, jobs []T, jobfunc func(ctx context.Context, job T) error, limit int) error {
	if len(jobs) == 0 {
		return nil
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, job := range jobs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return jobfunc(ctx, job)
		})
	}

	return eg.Wait()
}

// runCompileJob runs a single compilation job
func runCompileJob(ctx context.Context, job compileJob) error {
	if err := os.MkdirAll(filepath.Dir(job.obj), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	args := make([]string, 0, len(job.cflags)+7)
	args = append(args, job.cflags...)
	args = append(args, "-MMD", "-MF", depfilePath(job.obj), "-c", job.src, "-o", job.obj)

	cmd := exec.CommandContext(ctx, job.cc, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	msg.Step("Compiling", "%s", job.src)
	msg.Debug("%s %v", job.cc, args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", job.src, err)
	}
	return nil
}

// runLinkJob links the objects into a loadable module
func runLinkJob(ctx context.Context, job linkJob) error {
	args := []string{"-o", job.out}
	args = append(args, job.objs...)
	args = append(args, job.ldflags...)

	cmd := exec.CommandContext(ctx, job.cc, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	msg.Step("Linking", "%s", job.out)
	msg.Debug("%s %v", job.cc, args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", job.out, err)
	}
	return nil
}

// updateBuildState updates the build state for a target after a successful build
func (g *NativeBuilder) updateBuildState(target buildUnit) error {
	state := &BuildState{
		BuildID: g.buildID,
		Sources: make(map[string]string),
		Links:   make(map[string]string),
		Cflags:  slices.Clone(target.Cflags),
		Ldflags: slices.Clone(target.Ldflags),
	}

	// hashes are the ones taken while planning, so an edit made during the build is caught next time
	for _, src := range target.sources {
		hash, err := g.fileHash(src.src)
		if err != nil {
			return fmt.Errorf("failed to hash source file %s: %w", src.src, err)
		}
		state.Sources[src.src] = hash

		deps, err := readDeps(src.src, filepath.Join(g.buildDir, src.obj))
		if err != nil {
			if !os.IsNotExist(err) {
				msg.Warn("could not read dependencies of %s: %v", src.src, err)
			}
			continue
		}
		hashes := make(map[string]string, len(deps))
		for _, dep := range deps {
			hash, err := g.fileHash(dep)
			if err != nil {
				msg.Warn("could not hash %s for state update: %v", dep, err)
				continue
			}
			hashes[dep] = hash
		}
		if len(hashes) > 0 {
			if state.Deps == nil {
				state.Deps = make(map[string]map[string]string)
			}
			state.Deps[src.src] = hashes
		}
	}

	for _, link := range target.Links {
		hash, err := g.fileHash(link)
		if err != nil {
			msg.Warn("could not hash linked file %s for state update: %v", link, err)
			continue
		}
		state.Links[link] = hash
	}

	g.buildState[target.Name] = state
	return nil
}
