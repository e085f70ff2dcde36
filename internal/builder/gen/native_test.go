package gen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// builtTree pretends a previous build produced every object and the output.
func builtTree(t *testing.T, g *NativeBuilder, target Target) {
	t.Helper()
	for _, src := range objectFiles(target) {
		writeFile(t, filepath.Join(g.buildDir, src.obj), "obj")
	}
	writeFile(t, filepath.Join(g.buildDir, target.Name), "so")
	if err := g.updateBuildState(g.targets[target.Name]); err != nil {
		t.Fatal(err)
	}
	g.hashCache = make(map[string]string)
}

func plannedSources(jobs []compileJob) []string {
	var srcs []string
	for _, j := range jobs {
		srcs = append(srcs, filepath.Base(j.src))
	}
	return srcs
}

func newTestBuilder(t *testing.T) (*NativeBuilder, Target) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "src", "main.cpp"), "int main;")
	writeFile(t, filepath.Join(base, "src", "bus.cpp"), "int bus;")
	writeFile(t, filepath.Join(base, "lib", "libindigo.so"), "v1")

	target := Target{
		Name:    "__indigo.so",
		Basedir: base,
		Sources: []string{filepath.Join(base, "src", "bus.cpp"), filepath.Join(base, "src", "main.cpp")},
		Links:   []string{filepath.Join(base, "lib", "libindigo.so")},
		Cflags:  []string{"-fPIC", "-std=c++14"},
		Ldflags: []string{"-shared", "-lindigo"},
	}

	g := NewNativeBuilder(2, "test-build")
	g.SetCompiler("cc", "c++")
	g.AddTarget(target)
	g.buildDir = filepath.Join(base, "build")
	return g, target
}

func TestPlanFreshBuild(t *testing.T) {
	g, _ := newTestBuilder(t)

	compile, link, err := g.planBuild([]string{"__indigo.so"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bus.cpp", "main.cpp"}, plannedSources(compile)); diff != "" {
		t.Errorf("compile jobs: unexpected diff (-want +got):\n%s", diff)
	}
	for _, job := range compile {
		if job.cc != "c++" {
			t.Errorf("%s compiled with %q, want c++", job.src, job.cc)
		}
	}
	if len(link) != 1 || link[0].cc != "c++" {
		t.Fatalf("link jobs = %+v, want one C++ link", link)
	}
}

func TestPlanUpToDate(t *testing.T) {
	g, target := newTestBuilder(t)
	builtTree(t, g, target)

	compile, link, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if len(compile) != 0 || len(link) != 0 {
		t.Errorf("planned %d compiles and %d links for an up to date tree", len(compile), len(link))
	}
	if got := g.buildState[target.Name].BuildID; got != "test-build" {
		t.Errorf("BuildID = %q, want test-build", got)
	}
}

func TestPlanEditedSource(t *testing.T) {
	g, target := newTestBuilder(t)
	builtTree(t, g, target)
	writeFile(t, target.Sources[1], "int main2;")

	compile, link, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main.cpp"}, plannedSources(compile)); diff != "" {
		t.Errorf("compile jobs: unexpected diff (-want +got):\n%s", diff)
	}
	if len(link) != 1 {
		t.Errorf("got %d link jobs, want 1", len(link))
	}
}

func TestPlanChangedCflagsRecompilesAll(t *testing.T) {
	g, target := newTestBuilder(t)
	builtTree(t, g, target)

	target.Cflags = append(target.Cflags, "-DINDIGO_LINUX")
	g.AddTarget(target)

	compile, _, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if len(compile) != 2 {
		t.Errorf("got %d compile jobs after a cflags change, want 2", len(compile))
	}
}

func TestPlanChangedLibraryRelinksOnly(t *testing.T) {
	g, target := newTestBuilder(t)
	builtTree(t, g, target)
	writeFile(t, target.Links[0], "v2")

	compile, link, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if len(compile) != 0 {
		t.Errorf("got %d compile jobs for a library change, want 0", len(compile))
	}
	if len(link) != 1 {
		t.Errorf("got %d link jobs for a library change, want 1", len(link))
	}
}

func TestPlanRemovedSourceRelinks(t *testing.T) {
	g, target := newTestBuilder(t)
	builtTree(t, g, target)

	target.Sources = target.Sources[1:]
	g.AddTarget(target)

	compile, link, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if len(compile) != 0 {
		t.Errorf("got %d compile jobs after removing a source, want 0", len(compile))
	}
	if len(link) != 1 {
		t.Fatalf("got %d link jobs after removing a source, want 1", len(link))
	}
	if len(link[0].objs) != 1 || !strings.HasSuffix(link[0].objs[0], "main.cpp.o") {
		t.Errorf("linked objects = %v, want only main.cpp.o", link[0].objs)
	}
}

func TestPlanEditedHeader(t *testing.T) {
	g, target := newTestBuilder(t)
	header := filepath.Join(target.Basedir, "src", "common.hpp")
	writeFile(t, header, "#pragma once\n")

	// main.cpp includes the header, bus.cpp does not
	for _, src := range objectFiles(target) {
		deps := src.obj + ": " + src.src
		if filepath.Base(src.src) == "main.cpp" {
			deps += " \\\n  " + header
		}
		writeFile(t, depfilePath(filepath.Join(g.buildDir, src.obj)), deps+"\n")
	}
	builtTree(t, g, target)

	compile, _, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if len(compile) != 0 {
		t.Fatalf("got %d compile jobs before the header changed, want 0", len(compile))
	}

	writeFile(t, header, "#pragma once\nint common;\n")
	g.hashCache = make(map[string]string)
	compile, link, err := g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main.cpp"}, plannedSources(compile)); diff != "" {
		t.Errorf("compile jobs: unexpected diff (-want +got):\n%s", diff)
	}
	if len(link) != 1 {
		t.Errorf("got %d link jobs, want 1", len(link))
	}

	g.hashCache = make(map[string]string)
	if err := os.Remove(header); err != nil {
		t.Fatal(err)
	}
	compile, _, err = g.planBuild([]string{target.Name})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"main.cpp"}, plannedSources(compile)); diff != "" {
		t.Errorf("compile jobs after deleting the header: unexpected diff (-want +got):\n%s", diff)
	}
}

func TestParseDepfile(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "single line",
			in:   "main.o: src/main.cpp src/common.hpp\n",
			want: []string{"src/main.cpp", "src/common.hpp"},
		},
		{
			name: "continuations",
			in:   "main.o: src/main.cpp \\\n  include/a.h \\\r\n  include/b.h\n",
			want: []string{"src/main.cpp", "include/a.h", "include/b.h"},
		},
		{
			name: "escaped characters",
			in:   "main.o: my\\ dir/main.cpp cost$$.h \\#hash.h\n",
			want: []string{"my dir/main.cpp", "cost$.h", "#hash.h"},
		},
		{
			name: "drive letters",
			in:   "C:/build/main.o: C:/src/main.cpp C:/src/a.h\n",
			want: []string{"C:/src/main.cpp", "C:/src/a.h"},
		},
		{
			name: "phony rules ignored",
			in:   "main.o: main.cpp a.h\n\na.h:\n",
			want: []string{"main.cpp", "a.h"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDepfile(strings.NewReader(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseDepfile: unexpected diff (-want +got):\n%s", diff)
			}
		})
	}

	if _, err := parseDepfile(strings.NewReader("")); err == nil {
		t.Error("parseDepfile accepted an empty file")
	}
}

func TestBuildStatePersists(t *testing.T) {
	g, target := newTestBuilder(t)
	if err := os.MkdirAll(g.buildDir, 0o755); err != nil {
		t.Fatal(err)
	}
	g.stateFile = filepath.Join(g.buildDir, g.BuildFile())
	builtTree(t, g, target)
	if err := g.saveBuildState(); err != nil {
		t.Fatal(err)
	}

	reloaded := NewNativeBuilder(1, "other")
	reloaded.stateFile = g.stateFile
	if err := reloaded.loadBuildState(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(g.buildState, reloaded.buildState); diff != "" {
		t.Errorf("state round trip: unexpected diff (-want +got):\n%s", diff)
	}
}

func TestRunJobsStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	err := runJobs(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, n int) error {
		ran.Add(1)
		if n == 1 {
			return boom
		}
		return nil
	}, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("runJobs error = %v, want %v", err, boom)
	}
	if ran.Load() == 4 {
		t.Error("jobs kept running after the first failure")
	}
}

func TestRunJobsEmpty(t *testing.T) {
	err := runJobs(context.Background(), nil, func(context.Context, int) error {
		t.Error("job func called for no jobs")
		return nil
	}, 4)
	if err != nil {
		t.Fatal(err)
	}
}
