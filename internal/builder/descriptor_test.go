package builder

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustDefaultConfig(t *testing.T, platform string) *Config {
	t.Helper()
	cfg, err := ParseConfig(strings.NewReader(DefaultManifest), ConfigEnv{TargetOS: platform})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestNewDescriptor(t *testing.T) {
	cfg := mustDefaultConfig(t, "linux")
	in := Inputs{
		Platform:      "linux",
		Sources:       []string{"src/C.CPP", "src/a.cpp", "src/b.cpp"},
		Requirements:  []string{"numpy"},
		Interop:       FoundAt("pybind11", "/site-packages/pybind11/include", OriginPython),
		PythonInclude: "/usr/include/python3.11",
	}

	d, err := NewDescriptor(cfg, in)
	if err != nil {
		t.Fatal(err)
	}

	want := &Descriptor{
		Name:             "indigo_astronomy.__indigo",
		Platform:         "linux",
		IncludeDirs:      []string{"../indigo_libs", "/site-packages/pybind11/include", "/usr/include/python3.11"},
		Libraries:        []string{"indigo"},
		LibraryDirs:      []string{},
		Sources:          []string{"src/C.CPP", "src/a.cpp", "src/b.cpp"},
		ExtraCompileArgs: []string{"-std=c++14", "-DINDIGO_LINUX"},
		ExtraLinkArgs:    []string{"-shared"},
		Interop:          in.Interop,
		Package: PackageMetadata{
			Name:     "indigo_astronomy",
			Version:  "0.0.0",
			Packages: []string{"indigo_astronomy"},
			Classifiers: []string{
				"Development Status :: 4 - Beta",
				"Intended Audience :: Developers",
				"Programming Language :: Python :: 3.6",
			},
			InstallRequires: []string{"numpy"},
		},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}

	if got := d.ModulePath(); got != "indigo_astronomy/__indigo" {
		t.Errorf("ModulePath() = %q", got)
	}
	if got := d.ModuleBase(); got != "__indigo" {
		t.Errorf("ModuleBase() = %q", got)
	}
}

func TestNewDescriptorDoesNotAlias(t *testing.T) {
	cfg := mustDefaultConfig(t, "darwin")
	in := Inputs{
		Platform: "darwin",
		Sources:  []string{"src/a.cpp"},
		Interop:  FoundAt("pybind11", "/opt/pybind11/include", OriginConfig),
	}

	d, err := NewDescriptor(cfg, in)
	if err != nil {
		t.Fatal(err)
	}
	in.Sources[0] = "changed"
	cfg.Extension.ExtraCompileArgs[0] = "changed"

	if d.Sources[0] != "src/a.cpp" || d.ExtraCompileArgs[0] != "-std=c++14" {
		t.Errorf("descriptor shares storage with its inputs: %v %v", d.Sources, d.ExtraCompileArgs)
	}
	if diff := cmp.Diff([]string{"-bundle", "-undefined", "dynamic_lookup"}, d.ExtraLinkArgs); diff != "" {
		t.Errorf("darwin link args mismatch (-want +got):\n%s", diff)
	}
	if d.Package.InstallRequires == nil || len(d.Package.InstallRequires) != 0 {
		t.Errorf("InstallRequires = %#v, want an empty list", d.Package.InstallRequires)
	}
}

func TestNewDescriptorIncludeDirs(t *testing.T) {
	cfg := mustDefaultConfig(t, "linux")
	cfg.Extension.IncludeDirs = []string{"", "../indigo_libs", "  "}

	d, err := NewDescriptor(cfg, Inputs{
		Platform: "linux",
		Sources:  []string{"src/a.cpp"},
		Interop:  FoundAt("pybind11", "/pybind11/include", OriginCache),
	})
	if err != nil {
		t.Fatal(err)
	}

	// no empty entries, and the python headers are left out when unknown
	want := []string{"../indigo_libs", "/pybind11/include"}
	if diff := cmp.Diff(want, d.IncludeDirs); diff != "" {
		t.Errorf("include dirs mismatch (-want +got):\n%s", diff)
	}
}

func TestNewDescriptorErrors(t *testing.T) {
	cfg := mustDefaultConfig(t, "linux")
	found := FoundAt("pybind11", "/pybind11/include", OriginPython)

	tests := []struct {
		name string
		in   Inputs
		want error
	}{
		{"no sources", Inputs{Platform: "linux", Interop: found}, ErrNoSources},
		{"interop not found", Inputs{Platform: "linux", Sources: []string{"src/a.cpp"}, Interop: NotFound("pybind11", "somewhere")}, ErrInteropNotFound},
		{"found without path", Inputs{Platform: "linux", Sources: []string{"src/a.cpp"}, Interop: InteropLookup{Toolkit: "pybind11", Found: true}}, ErrInteropNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDescriptor(cfg, tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if d != nil {
				t.Errorf("got a descriptor alongside an error: %+v", d)
			}
		})
	}
}

func TestDefineFlags(t *testing.T) {
	d := &Descriptor{Defines: map[string]string{"B": "2", "A": "", "C": "x y"}}
	want := []string{"-DA", "-DB=2", "-DC=x y"}
	if diff := cmp.Diff(want, d.defineFlags()); diff != "" {
		t.Errorf("define flags mismatch (-want +got):\n%s", diff)
	}
}
