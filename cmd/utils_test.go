package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tail-feather/indigo-pyext/internal/builder"
)

func TestEnumValue(t *testing.T) {
	e := NewEnumValue("native", map[string]string{"native": "", "ninja": "generate build.ninja"})

	if e.Value() != "native" {
		t.Errorf("default = %q", e.Value())
	}
	if err := e.Set("make"); err == nil {
		t.Error("Set accepted a value outside the allowed set")
	}
	if err := e.Set("ninja"); err != nil || e.Value() != "ninja" {
		t.Errorf("Set(ninja) = %v, value %q", err, e.Value())
	}
	if got := e.HelpString(); got != "[native, ninja]" {
		t.Errorf("HelpString() = %q", got)
	}

	items, _ := e.CompletionFunc()(nil, nil, "")
	if diff := cmp.Diff([]string{"native", "ninja\tgenerate build.ninja"}, items); diff != "" {
		t.Errorf("completions mismatch (-want +got):\n%s", diff)
	}
}

func TestNewEnumValueBadDefault(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic for a default outside the allowed set")
		}
	}()
	NewEnumValue("vs", map[string]string{"native": ""})
}

func TestInitIn(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bindings")
	initIn(dir)

	data, err := os.ReadFile(filepath.Join(dir, builder.ManifestFilename))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != builder.DefaultManifest {
		t.Error("init did not write the default manifest")
	}
	for _, name := range []string{"src", "indigo_astronomy/__init__.py", "requirements.txt", ".gitignore"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("init did not create %s: %v", name, err)
		}
	}

	// a second run keeps user edits
	custom := []byte("[package]\nname = \"mine\"\n")
	if err := os.WriteFile(filepath.Join(dir, builder.ManifestFilename), custom, 0o644); err != nil {
		t.Fatal(err)
	}
	initIn(dir)
	data, err = os.ReadFile(filepath.Join(dir, builder.ManifestFilename))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Error("init overwrote an existing manifest")
	}
}
