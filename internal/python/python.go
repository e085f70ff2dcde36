// Package python asks a Python interpreter for what an extension build needs:
// header location, extension filename suffix and wheel tag components.
package python

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var errNoInterpreter = errors.New("no python interpreter found (set PYTHON or pass --python)")

// Info is what the probe script reports.
type Info struct {
	Executable     string `json:"executable"`
	Version        string `json:"version"`
	VersionNodot   string `json:"version_nodot"`
	Include        string `json:"include"`
	ExtSuffix      string `json:"ext_suffix"`
	Platform       string `json:"platform"`
	PlatformTag    string `json:"platform_tag"`
	Implementation string `json:"implementation"`
	// ToolkitInclude is the header directory of the interop toolkit module, empty if
	// the module is not importable.
	ToolkitInclude string `json:"toolkit_include"`
}

const probeScript = `import json, sys, sysconfig
info = {
    "executable": sys.executable,
    "version": "%d.%d" % sys.version_info[:2],
    "version_nodot": "%d%d" % sys.version_info[:2],
    "include": sysconfig.get_paths()["include"],
    "ext_suffix": sysconfig.get_config_var("EXT_SUFFIX") or ".so",
    "platform": sys.platform,
    "platform_tag": sysconfig.get_platform(),
    "implementation": sys.implementation.name,
    "toolkit_include": "",
}
if len(sys.argv) > 1 and sys.argv[1]:
    try:
        mod = __import__(sys.argv[1])
        info["toolkit_include"] = mod.get_include()
    except Exception:
        pass
print(json.dumps(info))
`

// FindInterpreter returns $PYTHON, or the first of python3 and python found on PATH.
func FindInterpreter() (string, error) {
	if p := os.Getenv("PYTHON"); p != "" {
		return p, nil
	}
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errNoInterpreter
}

// Probe runs the interpreter once and decodes its report. toolkit names an
// importable module exposing get_include(), as pybind11 does.
func Probe(ctx context.Context, interpreter, toolkit string) (*Info, error) {
	if interpreter == "" {
		var err error
		if interpreter, err = FindInterpreter(); err != nil {
			return nil, err
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, interpreter, "-c", probeScript, toolkit)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("probe %s: %w\n%s", interpreter, err, strings.TrimSpace(stderr.String()))
	}
	return ParseInfo(stdout.Bytes())
}

// ParseInfo decodes the probe output.
func ParseInfo(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(data), &info); err != nil {
		return nil, fmt.Errorf("decode interpreter report: %w", err)
	}
	if info.ExtSuffix == "" {
		info.ExtSuffix = ".so"
	}
	return &info, nil
}

var implementationTags = map[string]string{
	"cpython":    "cp",
	"pypy":       "pp",
	"ironpython": "ip",
	"jython":     "jy",
}

// WheelTag returns the compatibility tag for a binary wheel built against this
// interpreter, e.g. "cp311-cp311-linux_x86_64".
func (i *Info) WheelTag() string {
	impl, ok := implementationTags[i.Implementation]
	if !ok {
		impl = "py"
	}
	python := impl + i.VersionNodot
	platform := strings.NewReplacer("-", "_", ".", "_").Replace(i.PlatformTag)
	if platform == "" {
		platform = "any"
	}
	return python + "-" + python + "-" + platform
}
