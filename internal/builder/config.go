package builder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ManifestFilename is the per-project build manifest read from the project directory.
const ManifestFilename = "PyExt.toml"

// DefaultManifest describes the indigo bindings. It is used when a project has no
// PyExt.toml and is what `pyext init` writes.
const DefaultManifest = `[package]
name = "indigo_astronomy"
version = "0.0.0"
packages = ["indigo_astronomy"]
classifiers = [
    "Development Status :: 4 - Beta",
    "Intended Audience :: Developers",
    "Programming Language :: Python :: 3.6",
]
requirements = "requirements.txt"

[extension]
name = "__indigo"
source-dir = "src"
source-ext = ".cpp"
include-dirs = ["../indigo_libs"]
libraries = ["indigo"]
library-dirs = []
extra-compile-args = ["-std=c++14"]

[extension.'target_os == "linux"']
extra-compile-args = ["-DINDIGO_LINUX"]

[extension.'target_os == "darwin"']
extra-compile-args = ["-DINDIGO_MAC"]

[interop]
toolkit = "pybind11"
policy = "require"
source = "gh:pybind11/pybind11#v2.13.6"
`

const (
	PolicyRequire = "require"
	PolicyFetch   = "fetch"
	PolicyPath    = "path"
)

var defaultProfiles = map[string]ProfileSection{
	"release": {
		OptLevel: intOrString{Value: 3},
	},
	"debug": {
		OptLevel: intOrString{Value: ""}, // no -O
	},
}

type Config struct {
	Package   PackageSection            `toml:"package"`
	Extension ExtensionSection          `toml:"extension"`
	Interop   InteropSection            `toml:"interop"`
	Profile   map[string]ProfileSection `toml:"profile"`
}

func (c Config) Profiles() []string {
	profiles := make([]string, 0, len(c.Profile))
	for k := range c.Profile {
		profiles = append(profiles, k)
	}
	slices.Sort(profiles)
	return profiles
}

type intOrString struct {
	Value any
}

func (o *intOrString) UnmarshalTOML(v any) error {
	switch val := v.(type) {
	case int64:
		o.Value = int(val)
	case string:
		o.Value = val
	default:
		return fmt.Errorf("unexpected type: %T", v)
	}
	return nil
}

func (o *intOrString) String() string {
	if o == nil || o.Value == nil {
		return ""
	}

	switch v := o.Value.(type) {
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	default:
		return ""
	}
}

// ProfileSection defines the [profile.*] section
type ProfileSection struct {
	OptLevel intOrString `toml:"opt-level"`
}

// PackageSection defines the [package] section
type PackageSection struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Description  string   `toml:"description"`
	Authors      []string `toml:"authors"`
	Packages     []string `toml:"packages"`
	Classifiers  []string `toml:"classifiers"`
	Requirements string   `toml:"requirements"`
	Build        string   `toml:"build"`
}

// ExtensionSection defines the [extension(.*)] section
type ExtensionSection struct {
	Name             string            `toml:"name"`
	SourceDir        string            `toml:"source-dir"`
	SourceExt        string            `toml:"source-ext"`
	IncludeDirs      []string          `toml:"include-dirs"`
	Libraries        []string          `toml:"libraries"`
	LibraryDirs      []string          `toml:"library-dirs"`
	ExtraCompileArgs []string          `toml:"extra-compile-args"`
	ExtraLinkArgs    []string          `toml:"extra-link-args"`
	Defines          map[string]string `toml:"defines"`
}

// InteropSection defines the [interop(.*)] section
type InteropSection struct {
	Toolkit string `toml:"toolkit"`
	Policy  string `toml:"policy"`
	Include string `toml:"include"`
	Source  string `toml:"source"`
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

func mustMarshal(v any) string {
	b, err := toml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// unmarshalSection is a helper to parse sections without conditional logic
func unmarshalSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := toml.Unmarshal([]byte(mustMarshal(data)), dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

// unmarshalConditionalSection parses a section whose sub-tables keyed by an expression
// are merged into the base when the expression holds for env.
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			_, err := expr.Compile(key, expr.Env(env))
			if err == nil {
				conditionalFields[key] = subMap
			} else {
				baseFields[key] = val
			}
		} else {
			baseFields[key] = val
		}
	}

	if len(baseFields) > 0 {
		if err := toml.Unmarshal([]byte(mustMarshal(baseFields)), dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	// merge in a stable order so list flags come out the same on every run
	expressions := slices.Sorted(maps.Keys(conditionalFields))
	for _, expression := range expressions {
		condMap := conditionalFields[expression]
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := toml.Unmarshal([]byte(mustMarshal(condMap)), &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		fmt.Fprintf(&builder, "%v", result)
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed TOML data and evaluates expressions in strings.
// The package build script is left alone, it is an expression itself.
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "build" {
				continue
			}
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

// ParseConfig decodes a manifest and evaluates it for env.
func ParseConfig(rdr io.Reader, env ConfigEnv) (*Config, error) {
	var rawConfig map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawConfig); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := new(Config)
	cfg.Profile = maps.Clone(defaultProfiles)

	if err := unmarshalSection(rawConfig, "package", &cfg.Package); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "profile", &cfg.Profile, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "extension", &cfg.Extension, env); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "interop", &cfg.Interop, env); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseConfigFromFile parses and validates a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseConfig(bufio.NewReader(f), env)
}

func (c *Config) applyDefaults() {
	if c.Package.Version == "" {
		c.Package.Version = "0.0.0"
	}
	if len(c.Package.Packages) == 0 && c.Package.Name != "" {
		c.Package.Packages = []string{c.Package.Name}
	}
	if c.Package.Requirements == "" {
		c.Package.Requirements = "requirements.txt"
	}
	if c.Extension.SourceDir == "" {
		c.Extension.SourceDir = "src"
	}
	if c.Extension.SourceExt == "" {
		c.Extension.SourceExt = ".cpp"
	}
	if c.Interop.Toolkit == "" {
		c.Interop.Toolkit = "pybind11"
	}
	if c.Interop.Policy == "" {
		c.Interop.Policy = PolicyRequire
	}
}

func (c *Config) validate() error {
	if c.Package.Name == "" {
		return errors.New("package.name is required")
	}
	if c.Extension.Name == "" {
		return errors.New("extension.name is required")
	}
	switch c.Interop.Policy {
	case PolicyRequire, PolicyFetch, PolicyPath:
	default:
		return fmt.Errorf("unknown interop.policy %q, expected one of %s, %s, %s",
			c.Interop.Policy, PolicyRequire, PolicyFetch, PolicyPath)
	}
	return nil
}

// PlatformFlags returns the extra compiler flags the default manifest selects for platform.
func PlatformFlags(platform string) []string {
	cfg, err := ParseConfig(strings.NewReader(DefaultManifest), ConfigEnv{TargetOS: platform})
	if err != nil {
		panic(fmt.Sprintf("default manifest: %v", err))
	}
	return cfg.Extension.ExtraCompileArgs
}

//
// expr-lang helpers
//

// RunBuildScript evaluates package.build, which must return true.
func (cfg Config) RunBuildScript(env ConfigEnv) error {
	if cfg.Package.Build == "" {
		return nil
	}

	program, err := expr.Compile(cfg.Package.Build, expr.Env(env))
	if err != nil {
		return fmt.Errorf("failed to compile build script for package %q: %w", cfg.Package.Name, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return fmt.Errorf("failed to run build script for package %q: %w", cfg.Package.Name, err)
	}

	if result, ok := result.(bool); !ok || !result {
		return fmt.Errorf("build script for package %q returned false\n%s", cfg.Package.Name, cfg.Package.Build)
	}

	return nil
}

// ConfigEnv is what manifest expressions can see.
type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Environ    map[string]string `expr:"environ"`
	basedir    string
}

// NewConfigEnv builds the expression environment for a project. An empty platform means the host.
func NewConfigEnv(basedir, platform string) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	if platform == "" {
		platform = runtime.GOOS
	}

	return ConfigEnv{
		TargetOS:   platform,
		TargetArch: runtime.GOARCH,
		Environ:    environ,
		basedir:    basedir,
	}
}

func (env ConfigEnv) resolve(path string) (string, error) {
	if !filepath.IsLocal(path) {
		return "", fmt.Errorf("path %q is outside of package directory %q", path, env.basedir)
	}
	return filepath.Join(env.basedir, path), nil
}

// Patch applies a diff-match-patch patch to a file in the package. It reports whether any hunk applied.
func (env ConfigEnv) Patch(path, patchText string) (bool, error) {
	fullPath, err := env.resolve(path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return false, err
	}

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return false, fmt.Errorf("parse patch for %s: %w", path, err)
	}
	patchedText, results := dmp.PatchApply(patches, string(data))
	if !slices.Contains(results, true) {
		return false, nil
	}

	if err := os.WriteFile(fullPath, []byte(patchedText), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func (env ConfigEnv) ReadFile(path string) (string, error) {
	fullPath, err := env.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
