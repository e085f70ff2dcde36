package gen

import (
	"context"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/tail-feather/indigo-pyext/internal/msg"
)

// NinjaGen writes a build.ninja and runs ninja on it.
type NinjaGen struct {
	cc, cxx string
	targets map[string]ninjaTarget
}

type ninjaTarget struct {
	Target
	sources []sourceFile
}

func (g *NinjaGen) SetCompiler(cc, cxx string) {
	g.cc, g.cxx = cc, cxx
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// shellQuote quotes a flag for the command line ninja hands to the shell.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"'\\$`;&|<>()*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func flagLine(flags []string) string {
	quoted := make([]string, len(flags))
	for i, f := range flags {
		quoted[i] = strings.ReplaceAll(shellQuote(f), "$", "$$")
	}
	return strings.Join(quoted, " ")
}

// AddTarget adds a module to the build graph
func (g *NinjaGen) AddTarget(t Target) {
	if g.targets == nil {
		g.targets = make(map[string]ninjaTarget)
	}
	g.targets[t.Name] = ninjaTarget{Target: t, sources: objectFiles(t)}
}

func (g *NinjaGen) Generate() string {
	var sb strings.Builder

	writeln(&sb, "# generated by pyext, do not edit")
	writeln(&sb, "ninja_required_version = 1.1")
	writeln(&sb, "cc = ", g.cc)
	writeln(&sb, "cxx = ", g.cxx)
	writeln(&sb)

	write(&sb,
		`rule cc
  command = $cc $cflags -MD -MF $out.d -c $in -o $out
  depfile = $out.d
  deps = gcc
  description = CC $out
`)
	write(&sb,
		`rule cxx
  command = $cxx $cflags -MD -MF $out.d -c $in -o $out
  depfile = $out.d
  deps = gcc
  description = CXX $out
`)
	write(&sb,
		`rule link
  command = $ld -o $out $in $ldflags
  description = LINK $out
`)
	writeln(&sb)

	for _, name := range slices.Sorted(maps.Keys(g.targets)) {
		target := g.targets[name]
		cflags := flagLine(target.Cflags)
		linker := "$cc"

		for _, source := range target.sources {
			rule := "cc"
			if source.isCxx {
				rule = "cxx"
				linker = "$cxx"
			}
			writeln(&sb, "build ", quote(source.obj), ": ", rule, " ", quote(source.src))
			writeln(&sb, "  cflags = ", cflags)
		}

		write(&sb, "build ", quote(target.Name), ": link")
		for _, source := range target.sources {
			write(&sb, " ", quote(source.obj))
		}
		if len(target.Links) > 0 {
			write(&sb, " |")
			for _, link := range target.Links {
				write(&sb, " ", quote(link))
			}
		}
		writeln(&sb)
		writeln(&sb, "  ld = ", linker)
		writeln(&sb, "  ldflags = ", flagLine(target.Ldflags))
		writeln(&sb)
	}

	return sb.String()
}

func (g *NinjaGen) Invoke(ctx context.Context, buildDir string) error {
	cmd := exec.CommandContext(ctx, "ninja", "-C", buildDir)
	cmd.Stdout = &msg.IndentWriter{Indent: "    ", W: os.Stdout}
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
