// Package gen turns extension targets into compiler invocations, either directly
// or through a generated build file.
package gen

import "context"

// Target is one loadable module to compile and link.
type Target struct {
	// Name is the output file name inside the build directory,
	// e.g. "__indigo.cpython-311-x86_64-linux-gnu.so".
	Name    string
	Basedir string
	// Sources are absolute paths.
	Sources []string
	// Links are files the output is linked against. A change to any of them forces a relink.
	Links   []string
	Cflags  []string
	Ldflags []string
}

type Generator interface {
	SetCompiler(cc, cxx string)
	AddTarget(t Target)
	Generate() string
	BuildFile() string
	Invoke(ctx context.Context, buildDir string) error
}
