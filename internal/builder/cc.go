package builder

import (
	"errors"
	"os"
	"os/exec"
)

var errNoCompiler = errors.New("no C++ compiler found (set CXX or install clang++ or g++)")

var (
	commonCCompilers   = []string{"clang", "gcc", "cc", "icx", "icc"}
	commonCxxCompilers = []string{"clang++", "g++", "c++", "icpx", "icpc"}
)

// findCompiler attempts to find a suitable C or C++ compiler on the system.
// $CXX and $CC win over anything on PATH.
func findCompiler(needCxx bool) string {
	cc := os.Getenv("CC")
	cxx := os.Getenv("CXX")

	if needCxx && cxx != "" {
		return cxx
	}
	if !needCxx && cc != "" {
		return cc
	}

	var compilersToTry []string
	if needCxx {
		compilersToTry = commonCxxCompilers
	} else {
		compilersToTry = commonCCompilers
	}

	for _, compiler := range compilersToTry {
		path, err := exec.LookPath(compiler)
		if err == nil {
			return path
		}
	}

	// a C++ driver compiles C too
	if !needCxx && cxx != "" {
		return cxx
	}

	return ""
}
