// pyext init [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/builder"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	} else {
		fmt.Printf("%s file: %s\n", color.HiBlackString("Kept"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "pyext"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// initIn writes the default manifest and an empty project skeleton into dir.
// Existing files are left alone.
func initIn(dir string) {
	mkdir(dir)
	writefile(builder.DefaultManifest, dir, builder.ManifestFilename)

	mkdir(dir, "src")
	mkdir(dir, "indigo_astronomy")
	writefile(`from .__indigo import *  # noqa: F401,F403
`, dir, "indigo_astronomy", "__init__.py")

	writefile("", dir, "requirements.txt")

	// .gitignore
	writefile(`build/
dist/
.env
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("Put the binding sources in %s, then run %s to check the setup or %s to build.\n",
		color.HiCyanString(filepath.ToSlash(filepath.Join(dir, "src"))),
		color.HiCyanString(programName+" describe "+dir),
		color.HiCyanString(programName+" "+dir))
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a PyExt.toml with the indigo defaults",
	Long:  `Create a PyExt.toml with the indigo defaults and the package skeleton. If no path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(targetDir(args))
	},
}

func init() {
	// pyext init subcommand
	rootCmd.AddCommand(initCmd)
}
