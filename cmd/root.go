// pyext [path], pyext build [path]
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/builder"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

var (
	flagProfile   string
	flagPython    string
	flagPlatform  string
	flagJobs      int
	flagVerbose   bool
	flagGenerator EnumValue = NewEnumValue(builder.GeneratorNative, map[string]string{
		builder.GeneratorNative: "Compile with the built-in parallel builder (default)",
		builder.GeneratorNinja:  "Generate build.ninja and run ninja",
	})
)

func doBuild(cmd *cobra.Command, args []string) {
	b := mustBuilder(args)
	art, err := b.Build(cmd.Context(), flagProfile, flagGenerator.Value())
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Step("Finished", "%s", art.Path)
}

// loadDotenv reads .env from the working directory into the process environment,
// so CC, CXX and PYTHON can be pinned per checkout.
func loadDotenv(cmd *cobra.Command, args []string) {
	msg.Verbose = flagVerbose
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		msg.Warn("could not load .env: %v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pyext [project path]",
	Short: "Build the indigo Python extension",
	Long: `Build the indigo Python extension module from C++ sources and package it.
Without a subcommand, builds the project in the given path (default ".").`,
	Args:             cobra.MaximumNArgs(1),
	PersistentPreRun: loadDotenv,
	Run:              doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [project path]",
	Short: "Build the extension module",
	Long:  `Build the extension module into build/. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagPython, "python", "", "Python interpreter to build for (default $PYTHON, python3 or python)")
	rootCmd.PersistentFlags().StringVar(&flagPlatform, "platform", "", "Platform to evaluate the manifest for (default the host)")
	rootCmd.PersistentFlags().IntVarP(&flagJobs, "jobs", "j", 0, "Parallel compile jobs (default one per CPU)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Print debug messages and compiler command lines")

	addBuildFlags(rootCmd)

	// pyext build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "release", "Build with the given profile")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
