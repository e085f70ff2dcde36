// pyext wheel [path], pyext sdist [path]
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

func doWheel(cmd *cobra.Command, args []string) {
	b := mustBuilder(args)
	out, err := b.Wheel(cmd.Context(), flagProfile, flagGenerator.Value())
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Step("Finished", "%s", out)
}

func doSdist(cmd *cobra.Command, args []string) {
	b := mustBuilder(args)
	out, err := b.Sdist()
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Step("Finished", "%s", out)
}

var wheelCmd = &cobra.Command{
	Use:   "wheel [project path]",
	Short: "Build the extension and package it as a wheel",
	Long:  `Build the extension and write dist/<name>-<version>-<tag>.whl for the selected interpreter.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doWheel,
}

var sdistCmd = &cobra.Command{
	Use:   "sdist [project path]",
	Short: "Package the project sources",
	Long:  `Write dist/<name>-<version>.tar.gz with the manifest, sources and Python packages.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doSdist,
}

func init() {
	// pyext wheel subcommand
	rootCmd.AddCommand(wheelCmd)
	addBuildFlags(wheelCmd)

	// pyext sdist subcommand
	rootCmd.AddCommand(sdistCmd)
}
