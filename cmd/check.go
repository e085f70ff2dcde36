// pyext check [path]
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

func doCheck(cmd *cobra.Command, args []string) {
	b := mustBuilder(args)
	if _, err := b.BuildAndImport(cmd.Context(), flagProfile, flagGenerator.Value()); err != nil {
		msg.Fatal("%v", err)
	}
}

var checkCmd = &cobra.Command{
	Use:   "check [project path]",
	Short: "Build the extension and import it",
	Long:  `Build the extension and import the result in the interpreter it was built for.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doCheck,
}

func init() {
	// pyext check subcommand
	rootCmd.AddCommand(checkCmd)
	addBuildFlags(checkCmd)
}
