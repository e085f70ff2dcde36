// pyext describe [path]
package cmd

import (
	"encoding/json"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

var flagFormat = NewEnumValue("json", map[string]string{
	"json": "JSON, as setup() keyword arguments would read",
	"toml": "TOML, in the manifest's key style",
})

func doDescribe(cmd *cobra.Command, args []string) {
	b := mustBuilder(args)
	d, _, err := b.Describe(cmd.Context())
	if err != nil {
		msg.Fatal("%v", err)
	}

	switch flagFormat.Value() {
	case "toml":
		enc := toml.NewEncoder(os.Stdout)
		enc.SetIndentTables(true)
		err = enc.Encode(d)
	default:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(d)
	}
	if err != nil {
		msg.Fatal("encode descriptor: %v", err)
	}
}

var describeCmd = &cobra.Command{
	Use:   "describe [project path]",
	Short: "Print the extension build descriptor",
	Long: `Resolve sources, platform flags, requirements and the interop toolkit the way a
build would, and print the resulting descriptor without compiling anything.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doDescribe,
}

func init() {
	// pyext describe subcommand
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().VarP(&flagFormat, "format", "f", "Output format, one of "+flagFormat.HelpString())
	describeCmd.RegisterFlagCompletionFunc("format", flagFormat.CompletionFunc())
}
