// pyext cache
package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tail-feather/indigo-pyext/internal/cache"
	"github.com/tail-feather/indigo-pyext/internal/msg"
)

func mustCache() *cache.Index {
	idx, err := cache.LoadDefault()
	if err != nil {
		msg.Fatal("failed to load toolkit cache: %v", err)
	}
	return idx
}

func doCacheList() {
	idx := mustCache()
	sources := idx.Sources()
	if len(sources) == 0 {
		msg.Info("no fetched toolkits in %s", idx.BasePath())
		return
	}
	for i, source := range sources {
		fmt.Printf("%d. %s -> %s\n", i+1, color.HiCyanString(source), idx.Entries[source])
	}
}

func doCacheRemove(source string) {
	idx := mustCache()

	removed, err := idx.Remove(source)
	if err != nil {
		msg.Error("failed to delete checkout of %s: %v", source, err)
	}
	if !removed {
		msg.Warn("toolkit source %s not found", source)
		return
	}

	if err := idx.Save(); err != nil {
		msg.Fatal("failed to save toolkit cache: %v", err)
	}
	msg.Info("removed %s", source)
}

func doCacheClear() {
	idx := mustCache()
	n := len(idx.Entries)

	if err := idx.Clear(); err != nil {
		msg.Error("%v", err)
	}
	if err := idx.Save(); err != nil {
		msg.Fatal("failed to save toolkit cache: %v", err)
	}
	msg.Info("removed %d fetched toolkits", n)
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fetched interop toolkits",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		doCacheList()
	},
}

var cacheRemoveCmd = &cobra.Command{
	Use:   "remove <source>",
	Short: "Forget a fetched toolkit and delete its checkout",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		doCacheRemove(args[0])
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every fetched toolkit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		doCacheClear()
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage interop toolkits fetched with interop.policy = \"fetch\"",
}

func init() {
	// pyext cache subcommand
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheRemoveCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
