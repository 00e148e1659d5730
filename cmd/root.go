package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRange/cmd/kv"
	"github.com/ValentinKolb/dRange/cmd/lock"
	"github.com/ValentinKolb/dRange/cmd/ranges"
	"github.com/ValentinKolb/dRange/cmd/serve"
	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/cmd/watch"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "drange",
		Short: "range replica of a distributed key-value store",
		Long: fmt.Sprintf(`dRange (v%s)

A range replica of a distributed, ordered key-value store written in Go.
Every range is a RAFT group with its own epoch, it can be split while
serving and carries a co-located watch service.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRange",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRange v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitEnv)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(watch.WatchCommands)
	RootCmd.AddCommand(ranges.RangeCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
