package kv

import (
	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rangeClient *client.RangeClient

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value operations on a range",
		Long:               "Perform key-value operations on a range. Keys and values are taken as is, a hex: prefix passes raw bytes (e.g. hex:00ff).",
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(batchSetCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(scanCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(rangeDelCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the range client
func setupKVClient(cmd *cobra.Command, _ []string) (err error) {
	rangeClient, err = util.NewClient(cmd)
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if rangeClient == nil {
		return nil
	}
	return rangeClient.Close()
}
