package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/lib/watch/codec"
	"github.com/ValentinKolb/dRange/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rangeClient  *client.RangeClient
	watchTable   uint64
	watchPrefix  bool
	watchExt     string
	watchVersion int64

	// WatchCommands represents the watch command group
	WatchCommands = &cobra.Command{
		Use:   "watch",
		Short: "Perform watch operations",
		Long: `Perform watch operations. Watch keys are paths like services/api/1, every
segment is one key component and the key belongs to the table set by --table.`,
		PersistentPreRunE: setupWatchClient,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if rangeClient == nil {
				return nil
			}
			return rangeClient.Close()
		},
	}

	putCmd = &cobra.Command{
		Use:   "put [path] [value]",
		Short: "Stores a watch entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encodePath(args[0])
			if err != nil {
				return err
			}
			value, err := util.ParseBytes(args[1])
			if err != nil {
				return err
			}
			version, err := rangeClient.WatchPut(key, value, []byte(watchExt))
			if err != nil {
				return err
			}
			fmt.Printf("put successfully, version=%d\n", version)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [path]",
		Short: "Deletes a watch entry, with --prefix every entry below the path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encodePath(args[0])
			if err != nil {
				return err
			}
			if err := rangeClient.WatchDel(key, watchPrefix); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [path]",
		Short: "Reads a watch entry without waiting, with --prefix every entry below the path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encodePath(args[0])
			if err != nil {
				return err
			}
			kvs, err := rangeClient.PureGet(key, watchPrefix)
			if err != nil {
				return err
			}
			for _, kv := range kvs {
				fmt.Printf("%s version=%d value=%s ext=%s\n", formatComponents(kv.Components), kv.Version, util.FormatBytes(kv.Value), util.FormatBytes(kv.Ext))
			}
			fmt.Printf("%d entries\n", len(kvs))
			return nil
		},
	}
	followCmd = &cobra.Command{
		Use:   "follow [path]",
		Short: "Prints every change of a watch entry until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encodePath(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = rangeClient.Watch(ctx, key, watchPrefix, watchVersion, func(ev client.Event) bool {
				path := util.FormatBytes(ev.Key)
				if _, components, err := codec.DecodeKey(ev.Key); err == nil {
					path = formatComponents(components)
				}
				if ev.Deleted {
					fmt.Printf("deleted %s version=%d\n", path, ev.Version)
				} else {
					fmt.Printf("changed %s version=%d value=%s\n", path, ev.Version, util.FormatBytes(ev.Value))
				}
				return true
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
)

func init() {
	// Add common RPC flags to the watch command
	util.SetupRPCClientFlags(WatchCommands)

	WatchCommands.PersistentFlags().Uint64Var(&watchTable, "table", 1, util.WrapString("Table ID of the watch keys"))

	// Add subcommands
	WatchCommands.AddCommand(putCmd)
	WatchCommands.AddCommand(delCmd)
	WatchCommands.AddCommand(getCmd)
	WatchCommands.AddCommand(followCmd)

	putCmd.Flags().StringVar(&watchExt, "ext", "", util.WrapString("Extension data stored with the entry"))
	for _, cmd := range []*cobra.Command{delCmd, getCmd, followCmd} {
		cmd.Flags().BoolVar(&watchPrefix, "prefix", false, util.WrapString("Apply to every entry below the path"))
	}
	followCmd.Flags().Int64Var(&watchVersion, "version", 0, util.WrapString("Only report changes after this version"))
}

// setupWatchClient initializes the range client
func setupWatchClient(cmd *cobra.Command, _ []string) (err error) {
	rangeClient, err = util.NewClient(cmd)
	return err
}

// encodePath turns a/b/c into the watch key of the components a, b and c
func encodePath(path string) ([]byte, error) {
	var components [][]byte
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		c, err := util.ParseBytes(part)
		if err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	return codec.EncodeKey(watchTable, components)
}

func formatComponents(components [][]byte) string {
	parts := make([]string, len(components))
	for i, c := range components {
		parts[i] = util.FormatBytes(c)
	}
	return strings.Join(parts, "/")
}
