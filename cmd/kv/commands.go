package kv

import (
	"fmt"

	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/spf13/cobra"
)

var scanLimit uint64

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value, err := parsePair(args[0], args[1])
			if err != nil {
				return err
			}
			version, err := rangeClient.Set(key, value)
			if err != nil {
				return err
			}
			fmt.Printf("set successfully, version=%d\n", version)
			return nil
		},
	}
	batchSetCmd = &cobra.Command{
		Use:   "batch-set [key] [value] [key] [value] ...",
		Short: "Sets several keys in one atomic write",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([][]byte, 0, len(args)/2)
			values := make([][]byte, 0, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				key, value, err := parsePair(args[i], args[i+1])
				if err != nil {
					return err
				}
				keys = append(keys, key)
				values = append(values, value)
			}
			version, err := rangeClient.BatchSet(keys, values)
			if err != nil {
				return err
			}
			fmt.Printf("set %d keys successfully, version=%d\n", len(keys), version)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := util.ParseBytes(args[0])
			if err != nil {
				return err
			}
			value, ok, err := rangeClient.Get(key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, value=%s\n", args[0], ok, util.FormatBytes(value))
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan [start] [end]",
		Short: "Lists the keys in [start, end), an empty end reads to the end of the range",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := util.ParseBytes(args[0])
			if err != nil {
				return err
			}
			var end []byte
			if len(args) == 2 {
				if end, err = util.ParseBytes(args[1]); err != nil {
					return err
				}
			}
			kvs, err := rangeClient.Scan(start, end, scanLimit)
			if err != nil {
				return err
			}
			for _, kv := range kvs {
				fmt.Printf("%s=%s\n", util.FormatBytes(kv.Key), util.FormatBytes(kv.Value))
			}
			fmt.Printf("%d keys\n", len(kvs))
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key] ...",
		Short: "Deletes one or more keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([][]byte, 0, len(args))
			for _, arg := range args {
				key, err := util.ParseBytes(arg)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}
			var err error
			if len(keys) == 1 {
				err = rangeClient.Delete(keys[0])
			} else {
				err = rangeClient.BatchDelete(keys)
			}
			if err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	rangeDelCmd = &cobra.Command{
		Use:   "range-del [start] [end]",
		Short: "Deletes every key in [start, end)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parsePair(args[0], args[1])
			if err != nil {
				return err
			}
			if err := rangeClient.RangeDelete(start, end); err != nil {
				return err
			}
			fmt.Println("range delete successfully")
			return nil
		},
	}
)

func init() {
	scanCmd.Flags().Uint64Var(&scanLimit, "limit", 100, util.WrapString("Maximum number of keys to list, 0 for no limit"))
}

func parsePair(a, b string) ([]byte, []byte, error) {
	first, err := util.ParseBytes(a)
	if err != nil {
		return nil, nil, err
	}
	second, err := util.ParseBytes(b)
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}
