package ranges

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rangeClient *client.RangeClient
	statusJSON  bool

	// RangeCommands represents the range administration command group
	RangeCommands = &cobra.Command{
		Use:               "range",
		Short:             "Administer ranges",
		PersistentPreRunE: setupRangeClient,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if rangeClient == nil {
				return nil
			}
			return rangeClient.Close()
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Prints the state of a range on the node that answers, --range 0 lists every range of that node",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	splitCmd = &cobra.Command{
		Use:   "split [splitKey] [newRangeID]",
		Short: "Splits the range at splitKey, the upper half becomes newRangeID",
		Args:  cobra.ExactArgs(2),
		RunE:  runSplit,
	}
	transferLeaderCmd = &cobra.Command{
		Use:   "transfer-leader",
		Short: "Asks the replica on the first endpoint to take over leadership of the range",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := rangeClient.TransferLeader(); err != nil {
				return err
			}
			fmt.Println("leader transfer requested")
			return nil
		},
	}
)

func init() {
	// Add common RPC flags to the range command
	util.SetupRPCClientFlags(RangeCommands)

	RangeCommands.AddCommand(statusCmd)
	RangeCommands.AddCommand(splitCmd)
	RangeCommands.AddCommand(transferLeaderCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, util.WrapString("Print the raw status as JSON"))
}

// setupRangeClient initializes the range client
func setupRangeClient(cmd *cobra.Command, _ []string) (err error) {
	rangeClient, err = util.NewClient(cmd)
	return err
}

func runStatus(_ *cobra.Command, _ []string) error {
	status, err := rangeClient.Status()
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANGE\tTABLE\tSTART\tEND\tEPOCH\tNODE\tLEADER\tVALID\tAPPLIED\tPENDING\tSPLIT")
	for _, st := range status {
		if st.Range == nil {
			continue
		}
		split := "-"
		if st.SplitRangeID != 0 {
			split = strconv.FormatUint(st.SplitRangeID, 10)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%t\t%t\t%d\t%d\t%s\n",
			st.Range.ID, st.Range.TableID,
			util.FormatBytes(st.Range.StartKey), util.FormatBytes(st.Range.EndKey),
			st.Range.Epoch, st.NodeID, st.Leader, st.Valid, st.AppliedIndex, st.Pending, split)
	}
	return w.Flush()
}

func runSplit(_ *cobra.Command, args []string) error {
	splitKey, err := util.ParseBytes(args[0])
	if err != nil {
		return err
	}
	newRangeID, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil || newRangeID == 0 {
		return fmt.Errorf("invalid range id %q", args[1])
	}
	if err := rangeClient.Split(splitKey, newRangeID); err != nil {
		return err
	}
	fmt.Printf("range %d split at %s, upper half is range %d\n", rangeClient.RangeID(), util.FormatBytes(splitKey), newRangeID)
	return nil
}
