package lock

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/lib/rangeerr"
	"github.com/ValentinKolb/dRange/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rangeClient *client.RangeClient
	lockTTL     time.Duration
	lockOwner   string
	lockValue   string

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform lock operations",
		PersistentPreRunE: setupLockClient,
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if rangeClient == nil {
				return nil
			}
			return rangeClient.Close()
		},
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long:  "Acquire a lock for --ttl. Without --owner a new random owner ID is generated and printed, it is needed to update or release the lock.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// updateCmd represents the update command
	updateCmd = &cobra.Command{
		Use:   "update [key] [ownerID]",
		Short: "Extend a held lock by --ttl and replace its value",
		Args:  cobra.ExactArgs(2),
		RunE:  runUpdate,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [key] [ownerID]",
		Short: "Release a previously acquired lock",
		Long:  "Release a lock using the key and owner ID. The owner ID is the hex string returned by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// forceReleaseCmd represents the force-release command
	forceReleaseCmd = &cobra.Command{
		Use:   "force-release [key]",
		Short: "Release a lock regardless of its owner",
		Args:  cobra.ExactArgs(1),
		RunE:  runForceRelease,
	}
)

func init() {
	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(updateCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(forceReleaseCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	// Add flags specific to acquire and update
	for _, cmd := range []*cobra.Command{acquireCmd, updateCmd} {
		cmd.Flags().DurationVar(&lockTTL, "ttl", 30*time.Second, util.WrapString("How long the lock is held without an update"))
		cmd.Flags().StringVar(&lockValue, "value", "", util.WrapString("Value stored with the lock"))
	}
	acquireCmd.Flags().StringVar(&lockOwner, "owner", "", util.WrapString("Owner ID as hex string, a random one is generated if empty"))
}

// setupLockClient initializes the range client
func setupLockClient(cmd *cobra.Command, _ []string) (err error) {
	rangeClient, err = util.NewClient(cmd)
	return err
}

// runAcquire handles the acquire lock command
func runAcquire(_ *cobra.Command, args []string) error {
	key, err := util.ParseBytes(args[0])
	if err != nil {
		return err
	}

	var ownerID []byte
	if lockOwner != "" {
		if ownerID, err = hex.DecodeString(lockOwner); err != nil {
			return fmt.Errorf("invalid owner ID format: %v", err)
		}
	} else if ownerID, err = client.NewOwnerID(); err != nil {
		return err
	}

	// Attempt to acquire the lock
	err = rangeClient.Lock(key, ownerID, []byte(lockValue), lockTTL)
	if rangeerr.Is(err, rangeerr.CodeLockHeld) {
		fmt.Printf("acquired=false\n")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %v", err)
	}

	// Convert owner ID to hex string for display
	fmt.Printf("acquired=true, ownerId=%s\n", hex.EncodeToString(ownerID))
	return nil
}

// runUpdate handles the update lock command
func runUpdate(_ *cobra.Command, args []string) error {
	key, ownerID, err := parseKeyOwner(args)
	if err != nil {
		return err
	}
	if err := rangeClient.LockUpdate(key, ownerID, []byte(lockValue), lockTTL); err != nil {
		return fmt.Errorf("failed to update lock: %v", err)
	}
	fmt.Printf("updated=true\n")
	return nil
}

// runRelease handles the release lock command
func runRelease(_ *cobra.Command, args []string) error {
	key, ownerID, err := parseKeyOwner(args)
	if err != nil {
		return err
	}

	// Attempt to release the lock
	err = rangeClient.Unlock(key, ownerID)
	if rangeerr.Is(err, rangeerr.CodeLockNotOwner) || rangeerr.Is(err, rangeerr.CodeNotFound) {
		fmt.Printf("released=false (%v)\n", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released=true\n")
	return nil
}

// runForceRelease handles the force-release lock command
func runForceRelease(_ *cobra.Command, args []string) error {
	key, err := util.ParseBytes(args[0])
	if err != nil {
		return err
	}
	if err := rangeClient.UnlockForce(key); err != nil {
		return fmt.Errorf("failed to release lock: %v", err)
	}
	fmt.Printf("released=true\n")
	return nil
}

func parseKeyOwner(args []string) ([]byte, []byte, error) {
	key, err := util.ParseBytes(args[0])
	if err != nil {
		return nil, nil, err
	}
	// Convert hex string owner ID back to bytes
	ownerID, err := hex.DecodeString(args[1])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid owner ID format: %v", err)
	}
	return key, ownerID, nil
}
