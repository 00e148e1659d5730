package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dRange/cmd/util"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dRange node",
		Long:    `Start a dRange node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRANGE_<flag> (e.g. DRANGE_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "ranges"
	ServeCmd.PersistentFlags().String(key, "1:1:-", cmdUtil.WrapString("Comma-separated list of ranges this node hosts from the start. Format: id:table:startHex-endHex, an empty end is unbounded. Ranges already stored in the data dir are reopened in any case"))

	key = "replica-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("ReplicaID is the node id of this NodeHost instance. It must be one of the cluster members"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "1=localhost:63001", cmdUtil.WrapString("ClusterMembers is a comma-separated list of raft addresses in the format '1=localhost:63001,2=localhost:63002,...'. Every range has a replica on every member"))

	key = "initial-leader"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Node id that leads freshly created ranges, 0 lets raft elect a leader"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Election and heartbeat timing is derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 10000, cmdUtil.WrapString("SnapshotEntries defines how often a range is snapshotted automatically, in applied raft log entries. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 5000, cmdUtil.WrapString("CompactionOverhead defines how many raft log entries are kept after a snapshot"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir holds the raft logs, the range engines and the meta store"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, "pebble", cmdUtil.WrapString("Storage engine of the ranges (pebble, memory)"))

	key = "heartbeat-interval-ms"
	ServeCmd.PersistentFlags().Int64(key, 10000, cmdUtil.WrapString("Interval in milliseconds at which range leaders report their state"))

	key = "sweep-interval-ms"
	ServeCmd.PersistentFlags().Int64(key, 1000, cmdUtil.WrapString("Interval in milliseconds at which expired requests are answered with a timeout"))

	key = "watch-capacity"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum number of watched keys per node, 0 is unlimited"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of proposals and watch long polls"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080 for tcp, /tmp/drange.sock for unix)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Number of requests processed concurrently per client connection"))

	key = "buffer-size"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("Size of the request read buffer in KB"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (only for tcp)"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("The linger time in seconds (only for tcp, negative keeps the os default)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the prometheus metrics endpoint (e.g. localhost:9100), empty disables it"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse ranges
	serveCmdConfig.Ranges = nil
	for _, spec := range strings.Split(viper.GetString("ranges"), ",") {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		rng, err := common.ParseRangeSpec(spec)
		if err != nil {
			return err
		}
		serveCmdConfig.Ranges = append(serveCmdConfig.Ranges, rng)
	}

	// parse cluster members
	members, err := common.ParseClusterMembers(viper.GetString("cluster-members"))
	if err != nil {
		return err
	}
	serveCmdConfig.ClusterMembers = members

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.ReplicaID = viper.GetUint64("replica-id")
	serveCmdConfig.InitialLeader = viper.GetUint64("initial-leader")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.Engine = viper.GetString("engine")
	serveCmdConfig.HeartbeatIntervalMs = viper.GetInt64("heartbeat-interval-ms")
	serveCmdConfig.SweepIntervalMs = viper.GetInt64("sweep-interval-ms")
	serveCmdConfig.WatchCapacity = viper.GetInt("watch-capacity")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:        viper.GetString("endpoint"),
		WorkersPerConn:  viper.GetInt("workers-per-conn"),
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}

	if !common.ValidLogLevel(serveCmdConfig.LogLevel) {
		return fmt.Errorf("invalid log level %q", serveCmdConfig.LogLevel)
	}
	return serveCmdConfig.Validate()
}

// run starts the dRange node and stops it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport(viper.GetInt("buffer-size") * 1024)
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(*serveCmdConfig, t, s)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	done := make(chan error, 1)
	go func() { done <- serv.Serve() }()

	select {
	case err := <-done:
		serv.Stop()
		return err
	case sig := <-signals:
		fmt.Printf("received %s, shutting down\n", sig)
		serv.Stop()
		return <-done
	}
}
