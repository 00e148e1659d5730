package server

import (
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/ValentinKolb/dRange/lib/meta/metastore"
	"github.com/ValentinKolb/dRange/lib/node"
	"github.com/ValentinKolb/dRange/lib/replica/raft"
	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/serializer"
	"github.com/ValentinKolb/dRange/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
	}
}

// RPCServer hosts the ranges of one node and serves them over a transport
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer

	metas    *metastore.PebbleStore
	nodeHost *dragonboat.NodeHost
	node     *node.Node
	handler  *Handler
	metrics  *http.Server

	stopOnce sync.Once
}

// registerTransportHandler decodes requests, lets the handler process them
// and encodes the responses
func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(rangeID uint64, req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = &common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to deserialize request: %s", err),
			}
		} else {
			respMsg = s.handler.Handle(rangeID, &msg)
		}

		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			Logger.Errorf("failed to serialize response to %s: %v", msg.MsgType, err)
			val, _ = s.serializer.Serialize(common.Message{
				MsgType: common.MsgTError,
				Err:     fmt.Sprintf("failed to serialize response: %s", err),
			})
		}
		return val
	})
}

func (s *RPCServer) init() error {
	// Init logger
	common.InitLoggers(s.config)

	if err := s.config.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	metas, err := metastore.OpenPebble(filepath.Join(s.config.DataDir, "meta"), nil)
	if err != nil {
		return errors.Wrap(err, "open meta store")
	}
	s.metas = metas

	// Create the Dragonboat NodeHost, leader changes of all ranges go to the listener
	listener := raft.NewLeaderListener()
	nodeHost, err := dragonboat.NewNodeHost(s.config.ToNodeHostConfig(listener))
	if err != nil {
		return errors.Wrap(err, "failed to create node host")
	}
	s.nodeHost = nodeHost

	factory := raft.NewFactory(nodeHost, listener, raft.FactoryConfig{
		Base:            s.config.ToDragonboatConfig(0),
		Members:         s.config.ClusterMembers,
		ProposalTimeout: s.config.Timeout(),
	})

	// Reopen the persisted ranges, then create the configured ones this node does not host yet
	s.node = node.New(s.config.ToNodeConfig(), metas, factory)
	if err := s.node.Start(); err != nil {
		return errors.Wrap(err, "start node")
	}
	for _, spec := range s.config.Ranges {
		if _, ok := s.node.Replica(spec.ID); ok {
			continue
		}
		rng := spec.ToRange(s.config.ClusterMembers)
		if _, err := s.node.CreateRange(rng, s.config.InitialLeader); err != nil {
			return errors.Wrapf(err, "create range %s", spec)
		}
		Logger.Infof("created range %s", rng)
	}

	s.handler = NewHandler(s.node, s.config.Timeout())
	s.serveMetrics()

	Logger.Infof("dRange node %d setup completed successfully", s.config.ReplicaID)

	// Configure the transport layer
	s.registerTransportHandler()
	return nil
}

// serveMetrics exposes the node metrics in the prometheus text format
func (s *RPCServer) serveMetrics() {
	if s.config.MetricsEndpoint == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.node.Metrics().Handler())
	s.metrics = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}
	go func() {
		Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics server failed: %v", err)
		}
	}()
}

// Serve starts the RPC server
// This function will also initialize the node plus the ranges and start the transport layer.
// It blocks until the transport is closed by Stop.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		s.Stop()
		return err
	}
	return s.transport.Listen(s.config)
}

// Stop closes the transport and shuts down every range. Data stays on disk.
func (s *RPCServer) Stop() {
	s.stopOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			Logger.Warningf("failed to close transport: %v", err)
		}
		if s.metrics != nil {
			_ = s.metrics.Close()
		}
		if s.node != nil {
			s.node.Stop()
		}
		if s.nodeHost != nil {
			s.nodeHost.Close()
		}
		if s.metas != nil {
			if err := s.metas.Close(); err != nil {
				Logger.Warningf("failed to close meta store: %v", err)
			}
		}
		Logger.Infof("dRange node %d stopped", s.config.ReplicaID)
	})
}
