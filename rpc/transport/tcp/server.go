package tcp

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dRange/rpc/common"
	"github.com/ValentinKolb/dRange/rpc/transport"
	"github.com/ValentinKolb/dRange/rpc/transport/base"
)

const (
	defaultBufferSize = 512 * 1024 // 512 KB
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", config.Transport.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	t := config.Transport
	return upgrade(conn, t.TCPNoDelay, t.TCPKeepAliveSec, t.TCPLingerSec, t.WriteBufferSize, t.ReadBufferSize)
}

// upgrade applies the socket options shared by client and server
func upgrade(conn net.Conn, noDelay bool, keepAliveSec, lingerSec, writeBuffer, readBuffer int) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(noDelay); err != nil {
		return err
	}

	// Set socket buffer sizes if configured
	if writeBuffer > 0 {
		if err := tcpConn.SetWriteBuffer(writeBuffer); err != nil {
			return err
		}
	}
	if readBuffer > 0 {
		if err := tcpConn.SetReadBuffer(readBuffer); err != nil {
			return err
		}
	}

	// Enable TCP keep-alive if configured
	if keepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(keepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	// Set TCP linger option if configured
	if lingerSec >= 0 {
		if err := tcpConn.SetLinger(lingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPDefaultServerTransport creates a new TCP server transport with default buffer size
func NewTCPDefaultServerTransport() transport.IRPCServerTransport {
	return NewTCPServerTransport(defaultBufferSize)
}

// NewTCPServerTransport creates a new TCP server transport with the specified buffer size
func NewTCPServerTransport(bufferSize int) transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{}, bufferSize)
}
