// Package transport defines the interfaces for RPC communication between
// dRange clients and nodes. All transport implementations fulfill the same
// contract, so clients and servers are protocol agnostic.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Routing requests by range id
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to appropriate handlers.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
package transport
