// Package common holds what the server, the client and the command line of
// drange share.
//
// Key Components:
//
//   - Message: the single request and response structure of every RPC. Error
//     responses keep the structured payload of a *rangeerr.Error (code,
//     leader, current epoch and range, sibling range) so that clients can
//     refresh their routing and retry.
//
//   - MessageType: the operations a range serves, grouped into key-value,
//     raw and row, lock, watch and range administration messages.
//
//   - ServerConfig: everything `drange serve` is configured with. It converts
//     to the dragonboat Config of a range, to the NodeHostConfig and to the
//     node.Config of the range host.
//
//   - ClientConfig: endpoints, timeout and retry behaviour of a client.
//
//   - Logger: a dragonboat logger factory with the format `LEVEL | pkg | msg`.
//     InitLoggers installs it and sets the level of every logger.
package common
