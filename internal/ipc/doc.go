// Package ipc exposes the supervisor over JSON-RPC on a Unix socket and ships
// the matching client used by the CLI.
//
// Only control operations travel over the socket. Queue inspection and
// maintenance commands open the SQLite store directly, so they work whether
// or not the daemon is running.
package ipc
