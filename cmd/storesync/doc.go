// Package main hosts the storesync CLI entrypoint and command graph.
//
// Daemon lifecycle commands (start, stop, status, restart) talk to the
// background process over the IPC socket. Queue and enqueue commands open the
// SQLite store directly, so they work whether or not the daemon is running.
package main
