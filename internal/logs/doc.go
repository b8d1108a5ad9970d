// Package logs reads the daemon log file for the `storesync logs` command.
//
// Last returns the trailing lines with bounded memory, and Follow polls for
// appended lines until its context is cancelled. Both tolerate the file being
// absent or replaced, which happens when the daemon restarts and repoints
// storesync.log at a new run's file.
package logs
