// Package supervisor runs one worker per active account inside the daemon
// process and keeps them alive.
//
// The supervisor holds a file lock so only one instance runs against a
// state directory. Each worker runs in its own goroutine; a crash (panic or
// unexpected return) is restarted with bounded exponential backoff. When a
// worker crashes more than max_restarts times inside restart_window it is
// abandoned and the operator is notified; other accounts keep running. The
// supervisor also owns the stuck-item reconciler.
package supervisor
