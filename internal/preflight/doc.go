// Package preflight provides readiness checks for the paths, credentials, and
// platform endpoints storesync depends on.
//
// `storesync config validate --check` runs them before an operator starts the
// daemon, so a missing token or an unreachable platform shows up as one line
// of output instead of a worker crash loop.
package preflight
