// Package worker runs the per-account upload loop.
//
// A Worker polls the queue for its account's due items, claims a batch, and
// uploads the items one at a time through the platform client with a
// minimum spacing between calls. Transient failures are rescheduled with
// capped exponential backoff until the retry limit; permanent failures fail
// the item immediately. Workers never execute outside the business-hours
// window and never abort an in-flight platform call on shutdown.
package worker
