// Package schedule assigns scheduled times to queue items.
//
// A Scheduler groups work by account, choosing the least-loaded active
// account of a platform when the caller did not name one, then spreads each
// account's items evenly across the business-hours window, at most
// daily_limit per account and calendar day. Items that do not fit roll into
// the following days. Planning is pure; Apply persists a plan and Preview
// reports per-day counts without writing anything.
//
// Items that already have a scheduled time are never moved.
package schedule
