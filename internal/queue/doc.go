// Package queue persists upload work items in SQLite and owns every state
// transition an item goes through.
//
// Items move pending -> scheduled -> uploading -> success|failed. ClaimDue is
// the only way into uploading and is exclusive across concurrent callers;
// later transitions out of uploading must present the claim token the item
// was claimed with, so a worker that lost its item to the stuck-item
// reconciler receives ErrClaimConflict instead of overwriting newer state.
//
// Timestamps are stored as fixed-width UTC strings so due and stuck checks
// can compare them directly in SQL.
package queue
