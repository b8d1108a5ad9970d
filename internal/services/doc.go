// Package services defines shared utilities consumed by the upload worker and
// the platform integrations.
//
// Key responsibilities:
//   - Context helpers that stamp queue item IDs, account names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so the worker can tell a
//     retryable upload failure from a permanent rejection.
package services
