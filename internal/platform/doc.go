// Package platform defines the contract workers use to create listings on a
// destination storefront platform and provides the HTTP implementation.
//
// Errors returned by clients are tagged with the services sentinels so the
// worker can tell retryable failures (timeouts, rate limits, server errors)
// from permanent ones (rejected payloads). A server-provided Retry-After is
// attached with services.WithRetryAfter.
package platform
