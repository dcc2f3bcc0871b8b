// Package notifier delivers watchdog alerts to operators.
//
// Delivery is asynchronous: a bounded queue feeds a small worker pool that
// applies a token-bucket rate limit, retries with jittered backoff and drops
// duplicate texts inside a dedup window (optionally persisted to storage so
// the window survives restarts).
//
// Sink adapts the service to the watchdog's single-method notification
// interface and falls back to a direct send while the pipeline is disabled.
package notifier
