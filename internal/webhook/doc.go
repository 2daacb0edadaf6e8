// Package webhook implements the outbound HTTP job queue used by
// automation actions: template interpolation of URL, headers, and JSON
// body against the triggering context, delivery through an injectable HTTP
// client, and bounded exponential-backoff retry.
//
// The queue is in-memory and single-process. Concurrent ProcessQueue
// callers share one in-flight run - the second caller waits for and
// receives the first run's result instead of starting a duplicate pass.
// That sharing is the queue's primary concurrency safety device.
package webhook
