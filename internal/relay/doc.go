// ABOUTME: Package documentation for the relay package
// ABOUTME: States the delivery and idempotence guarantees

// Package relay moves chat messages between connections.
//
// Delivery is persist-first: a message gets its sequence number from the
// store before any client sees it, so the log's total order is decided by
// the database, never by goroutine scheduling. Retries carrying the same
// client message id are acked with the original row and fan out nothing.
// Typing indicators are the one exception to persistence: they are volatile,
// TTL-bounded, and shed first under backpressure.
package relay
