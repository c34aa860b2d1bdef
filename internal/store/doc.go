// ABOUTME: Package documentation for the store package
// ABOUTME: Explains the persistence contract and its concurrency guarantees

// Package store defines the persistence contract for the chat hub and
// provides SQLite and in-memory implementations.
//
// The hub orchestrates this interface but never embeds storage logic. Two
// operations carry the concurrency guarantees the rest of the system leans
// on:
//
//   - ClaimConversation is a compare-and-set: a single conditional UPDATE
//     assigns an agent only while the slot is null. Concurrent claimers are
//     arbitrated by the database, not by in-process locks, so the guarantee
//     holds across multiple hub instances sharing one database.
//
//   - AppendMessage assigns the per-conversation sequence number inside the
//     insert statement, making the message order strict and immutable. A
//     caller-supplied client message id deduplicates retries: replays return
//     the original row with Duplicate=true.
//
// first_response_at is write-if-null and set at most once per conversation.
//
// MemoryStore mirrors these semantics behind a mutex and is only correct for
// a single process; it backs unit tests and development deployments.
package store
