// Package store provides durable, TTL-bounded session persistence for
// chat-gateway, backed by SQLite.
//
// # Consistency model
//
// Every session carries a monotonically increasing version. All mutations go
// through Commit, which re-reads the record, verifies the caller's expected
// version, applies the mutator, trims history to the cap, bumps the version,
// and refreshes the TTL — atomically. Two concurrent commits against the same
// expected version cannot both succeed; the loser gets ErrVersionConflict and
// must re-read. This is the single point of truth for concurrency safety:
// callers never need an external lock.
//
// # TTL semantics
//
// The TTL is refreshed only on write. Get returns a snapshot without touching
// the expiry, so reads alone never keep an idle session alive. An expired
// session reports ErrNotFound immediately; a background sweep reclaims the
// rows later. Expiry by inactivity is a normal outcome, not a fault.
//
// # Indexes
//
// device_index maps a guest device to its active session (best effort; the
// session row stays authoritative for ownership). user_sessions is a
// secondary index maintained transactionally with session writes, so listing
// a user's sessions never scans the key space.
package store
