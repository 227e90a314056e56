// ABOUTME: Per-identity request throttling for the HTTP gateway.

// Package ratelimit caps how many chat requests a single device or user
// may send within a fixed window. Guests are keyed by device ID, users
// by user ID.
package ratelimit
