// ABOUTME: Adapter for the external reasoning engine.
// ABOUTME: One bounded attempt per question; failure yields the fallback reply.

// Package engine wraps the external reasoning service behind a small
// client. The client never returns errors: a turn that cannot get a real
// answer gets the fixed fallback reply instead, and the caller records it
// like any other reply.
package engine
