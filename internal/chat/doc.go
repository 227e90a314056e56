// ABOUTME: Conversation orchestration: turns, session resolution, upgrades.
// ABOUTME: Composes the store, bus, and engine into one logical turn.

// Package chat drives the conversation flow. A turn resolves or creates
// the caller's session, verifies ownership, records the user message,
// asks the reasoning engine, records the reply, and mirrors both sides
// onto the event bus. Session mutation is serialized by the store's
// version check; this package only decides when to retry.
package chat
