// ABOUTME: In-process event bus with per-key ordered dispatch and fan-out.
// ABOUTME: Publishing never blocks; overflow is counted and dropped.

// Package bus carries conversation events between the chat service and
// its consumers. Events published with the same key land on the same
// worker shard and are delivered in publish order; events with different
// keys may interleave. Delivery is at-least-once from the publisher's
// point of view: a consumer that fails to persist an event sees it again
// only if the producer republishes, so consumers must tolerate duplicate
// message IDs.
package bus
