// ABOUTME: HTTP gateway exposing the chat service to clients.
// ABOUTME: Wires configuration into the store, bus, engine, and handlers.

// Package gateway is the composition root. It builds every component
// from configuration, registers the HTTP routes, and owns startup and
// graceful shutdown.
//
// Routes:
//
//	POST   /api/chat/message          one conversation turn
//	GET    /api/chat/session/{id}     session snapshot with history
//	DELETE /api/chat/session/{id}     end a session ahead of its TTL
//	GET    /api/chat/sessions         list the caller's sessions (auth)
//	POST   /api/chat/session/upgrade  claim a guest session (auth)
//	POST   /api/auth/login            exchange credentials for a token
//	GET    /health, /health/ready     liveness and readiness probes
package gateway
