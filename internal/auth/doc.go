// ABOUTME: Bearer-token authentication for the HTTP gateway.
// ABOUTME: Guests carry no token; users carry an HS256 JWT.

// Package auth issues and verifies the JWT credentials that distinguish
// authenticated users from anonymous guests. Authentication is optional
// on the chat surface and required only for login-gated operations like
// claiming a session.
package auth
