// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults for every policy
// constant (session TTL, history cap, engine timeout, rate limits).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  ttl: "30m"
//	engine:
//	  timeout: "30s"
//	rate_limit:
//	  window: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/chat-gateway/sessions.db"
//
//	session:
//	  ttl: "30m"          # inactivity window before a session is gone
//	  message_cap: 50     # bounded history, oldest evicted first
//	  history_window: 10  # messages sent to the AI engine per turn
//	  commit_retries: 3   # bounded retries on version conflict
//
//	engine:
//	  url: "http://localhost:5000/api/chat"
//	  api_key: "${CHAT_ENGINE_KEY}"
//	  timeout: "30s"
//
//	bus:
//	  queue_size: 256
//	  workers: 4
//	  request_topic: "chat-requests"
//	  reply_topic: "chat-responses"
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"  # min 32 bytes
//	  token_ttl: "30m"
//
//	rate_limit:
//	  max_requests: 10
//	  window: "1m"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
