// ABOUTME: HTTP API handlers for the chat surface: turns, sessions, login, upgrade.
// ABOUTME: Guests identify by device ID; users by bearer token.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/trovia/chat-gateway/internal/auth"
	"github.com/trovia/chat-gateway/internal/chat"
	"github.com/trovia/chat-gateway/internal/store"
)

// deviceHeader carries the guest device identity on requests without a
// JSON body.
const deviceHeader = "X-Device-ID"

// ChatMessageRequest is the JSON request body for POST /api/chat/message.
type ChatMessageRequest struct {
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Message   string `json:"message"`
}

// ChatMessageResponse is the JSON response for POST /api/chat/message.
type ChatMessageResponse struct {
	MessageID  string           `json:"message_id"`
	SessionID  string           `json:"session_id"`
	UserMsg    string           `json:"user_message"`
	AIResponse string           `json:"ai_response"`
	Products   []map[string]any `json:"products"`
	Intent     string           `json:"intent,omitempty"`
	Timestamp  string           `json:"timestamp"`
}

// SessionInfoResponse is the JSON response for GET /api/chat/session/{id}.
type SessionInfoResponse struct {
	SessionID    string            `json:"session_id"`
	OwnerKind    string            `json:"owner_kind"`
	CreatedAt    string            `json:"created_at"`
	LastActivity string            `json:"last_activity"`
	Claimed      bool              `json:"claimed"`
	Messages     []MessageResponse `json:"messages"`
}

// MessageResponse is one history entry within a session response.
type MessageResponse struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp string           `json:"timestamp"`
	Products  []map[string]any `json:"products,omitempty"`
	Intent    string           `json:"intent,omitempty"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/auth/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UpgradeRequest is the JSON request body for POST /api/chat/session/upgrade.
type UpgradeRequest struct {
	SessionID string `json:"session_id"`
}

// UpgradeResponse is the JSON response for POST /api/chat/session/upgrade.
type UpgradeResponse struct {
	SessionID            string `json:"session_id"`
	Claimed              bool   `json:"claimed"`
	AlreadyClaimedBySelf bool   `json:"already_claimed_by_self"`
}

// ListSessionsResponse is the JSON response for GET /api/chat/sessions.
type ListSessionsResponse struct {
	SessionIDs []string `json:"session_ids"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/chat/message", g.handleChatMessage)
	mux.HandleFunc("/api/chat/session/upgrade", g.handleUpgrade)
	mux.HandleFunc("/api/chat/session/", g.handleSession)
	mux.HandleFunc("/api/chat/sessions", g.handleListSessions)
	mux.HandleFunc("/api/auth/login", g.handleLogin)
}

// handleChatMessage handles POST /api/chat/message, one conversation turn.
func (g *Gateway) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ChatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	caller, ok := g.identify(w, r, req.DeviceID)
	if !ok {
		return
	}

	if !g.limiter.Allow(caller.String()) {
		g.sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
		return
	}

	result, err := g.chat.SendMessage(r.Context(), chat.TurnRequest{
		SessionID: req.SessionID,
		Caller:    caller,
		Message:   req.Message,
	})
	if err != nil {
		g.sendTurnError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, ChatMessageResponse{
		MessageID:  result.AssistantMessage.ID,
		SessionID:  result.SessionID,
		UserMsg:    result.UserMessage.Content,
		AIResponse: result.AssistantMessage.Content,
		Products:   result.Products,
		Intent:     result.Intent,
		Timestamp:  result.Timestamp.Format(time.RFC3339),
	})
}

// handleSession handles GET and DELETE on /api/chat/session/{id}.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/chat/session/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid session path")
		return
	}

	caller, ok := g.identify(w, r, r.Header.Get(deviceHeader))
	if !ok {
		return
	}

	sess, err := g.chat.Info(r.Context(), sessionID)
	if err != nil {
		g.sendTurnError(w, err)
		return
	}
	if !sess.Owner.Matches(caller) {
		g.sendJSONError(w, http.StatusForbidden, "session belongs to another identity")
		return
	}

	switch r.Method {
	case http.MethodGet:
		g.sendJSON(w, http.StatusOK, sessionInfo(sess))
	case http.MethodDelete:
		if err := g.chat.End(r.Context(), sessionID); err != nil {
			g.sendTurnError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListSessions handles GET /api/chat/sessions for authenticated users.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	ids, err := g.store.ListUserSessions(r.Context(), userID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "listing sessions failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	g.sendJSON(w, http.StatusOK, ListSessionsResponse{SessionIDs: ids})
}

// handleUpgrade handles POST /api/chat/session/upgrade: an authenticated
// user claims the guest session they were chatting in before login.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, ok := g.requireUser(w, r)
	if !ok {
		return
	}

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := g.upgrader.Claim(r.Context(), req.SessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, store.ErrAlreadyClaimed):
			g.sendJSONError(w, http.StatusConflict, "session already claimed by another user")
		default:
			g.logger.Error("claim failed", "session_id", req.SessionID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "claim failed")
		}
		return
	}

	g.sendJSON(w, http.StatusOK, UpgradeResponse{
		SessionID:            result.Session.ID,
		Claimed:              result.Claimed,
		AlreadyClaimedBySelf: result.AlreadyClaimedBySelf,
	})
}

// handleLogin handles POST /api/auth/login and returns a bearer token.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userID, ok := g.authenticate(req.Username, req.Password)
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "incorrect username or password")
		return
	}

	token, err := g.authority.Issue(userID)
	if err != nil {
		g.logger.Error("token issuance failed", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}

	g.sendJSON(w, http.StatusOK, LoginResponse{AccessToken: token, TokenType: "bearer"})
}

// authenticate checks login credentials. There is no user database yet:
// a single demo account backs the login flow.
// TODO: replace with a real credential store once accounts land.
func (g *Gateway) authenticate(username, password string) (string, bool) {
	if username == "testuser" && password == "testpass" {
		return "user_123", true
	}
	return "", false
}

// identify derives the caller's identity: a valid bearer token wins, an
// invalid one is rejected, and with no token the device ID makes a guest.
// Writes the error response itself when the second return is false.
func (g *Gateway) identify(w http.ResponseWriter, r *http.Request, deviceID string) (store.Owner, bool) {
	if token, present := auth.BearerToken(r); present {
		userID, err := g.authority.Verify(token)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return store.Owner{}, false
		}
		return store.UserOwner(userID), true
	}

	if deviceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "device_id is required for guest requests")
		return store.Owner{}, false
	}
	return store.GuestOwner(deviceID), true
}

// requireUser is identify for endpoints that do not serve guests.
func (g *Gateway) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, present := auth.BearerToken(r)
	if !present {
		g.sendJSONError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	userID, err := g.authority.Verify(token)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or expired token")
		return "", false
	}
	return userID, true
}

// sendTurnError maps chat and store errors onto HTTP statuses.
func (g *Gateway) sendTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrOwnershipMismatch):
		g.sendJSONError(w, http.StatusForbidden, "session belongs to another identity")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrVersionConflict):
		// Retries exhausted; the client can safely resend.
		g.sendJSONError(w, http.StatusConflict, "session busy, please retry")
	default:
		g.logger.Error("turn failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// infoMessageWindow caps how much history the session info endpoint returns.
const infoMessageWindow = 20

func sessionInfo(sess *store.Session) SessionInfoResponse {
	recent := sess.Recent(infoMessageWindow)
	msgs := make([]MessageResponse, 0, len(recent))
	for _, m := range recent {
		msgs = append(msgs, MessageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp.Format(time.RFC3339),
			Products:  m.Products,
			Intent:    m.Intent,
		})
	}
	return SessionInfoResponse{
		SessionID:    sess.ID,
		OwnerKind:    string(sess.Owner.Kind),
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
		LastActivity: sess.LastActivity.Format(time.RFC3339),
		Claimed:      sess.ClaimedAt != nil,
		Messages:     msgs,
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
