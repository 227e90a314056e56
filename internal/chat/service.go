// ABOUTME: Conversation service driving one user turn end to end.
// ABOUTME: Resolves the session, calls the engine, and commits both messages.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/trovia/chat-gateway/internal/bus"
	"github.com/trovia/chat-gateway/internal/engine"
	"github.com/trovia/chat-gateway/internal/store"
)

// Bus topics mirroring each side of a turn to downstream consumers.
const (
	TopicRequests  = "chat-requests"
	TopicResponses = "chat-responses"
)

const (
	maxMessageLen = 1000

	// defaultCommitRetries bounds how many times a turn re-reads and retries
	// after a version conflict before giving up as transient. Used when the
	// constructor is handed a non-positive budget.
	defaultCommitRetries = 3
)

var (
	// ErrInvalidMessage rejects empty or over-length user input.
	ErrInvalidMessage = errors.New("message must be between 1 and 1000 characters")

	// ErrOwnershipMismatch rejects a caller whose identity does not match
	// the session owner. Never reassigns ownership.
	ErrOwnershipMismatch = errors.New("session belongs to another identity")
)

// Engine answers one user message given recent conversation context.
type Engine interface {
	Ask(ctx context.Context, sessionID, message string, history []engine.Turn) engine.Reply
}

// Publisher mirrors turn events to downstream consumers. Fire-and-forget:
// the service never learns whether anyone received them.
type Publisher interface {
	Publish(topic, key string, event bus.Event)
}

// TurnRequest is one inbound user message. SessionID is optional; when
// empty the session is derived from the caller's identity (device index
// for guests) or freshly created.
type TurnRequest struct {
	SessionID string
	Caller    store.Owner
	Message   string
}

// TurnResult is what the caller gets back from a completed turn.
type TurnResult struct {
	SessionID        string
	UserMessage      store.Message
	AssistantMessage store.Message
	Products         []map[string]any
	Intent           string
	Timestamp        time.Time
}

// Service orchestrates conversation turns. All session mutation goes
// through the store's versioned commit, so concurrent turns on the same
// session contend there rather than losing updates.
type Service struct {
	sessions      store.SessionStore
	devices       store.DeviceIndex
	engine        Engine
	bus           Publisher
	historyWindow int
	commitRetries int
	requestTopic  string
	replyTopic    string
	logger        *slog.Logger
}

func NewService(sessions store.SessionStore, devices store.DeviceIndex, eng Engine, publisher Publisher, historyWindow, commitRetries int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if commitRetries <= 0 {
		commitRetries = defaultCommitRetries
	}
	return &Service{
		sessions:      sessions,
		devices:       devices,
		engine:        eng,
		bus:           publisher,
		historyWindow: historyWindow,
		commitRetries: commitRetries,
		requestTopic:  TopicRequests,
		replyTopic:    TopicResponses,
		logger:        logger.With("component", "chat"),
	}
}

// SetTopics overrides the bus topics the service publishes to.
func (s *Service) SetTopics(requests, responses string) {
	s.requestTopic = requests
	s.replyTopic = responses
}

// SendMessage runs one turn: resolve the session, check ownership, append
// the user message, ask the engine, append its reply, and return both.
// The engine call can only degrade to the fallback reply, never fail the
// turn; bus publishes are fire-and-forget.
func (s *Service) SendMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" || utf8.RuneCountInString(msg) > maxMessageLen {
		return nil, ErrInvalidMessage
	}

	sess, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if !sess.Owner.Matches(req.Caller) {
		s.logger.Warn("rejected turn for foreign session",
			"session_id", sess.ID,
			"owner", sess.Owner.String(),
			"caller", req.Caller.String())
		return nil, ErrOwnershipMismatch
	}

	userMsg := store.Message{
		ID:        uuid.New().String(),
		Role:      store.RoleUser,
		Content:   msg,
		Timestamp: time.Now().UTC(),
	}
	sess, err = s.commitWithRetry(ctx, sess.ID, sess.Version, func(cur *store.Session) error {
		cur.Append(userMsg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(s.requestTopic, sess, userMsg)

	reply := s.engine.Ask(ctx, sess.ID, msg, s.historyBefore(sess, userMsg.ID))
	if reply.Fallback() {
		s.logger.Warn("turn degraded to fallback reply", "session_id", sess.ID)
	}

	assistantMsg := store.Message{
		ID:        uuid.New().String(),
		Role:      store.RoleAssistant,
		Content:   reply.Response,
		Timestamp: time.Now().UTC(),
		Products:  reply.Products,
		Intent:    reply.Intent,
	}
	sess, err = s.commitWithRetry(ctx, sess.ID, sess.Version, func(cur *store.Session) error {
		cur.Append(assistantMsg)
		if reply.Intent != "" {
			cur.MergeContext(map[string]any{"last_intent": reply.Intent})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(s.replyTopic, sess, assistantMsg)

	s.logger.Info("turn completed",
		"session_id", sess.ID,
		"intent", reply.Intent,
		"products", len(reply.Products))

	return &TurnResult{
		SessionID:        sess.ID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Products:         reply.Products,
		Intent:           reply.Intent,
		Timestamp:        assistantMsg.Timestamp,
	}, nil
}

// resolve finds the session this turn belongs to. An explicit identifier
// wins; a guest without one gets their device's bound session; anything
// unresolvable starts fresh. Expiry is a normal outcome here, not an
// error: the caller just gets a new session.
func (s *Service) resolve(ctx context.Context, req TurnRequest) (*store.Session, error) {
	if req.SessionID != "" {
		sess, err := s.sessions.Get(ctx, req.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		s.logger.Info("supplied session gone, starting fresh", "session_id", req.SessionID)
	}

	if req.Caller.IsGuest() {
		if sid, err := s.devices.Resolve(ctx, req.Caller.ID); err == nil {
			if sess, err := s.sessions.Get(ctx, sid); err == nil {
				// The binding goes stale when the session it points at was
				// claimed by a user. The index is never authoritative, so a
				// stale entry just means the guest starts fresh.
				if sess.Owner.Matches(req.Caller) {
					return sess, nil
				}
				s.logger.Info("device binding points at claimed session, starting fresh",
					"device_id", req.Caller.ID,
					"session_id", sess.ID)
			}
		}
	}

	sess, err := s.sessions.Create(ctx, req.Caller)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	if req.Caller.IsGuest() {
		// Best effort. A lost binding only costs the guest a new session
		// on their next request; the session record stays intact.
		if err := s.devices.Bind(ctx, req.Caller.ID, sess.ID); err != nil {
			s.logger.Warn("device bind failed",
				"device_id", req.Caller.ID,
				"session_id", sess.ID,
				"error", err)
		}
	}

	return sess, nil
}

// commitWithRetry applies the mutator through the store's versioned commit,
// re-reading and retrying on conflict only. NotFound mid-turn means the
// session expired under us and is surfaced immediately.
func (s *Service) commitWithRetry(ctx context.Context, sessionID string, version int64, mutate store.Mutator) (*store.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessions.Commit(ctx, sessionID, version, mutate)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= s.commitRetries {
			return nil, fmt.Errorf("committing turn: %w", err)
		}

		fresh, rerr := s.sessions.Get(ctx, sessionID)
		if rerr != nil {
			return nil, fmt.Errorf("re-reading after conflict: %w", rerr)
		}
		version = fresh.Version

		s.logger.Debug("version conflict, retrying commit",
			"session_id", sessionID,
			"attempt", attempt+1,
			"version", version)
	}
}

// historyBefore returns the last historyWindow messages preceding the
// message with the given ID, as engine context.
func (s *Service) historyBefore(sess *store.Session, messageID string) []engine.Turn {
	msgs := sess.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == messageID {
			msgs = msgs[:i]
			break
		}
	}
	if len(msgs) > s.historyWindow {
		msgs = msgs[len(msgs)-s.historyWindow:]
	}

	turns := make([]engine.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, engine.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func (s *Service) publish(topic string, sess *store.Session, msg store.Message) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, sess.ID, bus.Event{
		MessageID: msg.ID,
		SessionID: sess.ID,
		Owner:     sess.Owner,
		Role:      msg.Role,
		Content:   msg.Content,
		Products:  msg.Products,
		Intent:    msg.Intent,
		Timestamp: msg.Timestamp,
	})
}

// Info returns a session snapshot for inspection endpoints.
func (s *Service) Info(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// End deletes a session immediately, ahead of its TTL.
func (s *Service) End(ctx context.Context, sessionID string) error {
	return s.sessions.Delete(ctx, sessionID)
}
