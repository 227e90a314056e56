// ABOUTME: Store interface and data types for chat-gateway session persistence
// ABOUTME: Defines Session, Message, Owner structs and the SessionStore/DeviceIndex interfaces

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session does not exist or its TTL has lapsed.
// An expired session is indistinguishable from one that never existed.
var ErrNotFound = errors.New("session not found")

// ErrVersionConflict is returned when a commit is attempted against a stale
// version. The caller must re-read and retry; the write is never merged.
var ErrVersionConflict = errors.New("session version conflict")

// ErrAlreadyClaimed is returned when a guest session has already been claimed
// by a different authenticated identity.
var ErrAlreadyClaimed = errors.New("session already claimed")

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// OwnerKind discriminates the two ownership variants of a session.
type OwnerKind string

const (
	// OwnerGuest marks a session tracked only by a client-held device ID.
	OwnerGuest OwnerKind = "guest"
	// OwnerUser marks a session bound to an authenticated user ID.
	OwnerUser OwnerKind = "user"
)

// Owner is the tagged ownership of a session: exactly one of a guest device
// identity or an authenticated user identity.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// GuestOwner builds a guest owner from a device ID.
func GuestOwner(deviceID string) Owner {
	return Owner{Kind: OwnerGuest, ID: deviceID}
}

// UserOwner builds an authenticated owner from a user ID.
func UserOwner(userID string) Owner {
	return Owner{Kind: OwnerUser, ID: userID}
}

// IsGuest reports whether the owner is an anonymous device identity.
func (o Owner) IsGuest() bool { return o.Kind == OwnerGuest }

// IsUser reports whether the owner is an authenticated identity.
func (o Owner) IsUser() bool { return o.Kind == OwnerUser }

// Matches reports whether two owners are the same identity.
func (o Owner) Matches(other Owner) bool {
	return o.Kind == other.Kind && o.ID == other.ID
}

// String renders the owner as "kind:id" for logging and bus payloads.
func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// Message is a single conversation turn half, user or assistant.
// Products and Intent are assistant-only fields.
type Message struct {
	ID        string           `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Products  []map[string]any `json:"products,omitempty"`
	Intent    string           `json:"intent,omitempty"`
}

// Session is the durable conversation state.
//
// Version is the compare-and-swap token: it increases on every committed
// write, and a commit presenting a stale version is rejected with
// ErrVersionConflict. ClaimedAt latches exactly once when a guest session is
// upgraded to an authenticated owner.
type Session struct {
	ID           string         `json:"session_id"`
	Owner        Owner          `json:"owner"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Messages     []Message      `json:"messages"`
	Context      map[string]any `json:"context"`
	ClaimedAt    *time.Time     `json:"claimed_at,omitempty"`
	Version      int64          `json:"version"`
}

// Append adds a message to the end of the history. Trimming to the cap
// happens inside the store commit, so append itself never drops anything.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// MergeContext merges values into the session context, key by key.
// Existing keys not named in values are preserved.
func (s *Session) MergeContext(values map[string]any) {
	if len(values) == 0 {
		return
	}
	if s.Context == nil {
		s.Context = make(map[string]any, len(values))
	}
	for k, v := range values {
		s.Context[k] = v
	}
}

// Recent returns the last n messages without copying the whole history.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Mutator mutates a freshly-read session inside a commit transaction.
// Returning an error aborts the commit and surfaces that error unchanged.
// A mutator must derive everything from the session it is handed, never from
// a snapshot captured outside the commit; conflict retries re-run it against
// a fresh read.
type Mutator func(s *Session) error

// SessionStore defines session persistence with TTL and optimistic concurrency.
type SessionStore interface {
	// Create allocates a new session with version 0 and a fresh TTL.
	Create(ctx context.Context, owner Owner) (*Session, error)

	// Get returns the current snapshot. It never refreshes the TTL, so pure
	// reads do not keep an idle session alive.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Commit atomically re-reads the session, verifies expectedVersion,
	// applies the mutator, trims history to the cap, increments the version,
	// and refreshes the TTL. A stale expectedVersion yields ErrVersionConflict.
	Commit(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error)

	// Delete removes the session immediately, independent of TTL.
	Delete(ctx context.Context, sessionID string) error

	// ListUserSessions returns session IDs owned by a user, via the secondary
	// index maintained transactionally alongside session writes.
	ListUserSessions(ctx context.Context, userID string) ([]string, error)
}

// newSessionID returns a fresh opaque session identifier. UUIDv4 keeps the
// identifier space effectively collision-free.
func newSessionID() string {
	return uuid.New().String()
}

// DeviceIndex maps a guest device ID to its active session ID. Best effort:
// losing an entry only forces the guest to start a new session; the session
// row itself stays the source of truth for ownership.
type DeviceIndex interface {
	// Resolve returns the session ID bound to the device, or ErrNotFound.
	Resolve(ctx context.Context, deviceID string) (string, error)

	// Bind upserts the device -> session mapping.
	Bind(ctx context.Context, deviceID, sessionID string) error
}
