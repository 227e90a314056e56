// ABOUTME: One-way claim of a guest session by an authenticated user.
// ABOUTME: History survives the upgrade; a second claim by anyone else is rejected.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trovia/chat-gateway/internal/store"
)

// ClaimResult reports the outcome of an upgrade attempt.
type ClaimResult struct {
	Session              *store.Session
	Claimed              bool
	AlreadyClaimedBySelf bool
}

// Upgrader moves a session from guest to authenticated ownership exactly
// once. The claimed_at latch and the store's versioned commit together
// guarantee two racing claims cannot both win.
type Upgrader struct {
	sessions      store.SessionStore
	commitRetries int
	logger        *slog.Logger
}

func NewUpgrader(sessions store.SessionStore, commitRetries int, logger *slog.Logger) *Upgrader {
	if logger == nil {
		logger = slog.Default()
	}
	if commitRetries <= 0 {
		commitRetries = defaultCommitRetries
	}
	return &Upgrader{
		sessions:      sessions,
		commitRetries: commitRetries,
		logger:        logger.With("component", "upgrader"),
	}
}

// Claim binds the session to userID. Re-claiming a session the same user
// already owns is a no-op success; a session owned by a different user
// returns store.ErrAlreadyClaimed. The conversation history is untouched
// either way.
func (u *Upgrader) Claim(ctx context.Context, sessionID, userID string) (*ClaimResult, error) {
	for attempt := 0; ; attempt++ {
		sess, err := u.sessions.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		if sess.Owner.IsUser() {
			if sess.Owner.ID == userID {
				return &ClaimResult{Session: sess, AlreadyClaimedBySelf: true}, nil
			}
			return nil, store.ErrAlreadyClaimed
		}

		now := time.Now().UTC()
		updated, err := u.sessions.Commit(ctx, sessionID, sess.Version, func(cur *store.Session) error {
			if cur.Owner.IsUser() || cur.ClaimedAt != nil {
				if cur.Owner.ID == userID {
					return nil
				}
				return store.ErrAlreadyClaimed
			}
			cur.Owner = store.UserOwner(userID)
			cur.ClaimedAt = &now
			return nil
		})
		if err == nil {
			claimed := updated.ClaimedAt != nil && updated.ClaimedAt.Equal(now)
			u.logger.Info("session claimed",
				"session_id", sessionID,
				"user_id", userID,
				"messages", len(updated.Messages))
			return &ClaimResult{
				Session:              updated,
				Claimed:              claimed,
				AlreadyClaimedBySelf: !claimed,
			}, nil
		}
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return nil, err
		}
		if !errors.Is(err, store.ErrVersionConflict) || attempt >= u.commitRetries {
			return nil, fmt.Errorf("claiming session: %w", err)
		}
		// A turn landed between our read and the commit; re-read and retry.
	}
}
