// ABOUTME: Tests for the guest-to-authenticated session upgrade.
// ABOUTME: Covers the one-way latch, self re-claim, and rival-claim rejection.

package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovia/chat-gateway/internal/store"
)

func newTestUpgrader(t *testing.T) (*Upgrader, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	return NewUpgrader(st, defaultCommitRetries, testLogger()), st
}

func TestClaimBindsGuestSessionToUser(t *testing.T) {
	up, st := newTestUpgrader(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.GuestOwner("device-1"))
	require.NoError(t, err)

	// Seed some history so we can verify the claim preserves it.
	sess, err = st.Commit(ctx, sess.ID, sess.Version, func(cur *store.Session) error {
		cur.Append(store.Message{ID: "m1", Role: store.RoleUser, Content: "hi"})
		cur.Append(store.Message{ID: "m2", Role: store.RoleAssistant, Content: "hello"})
		return nil
	})
	require.NoError(t, err)

	res, err := up.Claim(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.True(t, res.Claimed)
	assert.False(t, res.AlreadyClaimedBySelf)
	assert.Equal(t, store.UserOwner("alice"), res.Session.Owner)
	require.NotNil(t, res.Session.ClaimedAt)
	assert.Len(t, res.Session.Messages, 2, "claim must preserve history")
}

func TestClaimBySameUserIsNoOp(t *testing.T) {
	up, st := newTestUpgrader(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.GuestOwner("device-1"))
	require.NoError(t, err)

	first, err := up.Claim(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.True(t, first.Claimed)

	second, err := up.Claim(ctx, sess.ID, "alice")
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.True(t, second.AlreadyClaimedBySelf)

	// claimed_at is a one-way latch: set exactly once.
	assert.Equal(t, first.Session.ClaimedAt.UnixNano(), second.Session.ClaimedAt.UnixNano())
}

func TestClaimByDifferentUserIsRejected(t *testing.T) {
	up, st := newTestUpgrader(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.GuestOwner("device-1"))
	require.NoError(t, err)

	_, err = up.Claim(ctx, sess.ID, "alice")
	require.NoError(t, err)

	_, err = up.Claim(ctx, sess.ID, "mallory")
	assert.ErrorIs(t, err, store.ErrAlreadyClaimed)

	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.UserOwner("alice"), got.Owner)
}

func TestClaimMissingSession(t *testing.T) {
	up, _ := newTestUpgrader(t)

	_, err := up.Claim(context.Background(), "no-such-session", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimedSessionRejectsGuestTurns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	svc := NewService(st, st, &fakeEngine{}, &fakePublisher{}, 10, defaultCommitRetries, testLogger())
	up := NewUpgrader(st, defaultCommitRetries, testLogger())

	res, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "guest turn",
	})
	require.NoError(t, err)

	_, err = up.Claim(ctx, res.SessionID, "alice")
	require.NoError(t, err)

	// The original device identity no longer owns the session.
	_, err = svc.SendMessage(ctx, TurnRequest{
		SessionID: res.SessionID,
		Caller:    store.GuestOwner("device-1"),
		Message:   "still me?",
	})
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	// The claiming user continues the conversation with history intact.
	cont, err := svc.SendMessage(ctx, TurnRequest{
		SessionID: res.SessionID,
		Caller:    store.UserOwner("alice"),
		Message:   "user turn",
	})
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, cont.SessionID)

	sess, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
}

func TestGuestGetsFreshSessionAfterClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	svc := NewService(st, st, &fakeEngine{}, &fakePublisher{}, 10, defaultCommitRetries, testLogger())
	up := NewUpgrader(st, defaultCommitRetries, testLogger())

	first, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "guest turn",
	})
	require.NoError(t, err)

	_, err = up.Claim(ctx, first.SessionID, "alice")
	require.NoError(t, err)

	// The device binding still points at the claimed session, but the guest
	// must not be locked out: with no session ID supplied they start fresh.
	second, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "hello again",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	fresh, err := st.Get(ctx, second.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.GuestOwner("device-1"), fresh.Owner)
	assert.Len(t, fresh.Messages, 2)

	// The rebind makes the next bare request resume the fresh session.
	sid, err := st.Resolve(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, sid)

	// The claimed session is untouched by the guest's new conversation.
	claimed, err := st.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.UserOwner("alice"), claimed.Owner)
	assert.Len(t, claimed.Messages, 2)
}
