// ABOUTME: Tests for the conversation service.
// ABOUTME: Real SQLite store underneath, fake engine and publisher on the edges.

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trovia/chat-gateway/internal/bus"
	"github.com/trovia/chat-gateway/internal/engine"
	"github.com/trovia/chat-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	mu      sync.Mutex
	reply   engine.Reply
	asked   []string
	history [][]engine.Turn
}

func (f *fakeEngine) Ask(_ context.Context, _ string, message string, history []engine.Turn) engine.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, message)
	f.history = append(f.history, history)
	if f.reply.Response == "" {
		return engine.Reply{Response: "echo: " + message, Products: []map[string]any{}, Intent: "chitchat"}
	}
	return f.reply
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	topic string
	key   string
	event bus.Event
}

func (f *fakePublisher) Publish(topic, key string, event bus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{topic: topic, key: key, event: event})
}

func (f *fakePublisher) all() []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"), time.Hour, 50)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *fakeEngine, *fakePublisher) {
	t.Helper()
	st := newTestStore(t)
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	svc := NewService(st, st, eng, pub, 10, defaultCommitRetries, testLogger())
	return svc, st, eng, pub
}

func TestSendMessageCreatesGuestSession(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "hello there",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)

	assert.Equal(t, store.RoleUser, res.UserMessage.Role)
	assert.Equal(t, "hello there", res.UserMessage.Content)
	assert.Equal(t, store.RoleAssistant, res.AssistantMessage.Role)
	assert.Equal(t, "echo: hello there", res.AssistantMessage.Content)

	sess, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, store.GuestOwner("device-1"), sess.Owner)

	// The device index should now point at this session.
	sid, err := st.Resolve(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, sid)
}

func TestSendMessageRejectsInvalidInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	caller := store.GuestOwner("device-1")

	for _, msg := range []string{"", "   ", strings.Repeat("x", 1001)} {
		_, err := svc.SendMessage(ctx, TurnRequest{Caller: caller, Message: msg})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}

	// Exactly at the limit is fine.
	_, err := svc.SendMessage(ctx, TurnRequest{Caller: caller, Message: strings.Repeat("x", 1000)})
	assert.NoError(t, err)
}

func TestSendMessageRejectsForeignSession(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.UserOwner("alice"))
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, TurnRequest{
		SessionID: sess.ID,
		Caller:    store.GuestOwner("device-1"),
		Message:   "let me in",
	})
	assert.ErrorIs(t, err, ErrOwnershipMismatch)

	_, err = svc.SendMessage(ctx, TurnRequest{
		SessionID: sess.ID,
		Caller:    store.UserOwner("bob"),
		Message:   "let me in",
	})
	assert.ErrorIs(t, err, ErrOwnershipMismatch)
}

func TestGuestResumesSessionAcrossRequests(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()
	caller := store.GuestOwner("device-1")

	first, err := svc.SendMessage(ctx, TurnRequest{Caller: caller, Message: "first turn"})
	require.NoError(t, err)

	// No session ID supplied the second time; the device index resolves it.
	second, err := svc.SendMessage(ctx, TurnRequest{Caller: caller, Message: "second turn"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	sess, err := st.Get(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, "first turn", sess.Messages[0].Content)
	assert.Equal(t, "second turn", sess.Messages[2].Content)
}

func TestUnknownSessionIDStartsFresh(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, TurnRequest{
		SessionID: "long-gone",
		Caller:    store.UserOwner("alice"),
		Message:   "anyone home?",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "long-gone", res.SessionID)
}

func TestFallbackReplyIsRecorded(t *testing.T) {
	svc, st, eng, _ := newTestService(t)
	eng.reply = engine.FallbackReply()
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "hello",
	})
	require.NoError(t, err, "engine failure must not fail the turn")

	assert.Equal(t, engine.FallbackText, res.AssistantMessage.Content)
	assert.Empty(t, res.Products)
	assert.Equal(t, engine.FallbackIntent, res.Intent)

	sess, err := st.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, engine.FallbackText, sess.Messages[1].Content)
}

func TestConcurrentTurnsBothLand(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	ctx := context.Background()
	caller := store.UserOwner("alice")

	sess, err := st.Create(ctx, caller)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, msg := range []string{"from goroutine one", "from goroutine two"} {
		wg.Add(1)
		go func(i int, msg string) {
			defer wg.Done()
			_, errs[i] = svc.SendMessage(ctx, TurnRequest{
				SessionID: sess.ID,
				Caller:    caller,
				Message:   msg,
			})
		}(i, msg)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	final, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, final.Messages, 4, "both turns' messages must survive the race")

	contents := make([]string, 0, 4)
	for _, m := range final.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "from goroutine one")
	assert.Contains(t, contents, "from goroutine two")
}

func TestEngineSeesBoundedHistory(t *testing.T) {
	svc, _, eng, _ := newTestService(t)
	ctx := context.Background()
	caller := store.GuestOwner("device-1")

	var sessionID string
	for i := 0; i < 8; i++ {
		res, err := svc.SendMessage(ctx, TurnRequest{
			SessionID: sessionID,
			Caller:    caller,
			Message:   "turn",
		})
		require.NoError(t, err)
		sessionID = res.SessionID
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.history, 8)
	assert.Empty(t, eng.history[0], "first turn has no prior context")
	// Turn 8 has 14 prior messages; only the last 10 go to the engine.
	last := eng.history[7]
	assert.Len(t, last, 10)
}

func TestTurnPublishesBothSides(t *testing.T) {
	svc, _, _, pub := newTestService(t)
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "hello",
	})
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 2)

	assert.Equal(t, TopicRequests, events[0].topic)
	assert.Equal(t, res.SessionID, events[0].key)
	assert.Equal(t, store.RoleUser, events[0].event.Role)
	assert.Equal(t, "hello", events[0].event.Content)

	assert.Equal(t, TopicResponses, events[1].topic)
	assert.Equal(t, res.SessionID, events[1].key)
	assert.Equal(t, store.RoleAssistant, events[1].event.Role)
}

// conflictStore always rejects commits so retry exhaustion can be observed.
type conflictStore struct {
	store.SessionStore
	commits int
}

func (c *conflictStore) Commit(context.Context, string, int64, store.Mutator) (*store.Session, error) {
	c.commits++
	return nil, store.ErrVersionConflict
}

func TestCommitRetriesAreBounded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.UserOwner("alice"))
	require.NoError(t, err)

	cs := &conflictStore{SessionStore: st}
	svc := NewService(cs, st, &fakeEngine{}, &fakePublisher{}, 10, 2, testLogger())

	_, err = svc.SendMessage(ctx, TurnRequest{
		SessionID: sess.ID,
		Caller:    store.UserOwner("alice"),
		Message:   "hello",
	})
	require.ErrorIs(t, err, store.ErrVersionConflict)
	// One initial attempt plus the configured retry budget.
	assert.Equal(t, 3, cs.commits)
}

func TestReadDoesNotBumpVersion(t *testing.T) {
	_, st, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := st.Create(ctx, store.GuestOwner("device-1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.Version, got.Version)
	}
}

func TestEndDeletesSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.SendMessage(ctx, TurnRequest{
		Caller:  store.GuestOwner("device-1"),
		Message: "hello",
	})
	require.NoError(t, err)

	require.NoError(t, svc.End(ctx, res.SessionID))

	_, err = svc.Info(ctx, res.SessionID)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
