// ABOUTME: Tests for the pure session types: owners, history helpers, context merge.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerIdentity(t *testing.T) {
	guest := GuestOwner("device-1")
	user := UserOwner("alice")

	assert.True(t, guest.IsGuest())
	assert.False(t, guest.IsUser())
	assert.True(t, user.IsUser())

	assert.True(t, guest.Matches(GuestOwner("device-1")))
	assert.False(t, guest.Matches(GuestOwner("device-2")))
	// Same ID under a different kind is a different identity.
	assert.False(t, guest.Matches(UserOwner("device-1")))

	assert.Equal(t, "guest:device-1", guest.String())
	assert.Equal(t, "user:alice", user.String())
}

func TestSessionRecent(t *testing.T) {
	sess := &Session{}
	for _, id := range []string{"a", "b", "c", "d"} {
		sess.Append(Message{ID: id})
	}

	assert.Len(t, sess.Recent(10), 4, "window larger than history returns everything")

	last2 := sess.Recent(2)
	assert.Equal(t, "c", last2[0].ID)
	assert.Equal(t, "d", last2[1].ID)

	assert.Len(t, sess.Recent(0), 4)
}

func TestSessionMergeContext(t *testing.T) {
	sess := &Session{}

	sess.MergeContext(map[string]any{"last_intent": "greeting", "lang": "vi"})
	sess.MergeContext(map[string]any{"last_intent": "product_search"})

	assert.Equal(t, "product_search", sess.Context["last_intent"])
	assert.Equal(t, "vi", sess.Context["lang"], "unnamed keys survive a merge")

	sess.MergeContext(nil)
	assert.Len(t, sess.Context, 2)
}
