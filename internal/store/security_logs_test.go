package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndListSecurityEvents(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	require.NoError(t, st.LogSecurityEvent(&id, "login_success", "1.2.3.4", "test-agent", nil))
	require.NoError(t, st.LogSecurityEvent(nil, "login_failed", "1.2.3.4", "test-agent", map[string]any{
		"reason": "bad_password",
	}))

	events, err := st.RecentSecurityEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "login_failed", events[0].Action)
	assert.Nil(t, events[0].UserID)
	assert.Contains(t, string(events[0].Details), "bad_password")
	assert.Equal(t, "login_success", events[1].Action)
	require.NotNil(t, events[1].UserID)
	assert.Equal(t, id, *events[1].UserID)
}

func TestCleanupSecurityLogs(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.LogSecurityEvent(nil, "login_failed", "1.2.3.4", "ua", nil))

	// Nothing is old enough yet.
	removed, err := st.CleanupSecurityLogs(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)

	removed, err = st.CleanupSecurityLogs(-time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := st.RecentSecurityEvents(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOAuthLinkLifecycle(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	_, err := st.GetOAuthLink("google", "g-123")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.LinkOAuth(id, "google", "g-123"))
	link, err := st.GetOAuthLink("google", "g-123")
	require.NoError(t, err)
	assert.Equal(t, id, link.UserID)

	require.NoError(t, st.LinkOAuth(id, "github", "gh-9"))
	links, err := st.UserOAuthLinks(id)
	require.NoError(t, err)
	assert.Len(t, links, 2)

	require.NoError(t, st.UnlinkOAuth(id, "google"))
	links, err = st.UserOAuthLinks(id)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "github", links[0].Provider)
}

func TestDeleteOAuthLinkIgnoresOwner(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")
	require.NoError(t, st.LinkOAuth(id, "google", "g-123"))
	require.NoError(t, st.DeleteUser(id))

	// The owning row is gone, so the guarded UnlinkOAuth cannot remove it.
	assert.ErrorIs(t, st.UnlinkOAuth(id, "google"), ErrNotFound)

	require.NoError(t, st.DeleteOAuthLink("google", "g-123"))
	_, err := st.GetOAuthLink("google", "g-123")
	assert.ErrorIs(t, err, ErrNotFound)
}
