package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestUser(t *testing.T, st *Store, username, email string) int64 {
	t.Helper()
	id, err := st.CreateUser(CreateUserParams{
		Username:     username,
		Email:        email,
		PasswordHash: "hash",
		Role:         RoleUser,
		Status:       StatusActive,
	})
	require.NoError(t, err)
	return id
}

func TestCreateAndGetUser(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	byID, err := st.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)
	assert.Equal(t, RoleUser, byID.Role)
	assert.Equal(t, StatusActive, byID.Status)
	assert.True(t, byID.HasPassword())

	byName, err := st.GetUserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	byEmail, err := st.GetUserByEmail("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)
}

func TestCreateUserUniqueness(t *testing.T) {
	st := openTestStore(t)
	createTestUser(t, st, "alice", "alice@example.com")

	_, err := st.CreateUser(CreateUserParams{Username: "alice", Email: "other@example.com", PasswordHash: "h", Role: RoleUser, Status: StatusActive})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = st.CreateUser(CreateUserParams{Username: "bob", Email: "alice@example.com", PasswordHash: "h", Role: RoleUser, Status: StatusActive})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLookupAccountByUsernameOrEmail(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	byName, err := st.LookupAccount("alice")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	byEmail, err := st.LookupAccount("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)

	_, err = st.LookupAccount("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUsersPagingAndSearch(t *testing.T) {
	st := openTestStore(t)
	createTestUser(t, st, "alice", "alice@example.com")
	createTestUser(t, st, "bob", "bob@example.com")
	createTestUser(t, st, "carol", "carol@example.com")

	page, err := st.ListUsers(1, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, int64(2), page.TotalPages)

	found, err := st.ListUsers(1, 10, "bob")
	require.NoError(t, err)
	require.Len(t, found.Items, 1)
	assert.Equal(t, "bob", found.Items[0].Username)
}

func TestUpdateUserPartialFields(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	nickname := "Allie"
	role := RoleManager
	require.NoError(t, st.UpdateUser(id, UpdateUserParams{Nickname: &nickname, Role: &role}))

	user, err := st.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "Allie", user.Nickname)
	assert.Equal(t, RoleManager, user.Role)
	assert.Equal(t, "alice@example.com", user.Email, "untouched fields survive")

	status := StatusDisabled
	require.NoError(t, st.UpdateUser(id, UpdateUserParams{Status: &status}))
	user, err = st.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, user.Status)
	assert.Equal(t, "Allie", user.Nickname)
}

func TestDeleteUser(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	require.NoError(t, st.DeleteUser(id))
	_, err := st.GetUserByID(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteUser(id), ErrNotFound)
}

func TestUpdatePasswordAndLastLogin(t *testing.T) {
	st := openTestStore(t)
	id := createTestUser(t, st, "alice", "alice@example.com")

	require.NoError(t, st.UpdatePassword(id, "newhash"))
	user, err := st.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "newhash", user.PasswordHash)
	assert.Nil(t, user.LastLoginAt)

	require.NoError(t, st.TouchLastLogin(id))
	user, err = st.GetUserByID(id)
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)
}

func TestReferrals(t *testing.T) {
	st := openTestStore(t)
	referrer := createTestUser(t, st, "referrer", "ref@example.com")

	for _, name := range []string{"invited1", "invited2"} {
		_, err := st.CreateUser(CreateUserParams{
			Username:     name,
			Email:        name + "@example.com",
			PasswordHash: "h",
			Role:         RoleUser,
			Status:       StatusActive,
			ReferredBy:   &referrer,
		})
		require.NoError(t, err)
	}

	list, total, err := st.ListReferrals(referrer, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)
}

func TestEnsureAdmin(t *testing.T) {
	st := openTestStore(t)

	created, err := st.EnsureAdmin("admin", "hash")
	require.NoError(t, err)
	assert.True(t, created)

	count, err := st.AdminCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Second call is a no-op while an admin exists.
	created, err = st.EnsureAdmin("admin", "hash")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestPermissionsUnknownRoleFallsBackToViewer(t *testing.T) {
	assert.Equal(t, Permissions(RoleViewer), Permissions(Role("bogus")))
	assert.False(t, Role("bogus").Can("strategy"))
	assert.True(t, RoleAdmin.Can("user_manage"))
	assert.False(t, ValidRole(Role("bogus")))
	assert.True(t, ValidRole(RoleManager))
}
