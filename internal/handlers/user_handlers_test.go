package handlers

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

func TestAdminRoutesRejectNonAdmin(t *testing.T) {
	env := newTestEnv(t)
	user := env.seedUser(t, "pleb", "Passw0rd!", store.RoleUser)

	resp := doRequest(t, env.router(), http.MethodGet, "/api/user/list", env.token(t, user), nil)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "Admin access required", resp.Msg)
}

func TestAdminUserListAndSearch(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	env.seedUser(t, "alice", "Passw0rd!", store.RoleUser)
	env.seedUser(t, "bob", "Passw0rd!", store.RoleUser)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodGet, "/api/user/list", token, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var data struct {
		List  []store.User `json:"list"`
		Total int64        `json:"total"`
	}
	resp.decode(t, &data)
	assert.Equal(t, int64(3), data.Total)

	resp = doRequest(t, r, http.MethodGet, "/api/user/list?search=ali", token, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	resp.decode(t, &data)
	require.Equal(t, int64(1), data.Total)
	assert.Equal(t, "alice", data.List[0].Username)
}

func TestAdminCreateUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodPost, "/api/user/create", token, map[string]string{
		"username": "newhire",
		"password": "Passw0rd1",
		"role":     "manager",
	})
	require.Equal(t, http.StatusOK, resp.Status, resp.Msg)

	user, err := env.store.GetUserByUsername("newhire")
	require.NoError(t, err)
	assert.Equal(t, store.RoleManager, user.Role)
	assert.Equal(t, "newhire", user.Nickname)

	resp = doRequest(t, r, http.MethodPost, "/api/user/create", token, map[string]string{
		"username": "another", "password": "Passw0rd1", "role": "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Invalid role", resp.Msg)
}

func TestAdminUpdateUserProtectsLastAdmin(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodPut, fmt.Sprintf("/api/user/update?id=%d", admin.ID), token, map[string]string{
		"role": "user",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Cannot demote the last admin", resp.Msg)

	// With a second admin the demotion goes through.
	second := env.seedUser(t, "boss2", "Passw0rd!", store.RoleAdmin)
	resp = doRequest(t, r, http.MethodPut, fmt.Sprintf("/api/user/update?id=%d", second.ID), token, map[string]string{
		"role": "user",
	})
	require.Equal(t, http.StatusOK, resp.Status)

	refreshed, err := env.store.GetUserByID(second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, refreshed.Role)
}

func TestAdminDeleteUserGuards(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	victim := env.seedUser(t, "alice", "Passw0rd!", store.RoleUser)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodDelete, fmt.Sprintf("/api/user/delete?id=%d", admin.ID), token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "Cannot delete yourself", resp.Msg)

	resp = doRequest(t, r, http.MethodDelete, fmt.Sprintf("/api/user/delete?id=%d", victim.ID), token, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	_, err := env.store.GetUserByID(victim.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminResetPassword(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	user := env.seedUser(t, "alice", "OldPassw0rd", store.RoleUser)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodPost, "/api/user/reset-password", token, map[string]any{
		"user_id": user.ID, "new_password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = doRequest(t, r, http.MethodPost, "/api/user/reset-password", token, map[string]any{
		"user_id": user.ID, "new_password": "Brand-New-1",
	})
	require.Equal(t, http.StatusOK, resp.Status)

	refreshed, err := env.store.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.True(t, env.auth.CheckPassword("Brand-New-1", refreshed.PasswordHash))
}

func TestAdminRolesListing(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)

	resp := doRequest(t, env.router(), http.MethodGet, "/api/user/roles", env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var data struct {
		Roles []struct {
			ID          string   `json:"id"`
			Permissions []string `json:"permissions"`
		} `json:"roles"`
	}
	resp.decode(t, &data)
	require.Len(t, data.Roles, len(store.Roles))
	ids := make([]string, 0, len(data.Roles))
	for _, role := range data.Roles {
		ids = append(ids, role.ID)
	}
	assert.Contains(t, ids, "admin")
	assert.Contains(t, ids, "viewer")
}

func TestAdminSetCredits(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	user := env.seedUser(t, "alice", "Passw0rd!", store.RoleUser)
	token := env.token(t, admin)
	r := env.router()

	resp := doRequest(t, r, http.MethodPost, "/api/user/set-credits", token, map[string]any{
		"user_id": user.ID, "credits": -5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)

	resp = doRequest(t, r, http.MethodPost, "/api/user/set-credits", token, map[string]any{
		"user_id": user.ID, "credits": 250.5, "remark": "Promo grant",
	})
	require.Equal(t, http.StatusOK, resp.Status)
	var data struct {
		Credits float64 `json:"credits"`
	}
	resp.decode(t, &data)
	assert.Equal(t, 250.5, data.Credits)

	page, err := env.store.CreditsLog(user.ID, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, store.ActionAdminAdjust, page.Items[0].Action)
	require.NotNil(t, page.Items[0].OperatorID)
	assert.Equal(t, admin.ID, *page.Items[0].OperatorID)
}

func TestAdminSetVIP(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	user := env.seedUser(t, "alice", "Passw0rd!", store.RoleUser)
	token := env.token(t, admin)
	r := env.router()

	days := 30
	resp := doRequest(t, r, http.MethodPost, "/api/user/set-vip", token, map[string]any{
		"user_id": user.ID, "vip_days": days,
	})
	require.Equal(t, http.StatusOK, resp.Status)

	refreshed, err := env.store.GetUserByID(user.ID)
	require.NoError(t, err)
	require.NotNil(t, refreshed.VIPExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *refreshed.VIPExpiresAt, time.Minute)

	// Explicit zero days revokes.
	zero := 0
	resp = doRequest(t, r, http.MethodPost, "/api/user/set-vip", token, map[string]any{
		"user_id": user.ID, "vip_days": zero,
	})
	require.Equal(t, http.StatusOK, resp.Status)

	refreshed, err = env.store.GetUserByID(user.ID)
	require.NoError(t, err)
	assert.Nil(t, refreshed.VIPExpiresAt)
}

func TestAdminCreditsLogForUser(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	user := env.seedUser(t, "alice", "Passw0rd!", store.RoleUser)
	_, err := env.billing.AddCredits(user.ID, 50, store.ActionRecharge, "Top up", &admin.ID)
	require.NoError(t, err)

	resp := doRequest(t, env.router(), http.MethodGet, fmt.Sprintf("/api/user/credits-log?user_id=%d", user.ID), env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var data struct {
		Items []struct {
			Action string  `json:"action"`
			Amount float64 `json:"amount"`
		} `json:"items"`
	}
	resp.decode(t, &data)
	require.Len(t, data.Items, 1)
	assert.Equal(t, store.ActionRecharge, data.Items[0].Action)
	assert.Equal(t, 50.0, data.Items[0].Amount)
}

func TestAdminSecurityLog(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser(t, "boss", "Passw0rd!", store.RoleAdmin)
	require.NoError(t, env.store.LogSecurityEvent(&admin.ID, "login_success", "10.0.0.1", "go-test", nil))

	resp := doRequest(t, env.router(), http.MethodGet, "/api/user/security-log", env.token(t, admin), nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var data struct {
		List []struct {
			Action    string `json:"action"`
			IPAddress string `json:"ip_address"`
		} `json:"list"`
	}
	resp.decode(t, &data)
	require.NotEmpty(t, data.List)
	assert.Equal(t, "login_success", data.List[0].Action)
	assert.Equal(t, "10.0.0.1", data.List[0].IPAddress)
}
