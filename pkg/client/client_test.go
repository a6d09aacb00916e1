package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okEnvelope(data string) string {
	return `{"code":1,"msg":"Success","data":` + data + `}`
}

func TestRequestCarriesTokenHeaders(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Write([]byte(okEnvelope(`{}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok-abc"), WithLanguage("zh-CN"))
	require.NoError(t, c.Get(context.Background(), "/api/auth/info", nil, nil))

	assert.Equal(t, "tok-abc", got.Header.Get("Authorization"))
	assert.Equal(t, "tok-abc", got.Header.Get("X-Token"))
	assert.Equal(t, "tok-abc", got.Header.Get("token"))
	assert.Equal(t, "zh-CN", got.Header.Get("Accept-Language"))
	assert.Equal(t, "no-cache", got.Header.Get("Cache-Control"))
	assert.NotEmpty(t, got.URL.Query().Get("_t"))
}

func TestEmptyTokenSendsNoAuthHeaders(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		w.Write([]byte(okEnvelope(`{}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken(""))
	require.NoError(t, c.Get(context.Background(), "/api/auth/info", nil, nil))

	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("X-Token"))
	assert.Empty(t, got.Header.Get("token"))
}

func TestPostEncodesJSONBody(t *testing.T) {
	var gotContentType, gotTimestamp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotTimestamp = r.URL.Query().Get("_t")
		w.Write([]byte(okEnvelope(`{"ok":true}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.Post(context.Background(), "/api/user/change-password", map[string]string{"old_password": "a"}, &out))

	assert.Equal(t, "application/json", gotContentType)
	assert.Empty(t, gotTimestamp, "POST must not carry the cache-defeating timestamp")
	assert.True(t, out.OK)
}

func TestUnauthorizedFiresRedirectOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":0,"msg":"Authentication required"}`))
	}))
	defer srv.Close()

	var redirects []string
	c := New(srv.URL, StaticToken("stale-token"))
	c.CurrentPath = func() string { return "/dashboard/workplace" }
	c.OnUnauthorized = func(loginURL string) { redirects = append(redirects, loginURL) }

	for i := 0; i < 3; i++ {
		err := c.Get(context.Background(), "/api/user/profile", nil, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	}

	require.Len(t, redirects, 1, "repeated 401s must fire OnUnauthorized once")
	assert.Equal(t, "/user/login?redirect="+url.QueryEscape("/dashboard/workplace"), redirects[0])

	// The stored credentials must survive the failure.
	assert.Equal(t, "stale-token", NormalizeToken(c.tokens.Token()))
}

func TestUnauthorizedRearmsAfterSuccess(t *testing.T) {
	authorized := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":0,"msg":"Authentication required"}`))
			return
		}
		w.Write([]byte(okEnvelope(`{}`)))
	}))
	defer srv.Close()

	fired := 0
	c := New(srv.URL, StaticToken("tok"))
	c.OnUnauthorized = func(string) { fired++ }

	require.Error(t, c.Get(context.Background(), "/api/user/profile", nil, nil))
	assert.Equal(t, 1, fired)

	authorized = true
	require.NoError(t, c.Get(context.Background(), "/api/user/profile", nil, nil))

	authorized = false
	require.Error(t, c.Get(context.Background(), "/api/user/profile", nil, nil))
	assert.Equal(t, 2, fired, "a successful request re-arms the redirect")
}

func TestUnauthorizedWithActiveSessionSkipsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":0,"msg":"Signed in elsewhere","data":{"active_session":true}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	c.OnUnauthorized = func(string) { t.Fatal("active session must not trigger the login redirect") }

	err := c.Get(context.Background(), "/api/user/profile", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Signed in elsewhere", apiErr.Msg)
}

func TestForbiddenNotifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":0,"msg":"Insufficient permissions"}`))
	}))
	defer srv.Close()

	var gotMsg string
	c := New(srv.URL, StaticToken("tok"))
	c.OnForbidden = func(msg string) { gotMsg = msg }

	err := c.Get(context.Background(), "/api/user/list", nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "Insufficient permissions", gotMsg)
}

func TestBusinessFailureReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"msg":"Current password is incorrect"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	err := c.Post(context.Background(), "/api/user/change-password", map[string]string{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.Status)
	assert.Equal(t, 0, apiErr.Code)
	assert.Equal(t, "Current password is incorrect", apiErr.Error())
}

func TestProfileDecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/user/profile", r.URL.Path)
		w.Write([]byte(okEnvelope(`{
			"user":{"id":7,"username":"alice","nickname":"Alice","role":"user","status":"active","credits":42.5,"created_at":"2026-08-01T10:00:00Z"},
			"permissions":["dashboard","view","strategy"],
			"billing":{"credits":42.5,"is_vip":false,"billing_enabled":true,"vip_bypass":true,"feature_costs":{"backtest":3}}
		}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	profile, err := c.Profile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(7), profile.User.ID)
	assert.Equal(t, "alice", profile.User.Username)
	assert.Equal(t, 42.5, profile.User.Credits)
	assert.Contains(t, profile.Permissions, "strategy")
	assert.True(t, profile.Billing.BillingEnabled)
	assert.Equal(t, int64(3), profile.Billing.FeatureCosts["backtest"])
}

func TestMyCreditsLogPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/user/my-credits-log", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		w.Write([]byte(okEnvelope(`{
			"items":[{"id":31,"action":"consume","amount":-5,"balance_after":37.5,"feature":"strategy_run","created_at":"2026-08-02T09:00:00Z"}],
			"total":11,"page":2,"page_size":10,"total_pages":2
		}`)))
	}))
	defer srv.Close()

	c := New(srv.URL, StaticToken("tok"))
	page, err := c.MyCreditsLog(context.Background(), 2, 10)
	require.NoError(t, err)

	require.Len(t, page.Items, 1)
	assert.Equal(t, "consume", page.Items[0].Action)
	assert.Equal(t, -5.0, page.Items[0].Amount)
	assert.Equal(t, int64(11), page.Total)
	assert.Equal(t, int64(2), page.TotalPages)
}
