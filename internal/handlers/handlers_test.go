package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/email"
	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/oauth"
	"github.com/p369349074/QuantDinger-sub001/internal/security"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

type sentMail struct {
	to      string
	subject string
	body    string
}

type captureSender struct {
	mails []sentMail
}

func (s *captureSender) Send(to, subject, body string) error {
	s.mails = append(s.mails, sentMail{to: to, subject: subject, body: body})
	return nil
}

// testEnv wires the full handler stack against a temp database and an
// in-process redis.
type testEnv struct {
	cfg       config.Config
	store     *store.Store
	auth      *middleware.AuthService
	guard     *middleware.Guard
	emails    *email.Service
	sender    *captureSender
	billing   *billing.Service
	limiter   *security.LoginLimiter
	turnstile *security.Turnstile
	oauth     *oauth.Service
	mr        *miniredis.Miniredis

	authH     *AuthHandlers
	profileH  *ProfileHandlers
	userH     *UserHandlers
	settingsH *SettingsHandlers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		EnvFile:             filepath.Join(t.TempDir(), ".env"),
		TokenExpiry:         time.Hour,
		RegistrationEnabled: true,
		RechargeContactURL:  "https://t.me/quantdinger",
		Security: config.SecurityConfig{
			IPMaxAttempts:   10,
			IPWindow:        5 * time.Minute,
			IPBlock:         15 * time.Minute,
			AcctMaxAttempts: 5,
			AcctWindow:      time.Hour,
			AcctBlock:       30 * time.Minute,

			CodeCooldown:      time.Minute,
			CodeIPHourlyLimit: 10,
			CodeExpiry:        10 * time.Minute,
			CodeMaxAttempts:   5,
			CodeLock:          15 * time.Minute,
		},
	}

	auth := middleware.NewAuthService("test-secret", cfg.TokenExpiry)
	guard := middleware.NewGuard(auth, st)
	limiter := security.NewLoginLimiter(rdb, cfg.Security)
	turnstile := security.NewTurnstile(config.TurnstileConfig{})
	sender := &captureSender{}
	emails := email.NewService(email.NewCodeStore(rdb, cfg.Security), sender)
	bill := billing.NewServiceWithLoader(st, func() config.BillingConfig {
		return config.BillingConfig{Costs: map[string]int64{}}
	})
	oa := oauth.NewService(st, rdb, config.OAuthConfig{})

	env := &testEnv{
		cfg:       cfg,
		store:     st,
		auth:      auth,
		guard:     guard,
		emails:    emails,
		sender:    sender,
		billing:   bill,
		limiter:   limiter,
		turnstile: turnstile,
		oauth:     oa,
		mr:        mr,
	}
	env.authH = NewAuthHandlers(cfg, auth, st, limiter, turnstile, emails, bill, oa, guard)
	env.profileH = NewProfileHandlers(cfg, st, auth, bill)
	env.userH = NewUserHandlers(st, auth, bill, guard)
	env.settingsH = NewSettingsHandlers(cfg, bill)
	return env
}

// router mirrors the production route table for the handlers under test.
func (e *testEnv) router() *gin.Engine {
	r := gin.New()

	pub := r.Group("/api/auth")
	pub.GET("/security-config", e.authH.SecurityConfig)
	pub.POST("/login", e.authH.Login)
	pub.POST("/login-code", e.authH.LoginWithCode)
	pub.POST("/send-code", e.authH.SendCode)
	pub.POST("/register", e.authH.Register)
	pub.POST("/reset-password", e.authH.ResetPassword)
	pub.POST("/logout", e.authH.Logout)

	api := r.Group("/api", e.auth.RequireAPIAuth())
	api.GET("/auth/info", e.authH.Info)
	api.POST("/auth/change-password", e.authH.ChangePasswordWithCode)
	api.GET("/user/profile", e.profileH.Profile)
	api.PUT("/user/profile/update", e.profileH.UpdateProfile)
	api.GET("/user/my-credits-log", e.profileH.MyCreditsLog)
	api.GET("/user/my-referrals", e.profileH.MyReferrals)
	api.POST("/user/change-password", e.profileH.ChangePassword)
	api.GET("/user/routes", e.profileH.Routes)
	api.GET("/user/oauth-links", e.profileH.OAuthLinks)
	api.POST("/user/unlink-oauth", e.profileH.UnlinkOAuth)
	api.GET("/settings/recharge-contact", e.settingsH.RechargeContact)

	admin := api.Group("", e.guard.RequireAdmin())
	admin.GET("/user/list", e.userH.List)
	admin.GET("/user/detail", e.userH.Detail)
	admin.POST("/user/create", e.userH.Create)
	admin.PUT("/user/update", e.userH.Update)
	admin.DELETE("/user/delete", e.userH.Delete)
	admin.POST("/user/reset-password", e.userH.ResetPassword)
	admin.GET("/user/roles", e.userH.Roles)
	admin.POST("/user/set-credits", e.userH.SetCredits)
	admin.POST("/user/set-vip", e.userH.SetVIP)
	admin.GET("/user/credits-log", e.userH.CreditsLog)
	admin.GET("/user/security-log", e.userH.SecurityLog)
	admin.GET("/settings/schema", e.settingsH.Schema)
	admin.GET("/settings/values", e.settingsH.Values)
	admin.POST("/settings/save", e.settingsH.Save)

	return r
}

func (e *testEnv) seedUser(t *testing.T, username, password string, role store.Role) *store.User {
	t.Helper()
	hash := ""
	if password != "" {
		var err error
		hash, err = e.auth.HashPassword(password)
		require.NoError(t, err)
	}
	id, err := e.store.CreateUser(store.CreateUserParams{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
		Role:         role,
	})
	require.NoError(t, err)
	user, err := e.store.GetUserByID(id)
	require.NoError(t, err)
	return user
}

func (e *testEnv) token(t *testing.T, user *store.User) string {
	t.Helper()
	token, err := e.auth.GenerateToken(user)
	require.NoError(t, err)
	return token
}

type response struct {
	Status int
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (r response) decode(t *testing.T, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, out))
}

func doRequest(t *testing.T, r http.Handler, method, path, token string, body any) response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response
	resp.Status = w.Code
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	}
	return resp
}
