package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/email"
	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/oauth"
	"github.com/p369349074/QuantDinger-sub001/internal/security"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// AuthHandlers serves sign-in, registration, password recovery, and the
// public security configuration.
type AuthHandlers struct {
	cfg       config.Config
	auth      *middleware.AuthService
	store     *store.Store
	limiter   *security.LoginLimiter
	turnstile *security.Turnstile
	emails    *email.Service
	billing   *billing.Service
	oauth     *oauth.Service
	guard     *middleware.Guard
}

func NewAuthHandlers(cfg config.Config, auth *middleware.AuthService, st *store.Store,
	limiter *security.LoginLimiter, ts *security.Turnstile, emails *email.Service,
	bill *billing.Service, oa *oauth.Service, guard *middleware.Guard) *AuthHandlers {
	return &AuthHandlers{
		cfg:       cfg,
		auth:      auth,
		store:     st,
		limiter:   limiter,
		turnstile: ts,
		emails:    emails,
		billing:   bill,
		oauth:     oa,
		guard:     guard,
	}
}

// userinfo is the session payload clients cache after sign-in.
type userinfo struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Nickname string   `json:"nickname"`
	Email    string   `json:"email,omitempty"`
	Avatar   string   `json:"avatar"`
	IsDemo   bool     `json:"is_demo"`
	Role     roleInfo `json:"role"`
}

type roleInfo struct {
	ID          string   `json:"id"`
	Permissions []string `json:"permissions"`
}

func (h *AuthHandlers) buildUserinfo(u *store.User) userinfo {
	nickname := u.Nickname
	if nickname == "" {
		nickname = u.Username
	}
	if h.cfg.DemoMode {
		nickname += " (Demo)"
	}
	avatar := u.Avatar
	if avatar == "" {
		avatar = "/avatar2.jpg"
	}
	return userinfo{
		ID:       u.ID,
		Username: u.Username,
		Nickname: nickname,
		Email:    u.Email,
		Avatar:   avatar,
		IsDemo:   h.cfg.DemoMode,
		Role: roleInfo{
			ID:          string(u.Role),
			Permissions: store.Permissions(u.Role),
		},
	}
}

// SecurityConfig is public: the login page needs it before any session
// exists.
func (h *AuthHandlers) SecurityConfig(c *gin.Context) {
	respondOK(c, "success", gin.H{
		"turnstile_enabled":    h.turnstile.Enabled(),
		"turnstile_site_key":   h.turnstile.SiteKey(),
		"registration_enabled": h.cfg.RegistrationEnabled,
		"oauth_google_enabled": h.oauth.GoogleEnabled(),
		"oauth_github_enabled": h.oauth.GitHubEnabled(),
	})
}

type loginRequest struct {
	Username       string `json:"username"`
	Account        string `json:"account"`
	Password       string `json:"password"`
	TurnstileToken string `json:"turnstile_token"`
}

func (h *AuthHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	username := middleware.SanitizeString(req.Username)
	if username == "" {
		username = middleware.SanitizeString(req.Account)
	}
	if username == "" || req.Password == "" {
		respondFail(c, http.StatusBadRequest, "Missing username/email or password")
		return
	}

	ip := c.ClientIP()
	ua := c.GetHeader("User-Agent")

	if err := h.turnstile.Verify(c.Request.Context(), req.TurnstileToken, ip); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if allowed, msg := h.limiter.CheckAllowed(c.Request.Context(), username, ip); !allowed {
		c.JSON(http.StatusTooManyRequests, Envelope{Code: 0, Msg: msg, Data: gin.H{"blocked": true}})
		return
	}

	user, err := h.store.LookupAccount(username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("account lookup failed")
		}
		h.failLogin(c, nil, username, ip, ua, "invalid_credentials")
		respondFail(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if !user.HasPassword() {
		h.failLogin(c, &user.ID, username, ip, ua, "no_password_set")
		respondFail(c, http.StatusUnauthorized, "This account was created with email verification code and has no password set. Please use email code login or set a password first in your profile settings.")
		return
	}

	if !h.auth.CheckPassword(req.Password, user.PasswordHash) {
		h.failLogin(c, &user.ID, username, ip, ua, "invalid_credentials")
		respondFail(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if msg, ok := statusBlocks(user.Status); !ok {
		h.store.LogSecurityEvent(&user.ID, "login_blocked", ip, ua, map[string]any{"reason": user.Status})
		respondFail(c, http.StatusForbidden, msg)
		return
	}

	token, err := h.auth.GenerateToken(user)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Token generation error")
		return
	}

	h.limiter.ClearFailures(c.Request.Context(), username, ip)
	h.store.TouchLastLogin(user.ID)
	h.store.LogSecurityEvent(&user.ID, "login_success", ip, ua, nil)
	h.auth.SetAuthCookie(c, token)

	respondOK(c, "Login successful", gin.H{
		"token":    token,
		"userinfo": h.buildUserinfo(user),
	})
}

func statusBlocks(status string) (string, bool) {
	switch status {
	case store.StatusDisabled:
		return "Account is disabled", false
	case store.StatusPending:
		return "Account is pending activation", false
	}
	return "", true
}

func (h *AuthHandlers) failLogin(c *gin.Context, userID *int64, username, ip, ua, reason string) {
	h.limiter.RecordFailure(c.Request.Context(), username, ip)
	h.store.LogSecurityEvent(userID, "login_failed", ip, ua, map[string]any{
		"username": username,
		"reason":   reason,
	})
}

type loginCodeRequest struct {
	Email          string `json:"email"`
	Code           string `json:"code"`
	TurnstileToken string `json:"turnstile_token"`
	ReferralCode   string `json:"referral_code"`
}

// LoginWithCode signs in by email verification code, creating the account on
// first use when registration is open.
func (h *AuthHandlers) LoginWithCode(c *gin.Context) {
	var req loginCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	emailAddr := strings.ToLower(middleware.SanitizeString(req.Email))
	code := middleware.SanitizeString(req.Code)
	ip := c.ClientIP()
	ua := c.GetHeader("User-Agent")

	if emailAddr == "" || !email.ValidAddress(emailAddr) {
		respondFail(c, http.StatusBadRequest, "Invalid email address")
		return
	}
	if code == "" {
		respondFail(c, http.StatusBadRequest, "Verification code is required")
		return
	}

	if err := h.turnstile.Verify(c.Request.Context(), req.TurnstileToken, ip); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.emails.Codes().Verify(c.Request.Context(), emailAddr, code, email.PurposeLogin); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	isNew := false
	user, err := h.store.GetUserByEmail(emailAddr)
	if errors.Is(err, store.ErrNotFound) {
		if !h.cfg.RegistrationEnabled {
			respondFail(c, http.StatusForbidden, "User not found and registration is disabled")
			return
		}
		user, err = h.createCodeUser(emailAddr, req.ReferralCode, ip, ua)
		if err != nil {
			respondFail(c, http.StatusInternalServerError, "Failed to create account")
			return
		}
		isNew = true
	} else if err != nil {
		respondFail(c, http.StatusInternalServerError, "Login failed")
		return
	}

	if msg, ok := statusBlocks(user.Status); !ok {
		h.store.LogSecurityEvent(&user.ID, "login_blocked", ip, ua, map[string]any{"reason": user.Status})
		respondFail(c, http.StatusForbidden, msg)
		return
	}

	token, err := h.auth.GenerateToken(user)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Token generation error")
		return
	}

	h.store.TouchLastLogin(user.ID)
	h.store.LogSecurityEvent(&user.ID, "login_via_code", ip, ua, nil)
	h.auth.SetAuthCookie(c, token)

	msg := "Login successful"
	if isNew {
		msg += " (new account created)"
	}
	respondOK(c, msg, gin.H{
		"token":       token,
		"is_new_user": isNew,
		"userinfo":    h.buildUserinfo(user),
	})
}

// createCodeUser provisions a passwordless account for a first-time code
// login. The username is derived from the address.
func (h *AuthHandlers) createCodeUser(emailAddr, referralCode, ip, ua string) (*store.User, error) {
	base := strings.SplitN(emailAddr, "@", 2)[0]
	base = regexp.MustCompile(`[^a-zA-Z0-9_]`).ReplaceAllString(base, "")
	if base == "" || !((base[0] >= 'a' && base[0] <= 'z') || (base[0] >= 'A' && base[0] <= 'Z')) {
		base = "user_" + base
	}

	referredBy := h.resolveReferrer(referralCode)

	username := base
	var id int64
	var err error
	for i := 1; ; i++ {
		id, err = h.store.CreateUser(store.CreateUserParams{
			Username:      username,
			Email:         emailAddr,
			Nickname:      username,
			Role:          store.RoleUser,
			Status:        store.StatusActive,
			EmailVerified: true,
			ReferredBy:    referredBy,
		})
		if errors.Is(err, store.ErrUsernameTaken) {
			username = fmt.Sprintf("%s_%d", base, i)
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	h.grantSignupBonuses(id, username, referredBy)
	h.store.LogSecurityEvent(&id, "register_via_code", ip, ua, map[string]any{
		"email":       emailAddr,
		"referred_by": referredBy,
	})
	return h.store.GetUserByID(id)
}

func (h *AuthHandlers) resolveReferrer(referralCode string) *int64 {
	referralCode = strings.TrimSpace(referralCode)
	if referralCode == "" {
		return nil
	}
	referrerID, err := strconv.ParseInt(referralCode, 10, 64)
	if err != nil {
		return nil
	}
	referrer, err := h.store.GetUserByID(referrerID)
	if err != nil || referrer.Status != store.StatusActive {
		return nil
	}
	return &referrerID
}

func (h *AuthHandlers) grantSignupBonuses(userID int64, username string, referredBy *int64) {
	if h.cfg.RegisterBonus > 0 {
		if _, err := h.billing.AddCredits(userID, float64(h.cfg.RegisterBonus), store.ActionRegisterBonus, "Registration bonus", nil); err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("register bonus grant failed")
		}
	}
	if referredBy != nil && h.cfg.ReferralBonus > 0 {
		remark := fmt.Sprintf("Referral bonus for inviting user %s", username)
		if _, err := h.billing.AddCredits(*referredBy, float64(h.cfg.ReferralBonus), store.ActionReferralBonus, remark, nil); err != nil {
			log.Error().Err(err).Int64("user_id", *referredBy).Msg("referral bonus grant failed")
		}
	}
}

type sendCodeRequest struct {
	Email          string `json:"email"`
	Type           string `json:"type"`
	TurnstileToken string `json:"turnstile_token"`
}

func (h *AuthHandlers) SendCode(c *gin.Context) {
	var req sendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	emailAddr := strings.ToLower(middleware.SanitizeString(req.Email))
	purpose := req.Type
	if purpose == "" {
		purpose = email.PurposeRegister
	}
	ip := c.ClientIP()

	if emailAddr == "" || !email.ValidAddress(emailAddr) {
		respondFail(c, http.StatusBadRequest, "Invalid email address")
		return
	}

	if err := h.turnstile.Verify(c.Request.Context(), req.TurnstileToken, ip); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	switch purpose {
	case email.PurposeRegister:
		if _, err := h.store.GetUserByEmail(emailAddr); err == nil {
			respondFail(c, http.StatusBadRequest, "Email already registered")
			return
		}
	case email.PurposeResetPassword:
		if _, err := h.store.GetUserByEmail(emailAddr); errors.Is(err, store.ErrNotFound) {
			// Same success shape as the real send so addresses cannot be
			// enumerated.
			respondOK(c, "If the email exists, a verification code has been sent", nil)
			return
		}
	}

	expireMinutes := int(h.cfg.Security.CodeExpiry.Minutes())
	if err := h.emails.SendCode(c.Request.Context(), emailAddr, purpose, ip, expireMinutes); err != nil {
		switch {
		case errors.Is(err, email.ErrCodeCooldown), errors.Is(err, email.ErrCodeIPLimit):
			respondFail(c, http.StatusTooManyRequests, err.Error())
		default:
			respondFail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.store.LogSecurityEvent(nil, "verification_code_sent", ip, c.GetHeader("User-Agent"), map[string]any{
		"email": emailAddr,
		"type":  purpose,
	})
	respondOK(c, "Verification code sent", nil)
}

type registerRequest struct {
	Email          string `json:"email"`
	Code           string `json:"code"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TurnstileToken string `json:"turnstile_token"`
	ReferralCode   string `json:"referral_code"`
}

func (h *AuthHandlers) Register(c *gin.Context) {
	if !h.cfg.RegistrationEnabled {
		respondFail(c, http.StatusForbidden, "Registration is disabled")
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	emailAddr := strings.ToLower(middleware.SanitizeString(req.Email))
	code := middleware.SanitizeString(req.Code)
	username := middleware.SanitizeString(req.Username)
	ip := c.ClientIP()
	ua := c.GetHeader("User-Agent")

	if emailAddr == "" || !email.ValidAddress(emailAddr) {
		respondFail(c, http.StatusBadRequest, "Invalid email address")
		return
	}
	if code == "" {
		respondFail(c, http.StatusBadRequest, "Verification code is required")
		return
	}
	if len(username) < 3 || len(username) > 30 {
		respondFail(c, http.StatusBadRequest, "Username must be 3-30 characters")
		return
	}
	if !usernamePattern.MatchString(username) {
		respondFail(c, http.StatusBadRequest, "Username must start with letter and contain only letters, numbers, and underscores")
		return
	}
	if err := security.ValidatePassword(req.Password); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.turnstile.Verify(c.Request.Context(), req.TurnstileToken, ip); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.emails.Codes().Verify(c.Request.Context(), emailAddr, code, email.PurposeRegister); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := h.auth.HashPassword(req.Password)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	referredBy := h.resolveReferrer(req.ReferralCode)

	id, err := h.store.CreateUser(store.CreateUserParams{
		Username:      username,
		Email:         emailAddr,
		PasswordHash:  hash,
		Nickname:      username,
		Role:          store.RoleUser,
		Status:        store.StatusActive,
		EmailVerified: true,
		ReferredBy:    referredBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUsernameTaken):
			respondFail(c, http.StatusBadRequest, "Username already taken")
		case errors.Is(err, store.ErrEmailTaken):
			respondFail(c, http.StatusBadRequest, "Email already registered")
		default:
			respondFail(c, http.StatusInternalServerError, "Failed to create account")
		}
		return
	}

	h.grantSignupBonuses(id, username, referredBy)
	h.store.LogSecurityEvent(&id, "register", ip, ua, map[string]any{
		"email":       emailAddr,
		"referred_by": referredBy,
	})

	user, err := h.store.GetUserByID(id)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Failed to create account")
		return
	}

	token, err := h.auth.GenerateToken(user)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Token generation error")
		return
	}
	h.auth.SetAuthCookie(c, token)

	respondOK(c, "Registration successful", gin.H{
		"token":    token,
		"userinfo": h.buildUserinfo(user),
	})
}

type resetPasswordRequest struct {
	Email          string `json:"email"`
	Code           string `json:"code"`
	NewPassword    string `json:"new_password"`
	TurnstileToken string `json:"turnstile_token"`
}

func (h *AuthHandlers) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	emailAddr := strings.ToLower(middleware.SanitizeString(req.Email))
	code := middleware.SanitizeString(req.Code)
	ip := c.ClientIP()

	if emailAddr == "" || code == "" || req.NewPassword == "" {
		respondFail(c, http.StatusBadRequest, "Missing required fields")
		return
	}
	if err := security.ValidatePassword(req.NewPassword); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.turnstile.Verify(c.Request.Context(), req.TurnstileToken, ip); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.emails.Codes().Verify(c.Request.Context(), emailAddr, code, email.PurposeResetPassword); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.GetUserByEmail(emailAddr)
	if errors.Is(err, store.ErrNotFound) {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Password reset failed")
		return
	}

	hash, err := h.auth.HashPassword(req.NewPassword)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Password reset failed")
		return
	}
	if err := h.store.UpdatePassword(user.ID, hash); err != nil {
		respondFail(c, http.StatusInternalServerError, "Failed to reset password")
		return
	}

	h.limiter.ClearFailures(c.Request.Context(), user.Username, "")
	h.store.LogSecurityEvent(&user.ID, "password_reset", ip, c.GetHeader("User-Agent"), nil)
	respondOK(c, "Password reset successful", nil)
}

type changePasswordCodeRequest struct {
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// ChangePasswordWithCode changes the signed-in user's password after
// verifying a code sent to the account's email.
func (h *AuthHandlers) ChangePasswordWithCode(c *gin.Context) {
	var req changePasswordCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	code := middleware.SanitizeString(req.Code)
	if code == "" || req.NewPassword == "" {
		respondFail(c, http.StatusBadRequest, "Missing required fields")
		return
	}
	if err := security.ValidatePassword(req.NewPassword); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.store.GetUserByID(middleware.UserID(c))
	if err != nil || user.Email == "" {
		respondFail(c, http.StatusBadRequest, "User email not found")
		return
	}

	if err := h.emails.Codes().Verify(c.Request.Context(), user.Email, code, email.PurposeChangePassword); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := h.auth.HashPassword(req.NewPassword)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, "Password change failed")
		return
	}
	if err := h.store.UpdatePassword(user.ID, hash); err != nil {
		respondFail(c, http.StatusInternalServerError, "Failed to change password")
		return
	}

	h.store.LogSecurityEvent(&user.ID, "password_changed", c.ClientIP(), c.GetHeader("User-Agent"), nil)
	respondOK(c, "Password changed successfully", nil)
}

// OAuthRedirect bounces the browser to the provider consent page.
func (h *AuthHandlers) OAuthRedirect(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authURL, err := h.oauth.AuthURL(c.Request.Context(), provider)
		if err != nil {
			respondFail(c, http.StatusBadRequest, err.Error())
			return
		}
		c.Redirect(http.StatusFound, authURL)
	}
}

// OAuthCallback completes the provider flow. Success and failure both land
// back on the frontend login page, which picks up oauth_token or oauth_error
// from the query string.
func (h *AuthHandlers) OAuthCallback(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		loginURL := h.cfg.FrontendURL + "/user/login"

		if errParam := c.Query("error"); errParam != "" {
			c.Redirect(http.StatusFound, loginURL+"?oauth_error="+url.QueryEscape(errParam))
			return
		}

		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" {
			c.Redirect(http.StatusFound, loginURL+"?oauth_error=missing_params")
			return
		}

		user, err := h.oauth.Callback(c.Request.Context(), provider, code, state)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Msg("oauth callback failed")
			c.Redirect(http.StatusFound, loginURL+"?oauth_error="+url.QueryEscape(err.Error()))
			return
		}

		if msg, ok := statusBlocks(user.Status); !ok {
			c.Redirect(http.StatusFound, loginURL+"?oauth_error="+url.QueryEscape(msg))
			return
		}

		token, err := h.auth.GenerateToken(user)
		if err != nil {
			c.Redirect(http.StatusFound, loginURL+"?oauth_error=server_error")
			return
		}

		h.store.LogSecurityEvent(&user.ID, "oauth_login", c.ClientIP(), c.GetHeader("User-Agent"), map[string]any{
			"provider": provider,
		})
		h.auth.SetAuthCookie(c, token)
		c.Redirect(http.StatusFound, loginURL+"?oauth_token="+url.QueryEscape(token))
	}
}

// Logout is stateless on the server; it clears the cookie and the client
// drops its token.
func (h *AuthHandlers) Logout(c *gin.Context) {
	middleware.ClearAuthCookie(c)
	respondOK(c, "Logout successful", nil)
}

// Info returns the current session's user payload, refreshed from the store.
func (h *AuthHandlers) Info(c *gin.Context) {
	user, err := h.store.GetUserByID(middleware.UserID(c))
	if err != nil {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	respondOK(c, "Success", h.buildUserinfo(user))
}
