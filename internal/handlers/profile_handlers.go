package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/config"
	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/routes"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

// ProfileHandlers provides endpoints for self-service account actions.
type ProfileHandlers struct {
	cfg     config.Config
	store   *store.Store
	auth    *middleware.AuthService
	billing *billing.Service
}

func NewProfileHandlers(cfg config.Config, st *store.Store, auth *middleware.AuthService, bill *billing.Service) *ProfileHandlers {
	return &ProfileHandlers{cfg: cfg, store: st, auth: auth, billing: bill}
}

// Profile returns the signed-in user's account with permissions and billing
// attached.
func (h *ProfileHandlers) Profile(c *gin.Context) {
	userID := middleware.UserID(c)
	user, err := h.store.GetUserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	respondOK(c, "success", gin.H{
		"user":        user,
		"permissions": store.Permissions(user.Role),
		"billing":     h.billing.UserInfo(userID),
	})
}

type updateProfileRequest struct {
	Nickname *string `json:"nickname"`
	Avatar   *string `json:"avatar"`
}

// UpdateProfile lets users change display fields only. Email is bound to the
// account and stays admin-managed.
func (h *ProfileHandlers) UpdateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}
	if req.Nickname == nil && req.Avatar == nil {
		respondFail(c, http.StatusBadRequest, "No valid fields to update")
		return
	}

	if req.Nickname != nil {
		clean := middleware.SanitizeString(*req.Nickname)
		req.Nickname = &clean
	}
	if req.Avatar != nil {
		clean := middleware.SanitizeString(*req.Avatar)
		req.Avatar = &clean
	}

	err := h.store.UpdateUser(middleware.UserID(c), store.UpdateUserParams{
		Nickname: req.Nickname,
		Avatar:   req.Avatar,
	})
	if err != nil {
		respondFail(c, http.StatusBadRequest, "Update failed")
		return
	}
	respondOK(c, "Profile updated successfully", nil)
}

func (h *ProfileHandlers) MyCreditsLog(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.billing.CreditsLog(middleware.UserID(c), page, pageSizeClamp(pageSize))
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", result)
}

func (h *ProfileHandlers) MyReferrals(c *gin.Context) {
	userID := middleware.UserID(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	pageSize = pageSizeClamp(pageSize)

	referrals, total, err := h.store.ListReferrals(userID, page, pageSize)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	respondOK(c, "success", gin.H{
		"list":           referrals,
		"total":          total,
		"page":           page,
		"page_size":      pageSize,
		"referral_code":  strconv.FormatInt(userID, 10),
		"referral_bonus": h.cfg.ReferralBonus,
		"register_bonus": h.cfg.RegisterBonus,
	})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword changes the password against the old one. Accounts created
// through code or OAuth login have no password yet and may set one directly.
func (h *ProfileHandlers) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}
	if req.NewPassword == "" {
		respondFail(c, http.StatusBadRequest, "New password required")
		return
	}
	if len(req.NewPassword) < 6 {
		respondFail(c, http.StatusBadRequest, "New password must be at least 6 characters")
		return
	}

	userID := middleware.UserID(c)
	user, err := h.store.GetUserByID(userID)
	if errors.Is(err, store.ErrNotFound) {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	if user.HasPassword() {
		if req.OldPassword == "" {
			respondFail(c, http.StatusBadRequest, "Old password required")
			return
		}
		if !h.auth.CheckPassword(req.OldPassword, user.PasswordHash) {
			respondFail(c, http.StatusBadRequest, "Old password incorrect")
			return
		}
	}

	hash, err := h.auth.HashPassword(req.NewPassword)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.store.UpdatePassword(userID, hash); err != nil {
		respondFail(c, http.StatusInternalServerError, "Failed to change password")
		return
	}

	msg := "Password changed successfully"
	if !user.HasPassword() {
		msg = "Password set successfully"
	}
	h.store.LogSecurityEvent(&userID, "password_changed", c.ClientIP(), c.GetHeader("User-Agent"), nil)
	respondOK(c, msg, nil)
}

// Routes returns the navigation tree unlocked by the user's role. New
// sessions call this once and register the returned routes client-side.
func (h *ProfileHandlers) Routes(c *gin.Context) {
	user, err := h.store.GetUserByID(middleware.UserID(c))

	role := store.RoleViewer
	if err == nil {
		role = user.Role
	}

	perms := make(map[string]bool)
	for _, p := range store.Permissions(role) {
		perms[p] = true
	}
	respondOK(c, "success", gin.H{
		"role":   string(role),
		"routes": routes.Filter(perms),
	})
}

// OAuthLinks lists the third-party identities attached to the account.
func (h *ProfileHandlers) OAuthLinks(c *gin.Context) {
	links, err := h.store.UserOAuthLinks(middleware.UserID(c))
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", gin.H{"list": links})
}

type unlinkOAuthRequest struct {
	Provider string `json:"provider"`
}

func (h *ProfileHandlers) UnlinkOAuth(c *gin.Context) {
	var req unlinkOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Provider == "" {
		respondFail(c, http.StatusBadRequest, "Missing provider")
		return
	}

	if err := h.store.UnlinkOAuth(middleware.UserID(c), req.Provider); err != nil {
		respondFail(c, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(c, "OAuth account unlinked", nil)
}
