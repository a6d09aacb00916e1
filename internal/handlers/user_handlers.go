package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/p369349074/QuantDinger-sub001/internal/billing"
	"github.com/p369349074/QuantDinger-sub001/internal/middleware"
	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

// UserHandlers serves the admin user-management API.
type UserHandlers struct {
	store   *store.Store
	auth    *middleware.AuthService
	billing *billing.Service
	guard   *middleware.Guard
}

func NewUserHandlers(st *store.Store, auth *middleware.AuthService, bill *billing.Service, guard *middleware.Guard) *UserHandlers {
	return &UserHandlers{store: st, auth: auth, billing: bill, guard: guard}
}

func (h *UserHandlers) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	search := middleware.SanitizeString(c.Query("search"))

	result, err := h.store.ListUsers(page, pageSizeClamp(pageSize), search)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", result)
}

func (h *UserHandlers) Detail(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user id")
		return
	}

	user, err := h.store.GetUserByID(id)
	if errors.Is(err, store.ErrNotFound) {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", user)
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

func (h *UserHandlers) Create(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	username := middleware.SanitizeString(req.Username)
	if username == "" || req.Password == "" {
		respondFail(c, http.StatusBadRequest, "Username and password are required")
		return
	}

	role := store.Role(req.Role)
	if req.Role == "" {
		role = store.RoleUser
	}
	if !store.ValidRole(role) {
		respondFail(c, http.StatusBadRequest, "Invalid role")
		return
	}

	hash, err := h.auth.HashPassword(req.Password)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	nickname := middleware.SanitizeString(req.Nickname)
	if nickname == "" {
		nickname = username
	}

	id, err := h.store.CreateUser(store.CreateUserParams{
		Username:     username,
		Email:        strings.ToLower(middleware.SanitizeString(req.Email)),
		PasswordHash: hash,
		Nickname:     nickname,
		Role:         role,
		Status:       store.StatusActive,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUsernameTaken), errors.Is(err, store.ErrEmailTaken):
			respondFail(c, http.StatusBadRequest, err.Error())
		default:
			respondFail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondOK(c, "User created successfully", gin.H{"id": id})
}

type updateUserRequest struct {
	Email    *string `json:"email"`
	Nickname *string `json:"nickname"`
	Avatar   *string `json:"avatar"`
	Role     *string `json:"role"`
	Status   *string `json:"status"`
}

func (h *UserHandlers) Update(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user id")
		return
	}

	var req updateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}

	params := store.UpdateUserParams{
		Email:    req.Email,
		Nickname: req.Nickname,
		Avatar:   req.Avatar,
		Status:   req.Status,
	}
	if req.Role != nil {
		role := store.Role(*req.Role)
		if !store.ValidRole(role) {
			respondFail(c, http.StatusBadRequest, "Invalid role")
			return
		}
		// Demoting the only admin would lock the system.
		if role != store.RoleAdmin {
			target, err := h.store.GetUserByID(id)
			if err == nil && target.Role == store.RoleAdmin {
				if count, err := h.store.AdminCount(); err == nil && count <= 1 {
					respondFail(c, http.StatusBadRequest, "Cannot demote the last admin")
					return
				}
			}
		}
		params.Role = &role
	}

	if err := h.store.UpdateUser(id, params); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			respondFail(c, http.StatusNotFound, "User not found")
		case errors.Is(err, store.ErrEmailTaken):
			respondFail(c, http.StatusBadRequest, err.Error())
		default:
			respondFail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.guard.Invalidate(id)
	respondOK(c, "User updated successfully", nil)
}

func (h *UserHandlers) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Query("id"), 10, 64)
	if err != nil || id == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user id")
		return
	}

	if middleware.UserID(c) == id {
		respondFail(c, http.StatusBadRequest, "Cannot delete yourself")
		return
	}

	target, err := h.store.GetUserByID(id)
	if errors.Is(err, store.ErrNotFound) {
		respondFail(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if target.Role == store.RoleAdmin {
		if count, err := h.store.AdminCount(); err == nil && count <= 1 {
			respondFail(c, http.StatusBadRequest, "Cannot delete the last admin")
			return
		}
	}

	if err := h.store.DeleteUser(id); err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	h.guard.Invalidate(id)
	respondOK(c, "User deleted successfully", nil)
}

type adminResetPasswordRequest struct {
	UserID      int64  `json:"user_id"`
	NewPassword string `json:"new_password"`
}

func (h *UserHandlers) ResetPassword(c *gin.Context) {
	var req adminResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}
	if req.UserID == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user_id")
		return
	}
	if len(req.NewPassword) < 6 {
		respondFail(c, http.StatusBadRequest, "Password must be at least 6 characters")
		return
	}

	hash, err := h.auth.HashPassword(req.NewPassword)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.store.UpdatePassword(req.UserID, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondFail(c, http.StatusNotFound, "User not found")
			return
		}
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "Password reset successfully", nil)
}

func (h *UserHandlers) Roles(c *gin.Context) {
	roles := make([]gin.H, 0, len(store.Roles))
	for _, role := range store.Roles {
		name := string(role)
		roles = append(roles, gin.H{
			"id":          name,
			"name":        strings.ToUpper(name[:1]) + name[1:],
			"permissions": store.Permissions(role),
		})
	}
	respondOK(c, "success", gin.H{"roles": roles})
}

type setCreditsRequest struct {
	UserID  int64    `json:"user_id"`
	Credits *float64 `json:"credits"`
	Remark  string   `json:"remark"`
}

func (h *UserHandlers) SetCredits(c *gin.Context) {
	var req setCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}
	if req.UserID == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user_id")
		return
	}
	if req.Credits == nil || *req.Credits < 0 {
		respondFail(c, http.StatusBadRequest, "Credits must be a non-negative number")
		return
	}

	operatorID := middleware.UserID(c)
	balance, err := h.billing.SetCredits(req.UserID, *req.Credits, middleware.SanitizeString(req.Remark), &operatorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondFail(c, http.StatusNotFound, "User not found")
			return
		}
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "Credits updated successfully", gin.H{"credits": balance})
}

type setVIPRequest struct {
	UserID       int64  `json:"user_id"`
	VIPDays      *int   `json:"vip_days"`
	VIPExpiresAt string `json:"vip_expires_at"`
	Remark       string `json:"remark"`
}

func (h *UserHandlers) SetVIP(c *gin.Context) {
	var req setVIPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondFail(c, http.StatusBadRequest, "No data provided")
		return
	}
	if req.UserID == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user_id")
		return
	}

	var expiresAt *time.Time
	switch {
	case req.VIPExpiresAt != "":
		t, err := time.Parse(time.RFC3339, req.VIPExpiresAt)
		if err != nil {
			respondFail(c, http.StatusBadRequest, "Invalid vip_expires_at format")
			return
		}
		expiresAt = &t
	case req.VIPDays != nil:
		if *req.VIPDays > 0 {
			t := time.Now().UTC().Add(time.Duration(*req.VIPDays) * 24 * time.Hour)
			expiresAt = &t
		}
	default:
		respondFail(c, http.StatusBadRequest, "Provide vip_days or vip_expires_at")
		return
	}

	operatorID := middleware.UserID(c)
	if err := h.billing.SetVIP(req.UserID, expiresAt, middleware.SanitizeString(req.Remark), &operatorID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondFail(c, http.StatusNotFound, "User not found")
			return
		}
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}

	var expiresOut any
	if expiresAt != nil {
		expiresOut = expiresAt.Format(time.RFC3339)
	}
	respondOK(c, "VIP status updated successfully", gin.H{"vip_expires_at": expiresOut})
}

func (h *UserHandlers) CreditsLog(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID == 0 {
		respondFail(c, http.StatusBadRequest, "Missing user_id")
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.billing.CreditsLog(userID, page, pageSizeClamp(pageSize))
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", result)
}

// SecurityLog returns recent security events for the admin console.
func (h *UserHandlers) SecurityLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}
	events, err := h.store.RecentSecurityEvents(limit)
	if err != nil {
		respondFail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(c, "success", gin.H{"list": events})
}
