package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/p369349074/QuantDinger-sub001/internal/store"
)

const (
	LandingPath  = "/dashboard/workplace"
	roleCacheTTL = 30 * time.Second
)

// RoleSource resolves a user's current role. Backed by the user store in
// production; tests substitute a stub.
type RoleSource interface {
	GetUserByID(id int64) (*store.User, error)
}

// Guard drives page navigation: anonymous visitors on guarded routes go to
// the login page with the original path preserved, signed-in visitors on the
// login page go to the landing page, and everyone else passes through with
// their effective role attached.
//
// Roles are re-read from the store on a short cache so role changes apply
// without forcing a new login. If the role lookup fails the visitor is
// degraded to viewer permissions rather than locked out.
type Guard struct {
	auth  *AuthService
	roles RoleSource

	mu    sync.Mutex
	cache map[int64]roleEntry
}

type roleEntry struct {
	role    store.Role
	expires time.Time
}

func NewGuard(auth *AuthService, roles RoleSource) *Guard {
	return &Guard{
		auth:  auth,
		roles: roles,
		cache: make(map[int64]roleEntry),
	}
}

// Pages returns the navigation middleware for browser page routes.
func (g *Guard) Pages() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		token := ExtractToken(c)

		var claims *Claims
		if token != "" {
			claims, _ = g.auth.ValidateToken(token)
		}

		if claims == nil {
			if path == LoginPath {
				c.Next()
				return
			}
			redirectToLogin(c)
			return
		}

		if path == LoginPath {
			c.Redirect(http.StatusFound, LandingPath)
			c.Abort()
			return
		}

		setIdentity(c, claims)
		c.Set("effective_role", string(g.effectiveRole(claims.UserID)))
		c.Next()
	}
}

// effectiveRole reads the user's current role, falling back to viewer when
// the store is unavailable or the account no longer exists.
func (g *Guard) effectiveRole(userID int64) store.Role {
	g.mu.Lock()
	if entry, ok := g.cache[userID]; ok && time.Now().Before(entry.expires) {
		g.mu.Unlock()
		return entry.role
	}
	g.mu.Unlock()

	user, err := g.roles.GetUserByID(userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("role lookup failed, degrading to viewer")
		return store.RoleViewer
	}

	g.mu.Lock()
	g.cache[userID] = roleEntry{role: user.Role, expires: time.Now().Add(roleCacheTTL)}
	g.mu.Unlock()
	return user.Role
}

// Invalidate drops a user's cached role after an admin changes it.
func (g *Guard) Invalidate(userID int64) {
	g.mu.Lock()
	delete(g.cache, userID)
	g.mu.Unlock()
}

// PermissionRequired gates an API route on a named permission. Runs after
// RequireAPIAuth, which placed the token identity on the context; the role is
// re-read through the guard cache so revoked roles take effect promptly.
func (g *Guard) PermissionRequired(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := g.effectiveRole(UserID(c))
		if !role.Can(permission) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": 0,
				"msg":  "Permission denied",
			})
			return
		}
		c.Set("effective_role", string(role))
		c.Next()
	}
}

// RequireAdmin gates an API route on the admin role.
func (g *Guard) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := g.effectiveRole(UserID(c))
		if role != store.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": 0,
				"msg":  "Admin access required",
			})
			return
		}
		c.Set("effective_role", string(role))
		c.Next()
	}
}
