package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
	roleKey        = "role"
)

// AuthMiddleware validates tokens and enforces authentication. With auth
// disabled every request gets full permissions.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil || !a.enabled {
			c.Set(permissionsKey, roleToPermissions("admin"))
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			c.Abort()
			return
		}

		claims, permissions, err := a.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Set(permissionsKey, permissions)
		c.Set(usernameKey, claims.Username)
		c.Set(roleKey, claims.Role)
		c.Next()
	}
}

// bearerToken reads "Bearer <token>" or, for websocket upgrades where
// browsers cannot set headers, the token query parameter.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return ""
		}
		return parts[1]
	}
	return c.Query("token")
}

// HasPermission reports whether the request carries the permission.
func HasPermission(c *gin.Context, required Permission) bool {
	perms, _ := c.Get(permissionsKey)
	permissions, _ := perms.([]Permission)
	for _, p := range permissions {
		if p == required {
			return true
		}
	}
	return false
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get(permissionsKey)
		if !exists {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "no permissions found",
			})
			c.Abort()
			return
		}

		permissions, _ := perms.([]Permission)
		for _, p := range permissions {
			if p == required {
				c.Next()
				return
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error":    "insufficient permissions",
			"required": string(required),
		})
		c.Abort()
	}
}

// Username returns the authenticated operator, empty with auth disabled.
func Username(c *gin.Context) string {
	return c.GetString(usernameKey)
}
