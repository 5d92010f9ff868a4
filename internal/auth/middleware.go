package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"prop-trading-engine/internal/database"
)

const (
	// Context keys for user data
	ContextKeyUserID = "user_id"
	ContextKeyRole   = "user_role"
	ContextKeyClaims = "user_claims"
)

// Middleware creates a JWT authentication middleware
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := claimsFromRequest(c, jwtManager)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyRole, claims.Role)
		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// claimsFromRequest accepts the token from the Authorization header or,
// for websocket upgrades where headers are awkward, a token query param.
func claimsFromRequest(c *gin.Context, jwtManager *JWTManager) (*UserClaims, error) {
	tokenString := ""
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return nil, ErrInvalidToken
		}
		tokenString = parts[1]
	} else {
		tokenString = c.Query("token")
	}
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	return jwtManager.ValidateAccessToken(tokenString)
}

// RequireAdmin middleware ensures the user holds an admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"message": "admin access required",
			})
			return
		}
		c.Next()
	}
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		return userID.(string)
	}
	return ""
}

// GetRole extracts the user role from the Gin context
func GetRole(c *gin.Context) string {
	if role, exists := c.Get(ContextKeyRole); exists {
		return role.(string)
	}
	return ""
}

// IsAdmin checks whether the current user holds an admin role
func IsAdmin(c *gin.Context) bool {
	switch GetRole(c) {
	case database.RoleAdmin, database.RoleSuperAdmin:
		return true
	}
	return false
}
