package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *Claims after GinAuth.
const ClaimsKey = "auth_claims"

// GinAuth rejects requests without valid bearer credentials. It is a no-op
// when v is not Enabled.
func GinAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}
		cred, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "Authentication required")
			return
		}
		claims, err := v.Verify(cred)
		if err != nil {
			unauthorized(c, "Invalid credentials")
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireScope must run after GinAuth.
func RequireScope(v *Verifier, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}
		val, _ := c.Get(ClaimsKey)
		claims, ok := val.(*Claims)
		if !ok {
			unauthorized(c, "Authentication required")
			return
		}
		if !claims.Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "insufficient_scope",
				"message": "token lacks scope " + scope,
			})
			return
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "authentication_failed",
		"message": msg,
	})
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
