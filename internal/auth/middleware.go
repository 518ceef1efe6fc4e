package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const identityKey = "auth.identity"

// RequireRole rejects requests whose Authorization header does not carry a
// token with at least the required role.
func RequireRole(m *Manager, required Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := m.Authorize(BearerToken(c.GetHeader("Authorization")), required)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrForbidden) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// FromContext returns the identity stored by RequireRole.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}
