package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ocsafe/cyberguard/internal/models"
	"github.com/ocsafe/cyberguard/pkg/response"
)

// RequireRole returns a middleware that allows only dashboard users holding one of roles.
// It must run after JWT, which stores the role claim.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		s, _ := role.(string)
		if _, ok := allowed[models.Role(s)]; !ok {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}
