package apikeys

import (
	"github.com/gin-gonic/gin"

	"github.com/ocsafe/cyberguard/internal/metrics"
	"github.com/ocsafe/cyberguard/pkg/response"
)

const (
	// HeaderName carries the raw agent key.
	HeaderName = "X-API-Key"
	// ContextTenant is the gin context key for the authenticated Tenant.
	ContextTenant = "api_key_tenant"
)

// RequireKey returns a middleware that authenticates the X-API-Key header and stores the Tenant in context.
// Every failure produces the same 401 body.
func RequireKey(auth *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant, err := auth.Authenticate(c.Request.Context(), c.GetHeader(HeaderName))
		if err != nil {
			metrics.AuthFailures.Inc()
			response.Unauthorized(c, ErrUnauthenticated.Error())
			c.Abort()
			return
		}
		c.Set(ContextTenant, tenant)
		c.Next()
	}
}

// TenantFrom returns the Tenant stored by RequireKey.
func TenantFrom(c *gin.Context) (Tenant, bool) {
	v, ok := c.Get(ContextTenant)
	if !ok {
		return Tenant{}, false
	}
	t, ok := v.(Tenant)
	return t, ok
}

// RateKey identifies the caller for per-key rate limiting.
func RateKey(c *gin.Context) string {
	if t, ok := TenantFrom(c); ok {
		return t.Prefix
	}
	return c.ClientIP()
}
