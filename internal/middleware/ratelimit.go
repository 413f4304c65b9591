package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/machpay/relayer/internal/service"
)

// HeaderGatewayID identifies the submitting gateway on rate-limited routes.
const HeaderGatewayID = "X-Gateway-Id"

// RateLimitMiddleware throttles per gateway so one flooding gateway cannot
// starve the others. Requests without a gateway id are rejected before they
// reach the handler.
func RateLimitMiddleware(registry *service.GatewayRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		gatewayID := c.GetHeader(HeaderGatewayID)
		if gatewayID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + HeaderGatewayID + " header"})
			c.Abort()
			return
		}

		if !registry.Limiter(gatewayID).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Set(ContextGatewayKey, gatewayID)
		c.Next()
	}
}

// ContextGatewayKey carries the authenticated gateway id through the request.
const ContextGatewayKey = "gateway_id"
