// Package gin adapts the payment middleware to gin-based resource servers.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402flex "github.com/x402flex/x402flex-go"
	x402http "github.com/x402flex/x402flex-go/http"
)

// PaymentMiddleware guards registered routes on a gin engine. Routes the
// server does not know about pass through untouched. Unpaid requests are
// answered with the route's 402 challenge and the handler chain is aborted;
// verified requests continue with the settlement result available through
// Settlement.
func PaymentMiddleware(server *x402http.ResourceServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		paid := false
		guard := server.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paid = true
			c.Request = r
			c.Next()
		}))
		guard.ServeHTTP(c.Writer, c.Request)
		if !paid {
			c.Abort()
		}
	}
}

// Settlement returns the verification result attached to a paid request.
func Settlement(c *gin.Context) (*x402flex.SettlementResult, bool) {
	return x402http.SettlementFromContext(c.Request.Context())
}

// DiscoveryHandler serves the server's discovery document.
func DiscoveryHandler(server *x402http.ResourceServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, server.Discovery())
	}
}
