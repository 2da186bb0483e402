package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderCorrelationID is echoed on every response so a gateway delivery or
// an operator request can be traced back from the caller's side
const HeaderCorrelationID = "X-Correlation-ID"

// correlationKey stores the id in the gin context for the rest of the chain
const correlationKey = "correlation_id"

// CorrelationID tags each request with a tracing id. Payment gateways never
// send one with webhook deliveries, so those always get a generated id.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Header(HeaderCorrelationID, id)
		c.Set(correlationKey, id)

		c.Next()
	}
}

// GetCorrelationID returns the request's correlation id, or "" when the
// middleware has not run
func GetCorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}
