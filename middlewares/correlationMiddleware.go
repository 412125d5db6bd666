package middlewares

import (
	"strings"

	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const HeaderCorrelationId = "X-Correlation-Id"

// CorrelationMiddleware carries the caller's correlation id (or Cloud Run's
// trace id) into the request context and echoes it back. A fresh one is
// generated when neither is present.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Request.Header.Get(HeaderCorrelationId))
		if id == "" {
			// "TRACE_ID/SPAN_ID;o=1"
			if trace := c.Request.Header.Get("X-Cloud-Trace-Context"); trace != "" {
				id, _, _ = strings.Cut(trace, "/")
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderCorrelationId, id)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), id))
		c.Next()
	}
}
