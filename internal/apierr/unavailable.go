package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUnavailable sends a 503 Service Unavailable response and aborts
// the request. Used when the Bus connection is not usable: a chat without a
// consumer cannot deliver anything, so the failure is surfaced immediately.
func AbortWithUnavailable(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, NewAPIError(message, withCode(details, CodeUnavailable)))
}
