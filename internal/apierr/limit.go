package apierr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithLimitReached sends a 429 Too Many Requests response and aborts
// the request. Used when a session exceeds its chat limit. The per-user
// session cap is handled by eviction, never by this error.
func AbortWithLimitReached(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, NewAPIError(message, withCode(details, CodeLimit)))
}
