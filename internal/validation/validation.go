// Package validation provides input validation middleware for the ticketd API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// prefixedIDRegex matches ids minted by idgen.WithPrefix: a short
// lowercase prefix, an underscore, and 24 hex chars.
var prefixedIDRegex = regexp.MustCompile(`^[a-z]{2,8}_[a-f0-9]{24}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed prefixed id ("ord_...",
// "mock_...").
func IsValidID(id string) bool {
	return prefixedIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// IDParamMiddleware validates the named URL parameter on routes that use it.
// Apply to route groups with id params to reject malformed ids early,
// before they reach a store lookup.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "malformed " + param + " parameter",
			})
			return
		}
		c.Next()
	}
}
