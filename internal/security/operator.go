package security

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/risk"
)

// OperatorHeader carries the operator identity, authenticated upstream.
const OperatorHeader = "X-Operator-ID"

const operatorContextKey = "operator_id"

var operatorPattern = regexp.MustCompile(`^[A-Za-z0-9._@:+-]{1,128}$`)

// ValidOperator reports whether id is usable as a manual changedBy value.
// "system" is reserved for automatic transitions.
func ValidOperator(id string) bool {
	return operatorPattern.MatchString(id) && !strings.EqualFold(id, risk.ChangedBySystem)
}

// OperatorMiddleware reads the operator header, when present, into the gin
// context and the request's logging context.
func OperatorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		op := strings.TrimSpace(c.GetHeader(OperatorHeader))
		if op == "" {
			c.Next()
			return
		}
		if !ValidOperator(op) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_operator",
				"message": "X-Operator-ID must be 1-128 characters of [A-Za-z0-9._@:+-] and not 'system'",
			})
			return
		}
		c.Set(operatorContextKey, op)
		c.Request = c.Request.WithContext(logging.WithOperatorID(c.Request.Context(), op))
		c.Next()
	}
}

// RequireOperator rejects requests without an operator identity.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Operator(c) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "operator_required",
				"message": "This action requires an X-Operator-ID header",
			})
			return
		}
		c.Next()
	}
}

// Operator returns the operator identity set by OperatorMiddleware.
func Operator(c *gin.Context) string {
	return c.GetString(operatorContextKey)
}
