// Package validation provides input validation helpers and middleware for
// the risk engine API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskengine/internal/risk"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxCommentLength bounds operator comments and whitelist notes.
const MaxCommentLength = 2000

// userIDRegex accepts opaque user ids from the host platform.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks the user id format.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks a user id field.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9._:@-]"}
		}
		return nil
	}
}

// ValidCategory checks a category field.
func ValidCategory(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !risk.Category(value).Valid() {
			return &ValidationError{Field: field, Message: "must be a lowercase identifier such as bot or dumping"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// KeyParamMiddleware validates the :userId and :category URL parameters on
// routes that use them.
func KeyParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		errs := Validate(
			ValidUserID("userId", c.Param("userId")),
			ValidCategory("category", c.Param("category")),
		)
		if len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		c.Next()
	}
}
