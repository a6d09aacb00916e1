package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Input sanitization helpers
func SanitizeString(input string) string {
	// Remove null bytes and control characters except newlines and tabs
	input = controlChars.ReplaceAllString(input, "")
	return strings.TrimSpace(input)
}

// Validation middleware
func ValidateJSON(v interface{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := c.ShouldBindJSON(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": 0,
				"msg":  "Invalid JSON format",
			})
			c.Abort()
			return
		}

		if err := validate.Struct(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code": 0,
				"msg":  "Validation failed: " + err.Error(),
			})
			c.Abort()
			return
		}

		c.Set("validated_data", v)
		c.Next()
	}
}

// ValidateStruct runs validator tags against an already-bound struct.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
