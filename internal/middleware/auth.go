package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/terminal-bench/attestd/internal/services/operator"
)

const (
	// OperatorHeader identifies the operator when token auth is disabled
	OperatorHeader = "X-Operator-ID"

	operatorKey = "operator_id"
)

// TokenParser resolves a bearer token to an operator id
type TokenParser interface {
	Enabled() bool
	ParseToken(token string) (string, error)
}

var _ TokenParser = (*operator.Directory)(nil)

// Identify resolves the calling operator, if any, and stores it on the
// context. With token auth enabled only a bearer token counts and a bad
// one is rejected; otherwise the X-Operator-ID header is trusted.
func Identify(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens != nil && tokens.Enabled() {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.Next()
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
				return
			}

			id, err := tokens.ParseToken(tokenString)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Set(operatorKey, id)
			c.Next()
			return
		}

		if id := strings.TrimSpace(c.GetHeader(OperatorHeader)); id != "" {
			c.Set(operatorKey, id)
		}
		c.Next()
	}
}

// RequireOperator rejects requests Identify could not attribute
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetOperatorID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator identity required"})
			return
		}
		c.Next()
	}
}

// GetOperatorID extracts the operator id set by Identify
func GetOperatorID(c *gin.Context) (string, bool) {
	v, exists := c.Get(operatorKey)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
