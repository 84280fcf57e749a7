package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Komala-2k/Payment-wallet-week2/internal/auth"
	"github.com/Komala-2k/Payment-wallet-week2/internal/logger"
)

// RequireAuth accepts "Authorization: Bearer <token>" and stores the
// token's account id on the request.
func RequireAuth(tokens *auth.TokenService, log *logger.Logger) gin.HandlerFunc {
	log = log.With("middleware", "RequireAuth")
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			RespondError(c, http.StatusUnauthorized, codeUnauthorized, errors.New("missing or invalid token"))
			return
		}
		accountID, err := tokens.Verify(tokenString)
		if err != nil {
			log.Debug("Rejected token", "error", err)
			RespondError(c, http.StatusUnauthorized, codeUnauthorized, auth.ErrInvalidToken)
			return
		}
		c.Request = c.Request.WithContext(auth.WithAccountID(c.Request.Context(), accountID))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func callerID(c *gin.Context) string {
	id, _ := auth.AccountID(c.Request.Context())
	return id
}

// RequestLog writes one line per request.
func RequestLog(log *logger.Logger) gin.HandlerFunc {
	log = log.With("middleware", "RequestLog")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		kv := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("Request", kv...)
			return
		}
		log.Debug("Request", kv...)
	}
}
