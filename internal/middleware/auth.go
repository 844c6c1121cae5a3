package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"slide-lite/internal/auth"
	"slide-lite/internal/model"
)

const usernameContextKey = "username"

// AccountLookup resolves the account a bearer token names.
type AccountLookup interface {
	GetAccount(username string) (model.Account, bool)
}

func UsernameFromContext(c *gin.Context) (string, bool) {
	username, ok := c.Get(usernameContextKey)
	if !ok {
		return "", false
	}
	value, ok := username.(string)
	return value, ok && value != ""
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func rejectToken(c *gin.Context, reason string) {
	c.Header("WWW-Authenticate", `Bearer realm="slide", error="invalid_token"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}

// RequireAuth admits requests carrying a valid bearer token. When accounts
// is non-nil the token's subject must also still be a known account, so
// tokens minted before a store wipe stop working.
func RequireAuth(cfg auth.TokenConfig, accounts AccountLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			rejectToken(c, "Missing bearer token")
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			rejectToken(c, "Invalid authentication token")
			return
		}

		username := claims.Username()
		if accounts != nil {
			if _, known := accounts.GetAccount(username); !known {
				rejectToken(c, "Unknown account")
				return
			}
		}

		c.Set(usernameContextKey, username)
		c.Next()
	}
}
