package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"slide-lite/internal/auth"
	"slide-lite/internal/middleware"
	"slide-lite/internal/store"
)

type AuthHandler struct {
	Store              *store.Store
	TokenConfig        auth.TokenConfig
	AuthRequestLimiter *middleware.RateLimiter
}

type authBody struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// Auth exchanges a username and its credential for a bearer token. It binds
// the credential the same way a websocket login does.
func (h *AuthHandler) Auth(c *gin.Context) {
	if h.AuthRequestLimiter != nil && !h.AuthRequestLimiter.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	account, err := h.Store.Authenticate(body.Username, body.Credential, time.Now().UnixMilli())
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, store.ErrInvalidUsername) || errors.Is(err, store.ErrInvalidCredential) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	token, err := auth.CreateToken(account.Username, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
