package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"slide-lite/internal/middleware"
	"slide-lite/internal/store"
)

type AccountHandler struct {
	Store *store.Store
}

func (h *AccountHandler) Profile(c *gin.Context) {
	username, ok := middleware.UsernameFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	account, ok := h.Store.GetAccount(username)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	resp := gin.H{
		"username":  account.Username,
		"createdAt": account.CreatedAt,
		"stream":    nil,
	}
	if st, ok := h.Store.GetStream(username); ok {
		resp["stream"] = streamJSON(st)
	}
	c.JSON(http.StatusOK, resp)
}
