package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is reported by /v1/version and the slidectl binary.
const Version = "0.3.0"

type VersionHandler struct{}

func (h *VersionHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version, "update_required": false})
}
