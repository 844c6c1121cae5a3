package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"slide-lite/internal/middleware"
	"slide-lite/internal/model"
	"slide-lite/internal/remote"
	"slide-lite/internal/store"
)

type StreamHandler struct {
	Store *store.Store
}

func streamJSON(st model.Stream) gin.H {
	return gin.H{
		"name":      st.Name,
		"live":      st.Live,
		"private":   st.Private,
		"voting":    st.Voting,
		"autopilot": st.Autopilot,
		"limited":   st.Limited,
		"users":     st.Users,
		"timestamp": st.Timestamp,
		"playData":  st.PlayData,
		"URI":       st.URI,
		"seek":      st.Seek,
		"state":     st.State,
	}
}

// List returns the live public streams, most recently active first.
func (h *StreamHandler) List(c *gin.Context) {
	if _, ok := middleware.UsernameFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	streams := h.Store.PublicStreams()
	resp := make([]gin.H, 0, len(streams))
	for _, st := range streams {
		resp = append(resp, streamJSON(st))
	}
	c.JSON(http.StatusOK, gin.H{"streams": resp})
}

func (h *StreamHandler) Get(c *gin.Context) {
	username, ok := middleware.UsernameFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	name := c.Param("name")
	st, ok := h.Store.GetStream(name)
	if !ok || !h.Store.CanRead(username, remote.StreamRecord(name)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Stream not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream": streamJSON(st)})
}
