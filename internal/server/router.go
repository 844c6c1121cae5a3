package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"slide-lite/internal/auth"
	"slide-lite/internal/handler"
	"slide-lite/internal/middleware"
	"slide-lite/internal/socketio"
	"slide-lite/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	// RPCRateLimit is the per-user RPC budget per minute; 0 disables it.
	RPCRateLimit int
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Check)

	authRequestLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, AuthRequestLimiter: authRequestLimiter}
	r.POST("/v1/auth", authHandler.Auth)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig, deps.Store))
	protected.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(120, time.Minute)))

	accountHandler := &handler.AccountHandler{Store: deps.Store}
	protected.GET("/account", accountHandler.Profile)

	streamHandler := &handler.StreamHandler{Store: deps.Store}
	protected.GET("/streams", streamHandler.List)
	protected.GET("/streams/:name", streamHandler.Get)

	var rpcLimiter *middleware.RateLimiter
	if deps.RPCRateLimit > 0 {
		rpcLimiter = middleware.NewRateLimiter(deps.RPCRateLimit, time.Minute)
	}
	updates := socketio.NewServer(socketio.Deps{
		Store:       deps.Store,
		TokenConfig: deps.TokenConfig,
		RPCLimiter:  rpcLimiter,
	})
	r.GET(socketio.UpdatesPath, gin.WrapH(updates))

	return r
}
