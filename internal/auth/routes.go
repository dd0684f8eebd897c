package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers Auth routes. rg must already run the verifier
// middleware for /auth/me.
func RegisterRoutes(public, rg *gin.RouterGroup, handler *Handler) {
	public.GET("/auth/ping", handler.Ping)
	rg.GET("/auth/me", handler.Me)
}
