package router

import (
	"github.com/gin-gonic/gin"

	"haven.app/ash/internal/http/handler"
)

// AdminRouter sets up operator routes. Everything here requires the admin
// API key.
func AdminRouter(rg *gin.RouterGroup, h *handler.AdminHandler) {
	admin := rg.Group("")
	admin.Use(h.RequireAdminAPIKey())
	{
		admin.POST("/optout", h.SetOptOut)
		admin.GET("/optout/:user_id", h.GetOptOut)
	}
}
