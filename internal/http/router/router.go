package router

import (
	"github.com/gin-gonic/gin"

	"haven.app/ash/internal/http/handler"
	"haven.app/ash/internal/queue"
	"haven.app/ash/internal/store"
)

type RouterConfig struct {
	TraceHeader string
	AdminAPIKey string
}

func SetupRoutes(router *gin.Engine, producer queue.Producer, prefs store.PreferenceStore, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		eventsHandler := handler.NewEventsHandler(producer, cfg.TraceHeader)
		EventsRouter(v1.Group("/events"), eventsHandler)

		adminHandler := handler.NewAdminHandler(prefs, cfg.AdminAPIKey)
		AdminRouter(v1.Group("/admin"), adminHandler)
	}
}
