package router

import (
	"github.com/gin-gonic/gin"

	"haven.app/ash/internal/http/handler"
)

func EventsRouter(router *gin.RouterGroup, handler *handler.EventsHandler) {
	router.POST("/message", handler.GuildMessage)
	router.POST("/dm", handler.DirectMessage)
	router.POST("/interaction", handler.Interaction)
}
