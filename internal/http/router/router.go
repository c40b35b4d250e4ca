package router

import (
	"github.com/gin-gonic/gin"

	"likeswap.app/engine/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, adminHandler *handler.AdminHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	AdminRouter(router.Group("/admin"), adminHandler)
}
