package router

import (
	"github.com/gin-gonic/gin"

	"likeswap.app/engine/internal/http/handler"
)

func AdminRouter(router *gin.RouterGroup, h *handler.AdminHandler) {
	router.Use(h.RequireAdminAPIKey())

	router.GET("/mode", h.GetMode)
	router.PUT("/mode", h.SetMode)
	router.GET("/negotiations", h.ListNegotiations)
	router.GET("/negotiations/:id", h.GetNegotiation)
	router.GET("/quotas", h.GetQuotas)
}
