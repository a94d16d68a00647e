package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"watchparty/internal/api/handlers"
	"watchparty/internal/middleware"
	"watchparty/internal/service"
)

type RouteConfig struct {
	JWTSecret        []byte
	SendBuffer       int
	TrustQueryUserID bool
}

func SetupRoutes(r *gin.Engine, services *service.Services, cfg RouteConfig, logger *zerolog.Logger) {
	// 初始化 handlers
	partyHandler := handlers.NewPartyHandler(services.Parties, services.WatchParty, logger)
	wsHandler := handlers.NewWebSocketHandler(services.WatchParty, handlers.WebSocketConfig{
		SendBuffer:       cfg.SendBuffer,
		TrustQueryUserID: cfg.TrustQueryUserID,
	}, logger)

	api := r.Group("/api")

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "找不到該路徑",
		})
	})

	// 公開路由
	{
		api.GET("/health", partyHandler.Health)
		api.GET("/parties/:id", partyHandler.GetParty)

		// 觀影連線允許訪客，帶 token 時用來辨識主持人
		api.GET("/parties/:id/ws", middleware.OptionalIdentity(cfg.JWTSecret), wsHandler.HandleWebSocket)
	}

	// 需要驗證的路由
	authorized := api.Group("/")
	authorized.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		authorized.POST("/parties", partyHandler.CreateParty)
	}
}
