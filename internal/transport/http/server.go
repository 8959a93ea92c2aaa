package http

import (
	"github.com/gin-gonic/gin"

	"paperchat/internal/bootstrap"
	"paperchat/internal/transport/http/handler"
	"paperchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService, app.PlanService)
	documentHandler := handler.NewDocumentHandler(app.IngestService)
	messageHandler := handler.NewMessageHandler(app.ChatService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	authed := v1.Group("")
	authed.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	authed.POST("/uploads/complete", documentHandler.UploadComplete)
	authed.GET("/documents", documentHandler.List)
	authed.GET("/documents/:id", documentHandler.Get)
	authed.DELETE("/documents/:id", documentHandler.Delete)
	authed.POST("/messages", messageHandler.Send)
	authed.POST("/messages/stream", messageHandler.Stream)
	authed.GET("/messages", messageHandler.History)

	return router
}
