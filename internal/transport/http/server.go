package http

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"careerbot/internal/app"
	"careerbot/internal/bootstrap"
	"careerbot/internal/cache"
	"careerbot/internal/config"
	rabbitmqClient "careerbot/internal/platform/rabbitmq"
	"careerbot/internal/repository"
	"careerbot/internal/transport/http/handler"
	"careerbot/internal/transport/http/middleware"
)

// Services are the application services the router exposes.
type Services struct {
	Auth  *app.AuthService
	Chat  *app.ChatService
	Turns *app.TurnService
}

func NewRouter(a *bootstrap.App) *gin.Engine {
	cfg := a.Config

	userRepo := repository.NewUserRepository(a.DB)
	sessionRepo := repository.NewSessionRepository(a.DB)
	messageRepo := repository.NewMessageRepository(a.DB)
	historyCache := cache.NewHistoryCache(
		a.Redis,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	publisher := rabbitmqClient.NewTurnPublisher(a.MQConn, cfg.RabbitMQ.TurnEventQueue)

	services := Services{
		Auth: app.NewAuthService(
			userRepo,
			cfg.Auth.JWTSecret,
			time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
			cfg.Auth.MinPasswordLength,
		),
		Chat: app.NewChatService(
			sessionRepo,
			messageRepo,
			historyCache,
			a.Generator,
			a.Logger,
			cfg.Chat.MaxTitleLength,
			cfg.Chat.DefaultTitle,
		),
		Turns: app.NewTurnService(sessionRepo, messageRepo, a.Generator, historyCache, publisher, a.Logger, app.TurnConfig{
			MaxContentLength:   cfg.Chat.MaxContentLength,
			MaxContextMessages: cfg.Chat.MaxContextMessages,
			GenerationTimeout:  cfg.GenerationTimeout(),
		}),
	}

	health := handler.NewHealthHandler(cfg.App.Name, cfg.App.Env, a.StartedAt,
		handler.DependencyCheck{Name: cfg.Database.Driver, Check: func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		handler.DependencyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}},
		handler.DependencyCheck{Name: "rabbitmq", Check: func(context.Context) error {
			if a.MQConn == nil || a.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}},
	)

	gin.SetMode(cfg.App.GinMode)
	return newEngine(cfg, a.Logger, services, health)
}

func newEngine(cfg *config.Config, log *zap.Logger, services Services, health *handler.HealthHandler) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.AccessLog(log), middleware.Recovery(log))

	auth := middleware.AuthJWT(cfg.Auth.JWTSecret, cfg.Auth.CookieName)
	authHandler := handler.NewAuthHandler(services.Auth, handler.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Auth.CookieSecure,
	})
	chatHandler := handler.NewChatHandler(services.Chat, services.Turns)

	router.GET("/healthz", health.Check)

	v1 := router.Group("/api/v1")
	v1.GET("/healthz", health.Check)

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/logout", authHandler.Logout)
	authGroup.GET("/me", auth, authHandler.Me)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(auth)
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.PATCH("/sessions/:id", chatHandler.RenameSession)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.GET("/sessions/:id/messages", chatHandler.ListMessages)
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.POST("/stream", chatHandler.StreamMessage)
	chatGroup.GET("/models", chatHandler.ListModels)

	return router
}
