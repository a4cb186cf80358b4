package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"careerbot/internal/ai"
	"careerbot/internal/config"
	"careerbot/internal/platform/database"
	"careerbot/internal/platform/logger"
	rabbitmqClient "careerbot/internal/platform/rabbitmq"
	redisClient "careerbot/internal/platform/redis"
	"careerbot/internal/repository"
	"careerbot/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	DB            *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Generator     ai.Generator
	TurnLogWorker *worker.TurnLogWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log, err := logger.New(cfg.Log, cfg.IsProduction())
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: log, StartedAt: time.Now()}

	if err := app.connect(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	db, err := database.Open(ctx, cfg, a.Logger)
	if err != nil {
		return err
	}
	a.DB = db
	if err := database.Migrate(db); err != nil {
		return err
	}

	a.Redis, err = redisClient.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.TurnEventQueue)
	if err != nil {
		return err
	}

	a.Generator, err = ai.New(ai.Options{
		Provider: cfg.Generation.Provider,
		BaseURL:  cfg.Generation.BaseURL,
		APIKey:   cfg.Generation.APIKey,
		Model:    cfg.Generation.Model,
		Timeout:  cfg.GenerationTimeout() + 30*time.Second,
	})
	if err != nil {
		return err
	}
	if !a.Generator.Configured() {
		a.Logger.Warn("generation api key missing, chat turns will be rejected",
			zap.String("provider", cfg.Generation.Provider))
	}

	a.TurnLogWorker = worker.NewTurnLogWorker(a.MQConn, repository.NewTurnLogRepository(db), cfg.RabbitMQ.TurnEventQueue, a.Logger)
	if err := a.TurnLogWorker.Start(ctx); err != nil {
		return fmt.Errorf("start turn log worker failed: %w", err)
	}

	a.Logger.Info("dependencies ready",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("model", a.Generator.Model()))
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.TurnLogWorker != nil {
		a.TurnLogWorker.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
