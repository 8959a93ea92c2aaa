package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"paperchat/internal/ai"
	"paperchat/internal/app"
	"paperchat/internal/cache"
	"paperchat/internal/config"
	"paperchat/internal/model"
	mysqlClient "paperchat/internal/platform/mysql"
	rabbitmqClient "paperchat/internal/platform/rabbitmq"
	redisClient "paperchat/internal/platform/redis"
	"paperchat/internal/repository"
	"paperchat/internal/storage"
	"paperchat/internal/vectorstore/qdrant"
	"paperchat/internal/worker"
)

type App struct {
	Config *config.Config
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection
	Qdrant *qdrant.Index

	AuthService   *app.AuthService
	PlanService   *app.PlanService
	IngestService *app.IngestService
	ChatService   *app.ChatService

	IngestWorker *worker.IngestWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.Document{}, &model.Message{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	index := qdrant.New(qdrant.Config{
		URL:        cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
	})
	if err := index.EnsureCollection(ctx, cfg.Embedding.Dimension); err != nil {
		return nil, fmt.Errorf("ensure qdrant collection failed: %w", err)
	}

	aiClient := ai.NewClient(
		ai.ChatConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
		ai.EmbeddingConfig{
			BaseURL: cfg.Embedding.BaseURL,
			APIKey:  cfg.Embedding.APIKey,
			Model:   cfg.Embedding.Model,
		},
	)

	userRepo := repository.NewUserRepository(mysqlDB)
	docRepo := repository.NewDocumentRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)

	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)

	authService := app.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	planService := app.NewPlanService(userRepo, cfg.Plans.FreePagesPerDocument, cfg.Plans.ProPagesPerDocument)

	fetcher := storage.New(cfg.Storage.BaseURL)
	publisher := rabbitmqClient.NewIngestPublisher(mqConn, cfg.RabbitMQ.IngestQueue)

	ingestService := app.NewIngestService(
		docRepo,
		messageRepo,
		fetcher,
		aiClient,
		index,
		planService,
		publisher,
		historyCache,
		cfg.Embedding.BatchSize,
	)

	chatService := app.NewChatService(
		docRepo,
		messageRepo,
		index,
		aiClient,
		aiClient,
		ai.NewPromptFormatter(cfg.LLM.PromptFormat),
		historyCache,
		cfg.Chat.TopK,
		cfg.Chat.HistoryLimit,
	)

	ingestWorker := worker.NewIngestWorker(mqConn, ingestService, cfg.RabbitMQ.IngestQueue)
	if err := ingestWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start ingest worker failed: %w", err)
	}

	return &App{
		Config:        cfg,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		Qdrant:        index,
		AuthService:   authService,
		PlanService:   planService,
		IngestService: ingestService,
		ChatService:   chatService,
		IngestWorker:  ingestWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.IngestWorker != nil {
		a.IngestWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
