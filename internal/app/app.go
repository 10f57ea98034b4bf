package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carelink/security-service/internal/cache"
	"github.com/carelink/security-service/internal/config"
	"github.com/carelink/security-service/internal/database"
	"github.com/carelink/security-service/internal/events"
	"github.com/carelink/security-service/internal/guard"
	"github.com/carelink/security-service/internal/httpapi"
	"github.com/carelink/security-service/internal/httpapi/handlers"
	httpmiddleware "github.com/carelink/security-service/internal/httpapi/middleware"
	"github.com/carelink/security-service/internal/notify"
	"github.com/carelink/security-service/internal/registry"
	"github.com/carelink/security-service/internal/store"
	"github.com/carelink/security-service/internal/token"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App wires core dependencies and exposes server lifecycle controls.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redis.Client
	httpServer *http.Server
}

// New constructs the application.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations {
		if err := database.RunMigrations(ctx, pool); err != nil {
			return nil, err
		}
	}

	redisClient, err := cache.New(cfg.Redis)
	if err != nil {
		return nil, err
	}

	tokenSvc, err := token.NewService(cfg.Token)
	if err != nil {
		return nil, err
	}

	dataStore := store.NewPostgres(pool)
	broker := notify.NewBroker(redisClient, cfg.Redis.Namespace, logger)
	recorder := events.New(dataStore, broker, logger)

	gate := guard.New(guard.Dependencies{
		Store:    dataStore,
		Recorder: recorder,
		Config:   cfg.Detector,
		Logger:   logger,
	})
	blockRegistry := registry.New(dataStore, logger)

	guardHandler := handlers.NewGuardHandler(gate, logger)
	securityHandler := handlers.NewSecurityLogHandler(recorder, logger)
	blockHandler := handlers.NewBlockHandler(blockRegistry, logger)
	streamHandler := handlers.NewStreamHandler(broker, logger)
	authMiddleware := httpmiddleware.NewAuth(tokenSvc)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		HealthHandler: handlers.Health,
		RecordEvent:   guardHandler.Record,
		ListEvents:    securityHandler.List,
		ExportEvents:  securityHandler.Export,
		StreamEvents:  streamHandler.Serve,
		ListBlocks:    blockHandler.List,
		CreateBlock:   blockHandler.Create,
		Unblock:       blockHandler.Unblock,
		DeleteBlock:   blockHandler.Delete,
		RequireAdmin:  authMiddleware.RequireAdmin,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		redis:      redisClient,
		httpServer: server,
	}, nil
}

// Run starts the HTTP server.
func (a *App) Run() error {
	a.logger.Info("starting HTTP server", zap.String("addr", a.httpServer.Addr))
	return a.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and closes resources.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownErr := a.httpServer.Shutdown(ctx)

	a.pool.Close()
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("failed to close redis client", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}
