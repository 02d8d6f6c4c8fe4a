package main

import (
	"context"
	"fmt"
	"log"
	"time"

	common_api "school-integration/internal/common/api"
	"school-integration/internal/config"
	"school-integration/internal/connectors"
	"school-integration/internal/database"
	"school-integration/internal/features/health"
	"school-integration/internal/features/idmapping"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/record"
	"school-integration/internal/features/scheduler"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/features/synctask"
	"school-integration/internal/features/webhook"
	"school-integration/internal/logger"
	"school-integration/internal/middleware"
	"school-integration/pkg/utils"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// NewFiberServer creates a new Fiber app instance
func NewFiberServer(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if e, ok := err.(*fiber.Error); ok {
				return c.Status(e.Code).JSON(fiber.Map{"error": e.Message})
			}
			return common_api.Error(c, err)
		},
	})

	app.Use(middleware.CORSMiddleware(cfg.CORSOrigins))

	return app
}

// AsRoute is a helper function to reduce boilerplate.
// It tags the constructor so Fx knows to add it to the "routes" group.
func AsRoute(f any) any {
	return fx.Annotate(
		f,
		fx.As(new(common_api.Route)),    // Cast to Interface
		fx.ResultTags(`group:"routes"`), // Add to Group
	)
}

// RegisterAllRoutes takes the group "routes" (slice of interfaces)
// and calls Setup() on each one.
func RegisterAllRoutes(app *fiber.App, routes []common_api.Route, logger *zap.Logger) {
	logger.Info("Registering routes", zap.Int("count", len(routes)))
	for _, route := range routes {
		logger.Debug("Setting up route", zap.String("type", fmt.Sprintf("%T", route)))
		route.Setup(app)
	}
}

// RegisterAllRoutesWithAnnotation wraps RegisterAllRoutes with fx annotations
var RegisterAllRoutesWithAnnotation = fx.Annotate(
	RegisterAllRoutes,
	fx.ParamTags(``, `group:"routes"`, ``),
)

// StartServer creates a lifecycle hook to start Fiber in a goroutine
// and shut it down when the app exits.
func StartServer(lc fx.Lifecycle, app *fiber.App, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			utils.SetSecret(cfg.JWTSecret)
			go func() {
				port := fmt.Sprintf(":%s", cfg.Port)
				logger.Info("HTTP server listening", zap.String("addr", port))
				if err := app.Listen(port); err != nil {
					log.Fatalf("Server failed to start: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return app.Shutdown()
		},
	})
}

type indexOwner interface {
	EnsureIndexes(ctx context.Context) error
}

type indexParams struct {
	fx.In

	Systems   schoolsystem.SystemRepository
	Endpoints schoolsystem.EndpointRepository
	Mappings  mapping.MappingRepository
	IdMaps    idmapping.IdMappingRepository
	Tasks     synctask.TaskRepository
	History   synctask.HistoryRepository
	Webhooks  webhook.WebhookRepository
	Sweeps    scheduler.SweepRepository
	Logger    *zap.Logger
}

// InitializeIndexes ensures that necessary database indexes are created
func InitializeIndexes(lc fx.Lifecycle, p indexParams) {
	owners := map[string]indexOwner{
		"school_systems":   p.Systems,
		"system_endpoints": p.Endpoints,
		"field_mappings":   p.Mappings,
		"id_mappings":      p.IdMaps,
		"sync_tasks":       p.Tasks,
		"sync_history":     p.History,
		"inbound_webhooks": p.Webhooks,
		"sweep_runs":       p.Sweeps,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				// Use a background context with timeout for index creation
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				for name, owner := range owners {
					if err := owner.EnsureIndexes(ctx); err != nil {
						p.Logger.Error("Failed to ensure indexes", zap.String("collection", name), zap.Error(err))
					}
				}
			}()
			return nil
		},
	})
}

// StartDispatcher ties the sweep scheduler to the app lifecycle.
func StartDispatcher(lc fx.Lifecycle, dispatcher scheduler.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return dispatcher.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return dispatcher.Stop()
		},
	})
}

// @title           School Integration API
// @version         1.0
// @description     Synchronises school data with external school management systems.

// @host            localhost:8080
// @BasePath        /
func main() {
	app := fx.New(
		fx.Provide(
			// Load Config
			config.LoadConfig,

			// Initialize Database
			database.NewDatabase,
			database.NewTxRunner,

			// Initialize Logger
			logger.NewLogger,

			// Initialize Fiber Server
			NewFiberServer,

			connectors.NewFactory,

			// Initialize Repository
			schoolsystem.NewSystemRepository,
			schoolsystem.NewEndpointRepository,
			mapping.NewMappingRepository,
			idmapping.NewIdMappingRepository,
			record.NewRecordRepository,
			synctask.NewTaskRepository,
			synctask.NewHistoryRepository,
			webhook.NewWebhookRepository,
			scheduler.NewSweepRepository,

			// Initialize Service
			schoolsystem.NewSystemService,
			mapping.NewMappingService,
			idmapping.NewIdMappingService,
			synctask.NewSyncService,
			webhook.NewWebhookService,
			scheduler.NewDispatcher,

			// Initialize Controller
			schoolsystem.NewSystemController,
			mapping.NewMappingController,
			synctask.NewSyncController,
			webhook.NewWebhookController,
			scheduler.NewDispatcherController,

			// Initialize API Routes
			AsRoute(health.NewHealthApi),
			AsRoute(schoolsystem.NewSystemApi),
			AsRoute(mapping.NewMappingApi),
			AsRoute(synctask.NewSyncApi),
			AsRoute(webhook.NewWebhookApi),
			AsRoute(scheduler.NewDispatcherApi),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(
			// Register Routes & Start
			RegisterAllRoutesWithAnnotation,
			StartServer,
			InitializeIndexes,
			StartDispatcher,
		),
	)

	app.Run()
}
