package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"school-integration/internal/config"
	"school-integration/internal/connectors"
	"school-integration/internal/database"
	"school-integration/internal/features/mapping"
	"school-integration/internal/features/schoolsystem"
	"school-integration/internal/logger"
	"school-integration/pkg/utils"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type seedSystem struct {
	System    schoolsystem.SchoolSystem `json:"system"`
	Endpoints []schoolsystem.Endpoint   `json:"endpoints"`
	Mappings  []mapping.FieldMapping    `json:"mappings"`
}

// Seed loads demo systems, endpoints and field mappings from JSON
func Seed(
	lc fx.Lifecycle,
	cfg *config.Config,
	systems schoolsystem.SystemService,
	mappings mapping.MappingService,
	logger *zap.Logger,
	shutdowner fx.Shutdowner,
) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer func() {
					if err := shutdowner.Shutdown(); err != nil {
						logger.Error("Failed to shutdown", zap.Error(err))
					}
				}()

				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()

				// Data path assumes running from the repo root
				b, err := os.ReadFile("cmd/seed/data/systems.json")
				if err != nil {
					logger.Error("Failed to read seed data", zap.Error(err))
					return
				}
				var seeds []seedSystem
				if err := json.Unmarshal(b, &seeds); err != nil {
					logger.Error("Failed to parse seed data", zap.Error(err))
					return
				}

				for _, seed := range seeds {
					if err := seedOne(ctx, systems, mappings, seed, logger); err != nil {
						logger.Error("Failed to seed system", zap.String("name", seed.System.Name), zap.Error(err))
					}
				}

				utils.SetSecret(cfg.JWTSecret)
				token, err := utils.GenerateToken("seed-admin", "", []string{"admin"})
				if err != nil {
					logger.Error("Failed to mint admin token", zap.Error(err))
					return
				}
				fmt.Printf("\nAdmin token:\n%s\n", token)
			}()
			return nil
		},
	})
}

func seedOne(ctx context.Context, systems schoolsystem.SystemService, mappings mapping.MappingService, seed seedSystem, logger *zap.Logger) error {
	existing, err := systems.ListSystems(ctx, seed.System.SchoolID)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.Name == seed.System.Name {
			logger.Info("System exists, skipping", zap.String("name", s.Name), zap.String("system_id", s.ID.Hex()))
			return nil
		}
	}

	system := seed.System
	if err := systems.CreateSystem(ctx, &system); err != nil {
		return fmt.Errorf("create system: %w", err)
	}
	for i := range seed.Endpoints {
		if err := systems.SaveEndpoint(ctx, system.ID, &seed.Endpoints[i]); err != nil {
			return fmt.Errorf("save endpoint %s/%s: %w", seed.Endpoints[i].Module, seed.Endpoints[i].Operation, err)
		}
	}
	if _, err := mappings.SaveMappings(ctx, system.ID, seed.Mappings); err != nil {
		return fmt.Errorf("save mappings: %w", err)
	}

	logger.Info("Seeded system",
		zap.String("name", system.Name),
		zap.String("system_id", system.ID.Hex()),
		zap.Int("endpoints", len(seed.Endpoints)),
		zap.Int("mappings", len(seed.Mappings)),
	)
	return nil
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			database.NewDatabase,
			logger.NewLogger,
			connectors.NewFactory,
			schoolsystem.NewSystemRepository,
			schoolsystem.NewEndpointRepository,
			schoolsystem.NewSystemService,
			mapping.NewMappingRepository,
			mapping.NewMappingService,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
		fx.Invoke(Seed),
	)

	app.Run()
}
