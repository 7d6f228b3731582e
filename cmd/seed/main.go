package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trashure-engine/pkg/config"
	"trashure-engine/pkg/db"
	"trashure-engine/pkg/logger"
	"trashure-engine/services/actor"
)

// Seeds a development database with a verified actor per role.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(seedActors),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func seedActors(lc fx.Lifecycle, shutdowner fx.Shutdowner, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := gdb.WithContext(ctx).AutoMigrate(&actor.Actor{}); err != nil {
				return err
			}

			now := time.Now()
			actors := []*actor.Actor{
				{
					ID: uuid.NewString(), Role: actor.RoleCollector, DisplayName: "Pak Budi",
					Verified: true, Region: "jakarta-selatan",
					CentroidLat: -6.2608, CentroidLng: 106.8108, ServiceRadiusKm: 25,
					Contact: "+62-811-0000-001", CreatedAt: now, UpdatedAt: now,
				},
				{
					ID: uuid.NewString(), Role: actor.RoleVendor, DisplayName: "Lapak Sinar Jaya",
					Verified: true, Region: "jakarta-selatan",
					Contact: "+62-811-0000-002", CreatedAt: now, UpdatedAt: now,
				},
				{
					ID: uuid.NewString(), Role: actor.RoleFactory, DisplayName: "PT Daur Ulang Nusantara",
					Verified: true, Region: "bekasi",
					Contact: "+62-811-0000-003", CreatedAt: now, UpdatedAt: now,
				},
				{
					ID: uuid.NewString(), Role: actor.RoleAdmin, DisplayName: "Ops Admin",
					Verified: true, Contact: "ops@trashure.local",
					CreatedAt: now, UpdatedAt: now,
				},
			}

			if err := gdb.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(actors).Error; err != nil {
				return err
			}

			zap.L().Info("seeded actors", zap.Int("count", len(actors)))
			return shutdowner.Shutdown()
		},
	})
}
