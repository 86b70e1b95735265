package main

import (
	"context"
	"fmt"

	"github.com/packaginator/pypackage/internal/config"
	"github.com/packaginator/pypackage/internal/db"
	"github.com/packaginator/pypackage/internal/db/models"
	"github.com/packaginator/pypackage/internal/db/repositories"
	"github.com/packaginator/pypackage/internal/jobs"
	"github.com/packaginator/pypackage/internal/pypi"
	"github.com/packaginator/pypackage/internal/services"
	"github.com/packaginator/pypackage/internal/telemetry"
)

// app is everything the commands need, behind interfaces so tests can swap it.
type app struct {
	cfg *config.Config

	registrar interface {
		RegisterIndexPackage(ctx context.Context, name string) (*models.IndexPackage, error)
	}
	indexPackages interface {
		GetByName(ctx context.Context, name string) (*models.IndexPackage, error)
	}
	syncer interface {
		SyncReleases(ctx context.Context, pkg *models.IndexPackage, includeHidden bool) (*services.SyncResult, error)
	}
	catalog interface {
		ListReleasesByName(ctx context.Context, name string) (*models.IndexPackage, []services.ReleaseView, error)
	}
	// runDue runs one scheduled sync pass and returns the number of packages attempted.
	runDue  func(ctx context.Context) int
	migrate func(direction string) (version uint, dirty bool, err error)
	close   func()
}

// opener builds an app from the configuration file at configPath.
type opener func(ctx context.Context, configPath string) (*app, error)

// openApp connects to the database and the package index the way cmd/server does.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger("text", cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rdb, err := pypi.NewRedisClient(ctx, *cfg)
	if err != nil {
		database.Close()
		return nil, err
	}
	clients := services.PyPIClientFactory(pypi.OptionsFromConfig(ctx, cfg.Index, rdb)...)

	packageRepo := repositories.NewPackageRepository(database)
	indexPackageRepo := repositories.NewIndexPackageRepository(database)
	releaseRepo := repositories.NewReleaseRepository(database)

	synchronizer := services.NewReleaseSynchronizer(clients, releaseRepo, indexPackageRepo, cfg.Index.IncludeHidden)
	job := jobs.NewReleaseSyncJob(indexPackageRepo, synchronizer, cfg.Sync, cfg.Index.IncludeHidden)

	return &app{
		cfg:           cfg,
		registrar:     services.NewRegistrar(packageRepo, indexPackageRepo, clients, cfg.Index.URL, cfg.Index.VerifyOnRegister),
		indexPackages: indexPackageRepo,
		syncer:        synchronizer,
		catalog:       services.NewCatalog(packageRepo, indexPackageRepo, releaseRepo),
		runDue:        job.RunOnce,
		migrate: func(direction string) (uint, bool, error) {
			if err := db.RunMigrations(database.DB, direction); err != nil {
				return 0, false, err
			}
			return db.GetMigrationVersion(database.DB)
		},
		close: func() {
			if rdb != nil {
				rdb.Close()
			}
			database.Close()
		},
	}, nil
}
