package cmd

import (
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/orderhub/config"
	"example.com/orderhub/eventstore"
	"example.com/orderhub/models"
	"example.com/orderhub/projections"
)

// openDatabase connects to Postgres and applies pool settings. TranslateError
// is required so the event store can tell version conflicts apart from other
// insert failures.
func openDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if cfg.DB.AutoMigrate {
		if err := models.SetupModels(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, nil
}

// newEngine builds the projection engine with every projection registered.
func newEngine(store eventstore.Store, db *gorm.DB) (*projections.Engine, error) {
	engine := projections.NewEngine(store, projections.NewGormSnapshotStore(db))

	for _, p := range []projections.Projection{
		projections.OrderSummary(),
		projections.UserProfile(),
		projections.PaymentStatus(),
	} {
		if err := engine.Register(p); err != nil {
			return nil, errors.Wrapf(err, "failed to register projection %q", p.Name)
		}
	}

	return engine, nil
}
