package migrate

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/migrate/sqlschema"
)

// MaybeRunDev applies migrations on boot when the feature flag is enabled.
// Postgres only auto-migrates in dev; a sqlite database is always brought up
// to date because it is a local single-node store.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	isSQLite := client.Dialect() == db.DriverSQLite
	if !isSQLite && (!cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	ctx = logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"dialect": client.Dialect(),
	})

	if isSQLite {
		logg.Info(ctx, "applying embedded sqlite schema")
		return sqlschema.Up(ctx, sqlDB)
	}

	source, err := Source("")
	if err != nil {
		return fmt.Errorf("embedded migrations: %w", err)
	}
	runner, err := NewRunner(sqlDB, goose.DialectPostgres, source)
	if err != nil {
		return err
	}
	applied, err := runner.Up(ctx)
	if err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "applied", applied), "postgres migrations applied")
	return nil
}
