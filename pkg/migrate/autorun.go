package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/jobcore/pkg/config"
	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/logger"
)

// EnsureSchema runs at service start when JOBCORE_AUTO_MIGRATE is set. In dev
// it applies the embedded migrations. Elsewhere schema changes belong to
// cmd/migrate, so it only refuses to start against a schema with pending
// versions.
func EnsureSchema(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	runner, err := NewRunner(sqlDB, Migrations(), logg)
	if err != nil {
		return err
	}

	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	if cfg.App.IsDev() {
		logg.Info(ctx, "migrate.auto_apply")
		return runner.Up(ctx)
	}
	pending, err := runner.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("schema has %d pending migrations starting at %d; run cmd/migrate", len(pending), pending[0])
	}
	return nil
}
