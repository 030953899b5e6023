// Package seed bootstraps the minimum operator data a fresh deployment
// needs before anyone can reach the admin gateway.
package seed

import (
	"context"
	"errors"

	"github.com/stencilworks/tally/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(EnsureBootstrapOperator),
)

// EnsureBootstrapOperator grants the configured operator the admin role.
// Idempotent; a no-op when no bootstrap operator is configured or the
// operator already has a role.
func EnsureBootstrapOperator(cfg config.Config, db *gorm.DB, log *zap.Logger) error {
	if cfg.BootstrapOperator == "" {
		return nil
	}
	if db == nil {
		return errors.New("seed database handle is required")
	}

	ctx := context.Background()
	err := db.WithContext(ctx).Exec(
		`INSERT INTO operator_roles (operator_id, role)
		 VALUES (?, 'admin')
		 ON CONFLICT (operator_id) DO NOTHING`,
		cfg.BootstrapOperator,
	).Error
	if err != nil {
		return err
	}

	log.Named("seed").Info("bootstrap operator ensured", zap.String("operator_id", cfg.BootstrapOperator))
	return nil
}
