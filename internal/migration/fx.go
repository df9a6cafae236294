package migration

import (
	"github.com/smallbiznis/insurecard/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		if cfg.Type != db.TypePostgres {
			log.Warn("skipping migrations for non-postgres database", zap.String("type", cfg.Type))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		res, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema ready", zap.Uint("version", res.Version), zap.Bool("changed", res.Changed))
		return nil
	}),
)
