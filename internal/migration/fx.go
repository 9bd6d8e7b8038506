package migration

import (
	"strings"

	"github.com/smallbiznis/entitle/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

func Run(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	dialect := conn.Dialector.Name()
	if cfg.DBAutoMigrate || !strings.EqualFold(dialect, "postgres") {
		log.Info("applying schema from models", zap.String("dialect", dialect))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
