package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/entitle/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Dialect picks the gorm driver for cfg.DBType. All timestamps are stored in
// UTC so reset boundaries compare the same on every dialect.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	switch normalizeType(cfg.DBType) {
	case TypePostgres:
		return postgres.Open(dsn), nil
	case TypeMySQL:
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// DSN renders the connection string for the configured dialect.
func DSN(cfg config.Config) (string, error) {
	switch normalizeType(cfg.DBType) {
	case TypePostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
			Host:   cfg.DBHost + ":" + cfg.DBPort,
			Path:   "/" + cfg.DBName,
		}
		q := url.Values{}
		q.Set("sslmode", orDefault(cfg.DBSSLMode, "disable"))
		q.Set("TimeZone", "UTC")
		u.RawQuery = q.Encode()
		return u.String(), nil
	case TypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName), nil
	case TypeSQLite:
		return orDefault(cfg.DBName, "entitle.db"), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func normalizeType(t string) string {
	switch t = strings.ToLower(strings.TrimSpace(t)); t {
	case "postgresql", "pgx":
		return TypePostgres
	case "sqlite3":
		return TypeSQLite
	default:
		return t
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
