package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/catalog"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/session"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrUnsupportedDriver indicates a database driver other than sqlite or postgres.
	ErrUnsupportedDriver = errors.New("database: unsupported driver")
	errMissingPath       = errors.New("database: path is required for sqlite")
	errMissingDSN        = errors.New("database: dsn is required for postgres")
)

// Config selects the database driver and its connection target.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database and performs schema migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", dialector.Name()))
	return db, nil
}

// Migrate creates or updates every table and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := []any{&users.User{}, &session.Record{}, &migrationRecord{}}
	models = append(models, catalog.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, errMissingPath
		}
		return sqlite.Open(path), nil
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, errMissingDSN
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}
