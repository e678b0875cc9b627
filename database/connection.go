package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
)

// Cloud Run mounts Cloud SQL sockets here.
const socketDir = "/cloudsql"

// DSN builds the connection string for cfg. An explicit cfg.DSN wins.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}

	switch cfg.Driver {
	case "mysql":
		if cfg.InstanceConnectionName != "" {
			return fmt.Sprintf("%s:%s@unix(%s/%s)/%s?parseTime=true&charset=utf8mb4",
				cfg.User, cfg.Password, socketDir, cfg.InstanceConnectionName, cfg.Name)
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	case "sqlite":
		return cfg.Name + ".db"
	default:
		if cfg.InstanceConnectionName != "" {
			// Production: connect via Unix socket
			return fmt.Sprintf("host=%s/%s user=%s password=%s dbname=%s sslmode=disable",
				socketDir, cfg.InstanceConnectionName, cfg.User, cfg.Password, cfg.Name)
		}
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
	}
}

// Connect opens the configured database. Unique violations are translated to
// gorm.ErrDuplicatedKey, which the storage layer relies on.
func Connect(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	dsn := DSN(cfg)

	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.InstanceConnectionName != "" {
		log.Info("connecting to Cloud SQL via socket", zap.String("instance", cfg.InstanceConnectionName))
	} else {
		log.Info("connecting to database", zap.String("driver", cfg.Driver), zap.String("host", cfg.Host))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == "sqlite" {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info("database connected")
	return db, nil
}

// Migrate creates or updates every table the bot uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.WhatsAppSession{},
		&models.AccountPhone{},
		&models.InboundReceipt{},
		&models.MessageLog{},
		&models.Client{},
		&models.Appointment{},
		&models.Project{},
	)
}
