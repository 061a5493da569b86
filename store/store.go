package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"whatsapp-hub/config"
	"whatsapp-hub/types"
	"whatsapp-hub/utils"
)

// Open connects to the configured database, retrying transient failures,
// and migrates every table.
func Open(cfg config.DatabaseConfig, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Type) {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		// pure Go driver, shared with the whatsmeow device store
		dialector = sqlite.Dialector{DriverName: "sqlite", DSN: cfg.DSN}
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	var db *gorm.DB
	err := utils.WithRetry(func() error {
		var err error
		db, err = gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			log.Warn().Err(err).Str("type", cfg.Type).Msg("database connection attempt failed")
		}
		return err
	}, &utils.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// one writer at a time, queued in the pool instead of failing with SQLITE_BUSY
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates or updates all tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(types.Tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Services bundles every repository over one database handle.
type Services struct {
	Instances InstanceService
	Messages  MessageService
	Webhooks  WebhookService
	History   WebhookHistoryService
	Logs      InstanceLogService
}

func NewServices(db *gorm.DB) *Services {
	return &Services{
		Instances: NewGormInstanceRepository(db),
		Messages:  NewGormMessageRepository(db),
		Webhooks:  NewGormWebhookRepository(db),
		History:   NewGormWebhookHistoryRepository(db),
		Logs:      NewGormInstanceLogRepository(db),
	}
}
