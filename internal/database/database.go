package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/minhtuancn/server-monitor-sub002/internal/config"
)

var DB *gorm.DB

func Init() error {
	return InitAt(config.Cfg.DatabasePath)
}

// InitAt opens the sqlite database at the given path, enables WAL and runs
// schema migration. Used directly by tests with a t.TempDir() path.
func InitAt(dbPath string) error {
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}
	return nil
}

// Migrate runs AutoMigrate for every model on the given handle.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Credential{},
		&Server{},
		&Task{},
		&TerminalSession{},
		&AuditEvent{},
		&Setting{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Server directory helpers. How the directory gets populated (API, YAML
// inventory) is outside the execution core; these are lookups only.

func GetServer(db *gorm.DB, id uint) (*Server, error) {
	var s Server
	if err := db.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListServers(db *gorm.DB) ([]Server, error) {
	var servers []Server
	if err := db.Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}
