package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"paintty-server/internal/domain"
)

// MigrateDB 迁移房间记录表。RoomRecord 的列全是定长或 VARCHAR(191)，
// AutoMigrate 可以直接处理，不需要手写 SQL。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	if err := db.AutoMigrate(&domain.RoomRecord{}); err != nil {
		logrus.Errorf("Failed to auto-migrate room records table: %v", err)
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
