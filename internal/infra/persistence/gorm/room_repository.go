package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"paintty-server/internal/domain"
	"paintty-server/internal/repository"
)

// GormRoomRepository 是 RoomRepository 接口的 GORM 实现
type GormRoomRepository struct {
	db *gorm.DB
}

// NewGormRoomRepository 创建 GormRoomRepository 实例
func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

// FindByName 根据房间名查找持久化记录
func (r *GormRoomRepository) FindByName(ctx context.Context, name string) (*domain.RoomRecord, error) {
	var record domain.RoomRecord
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room record by name %q: %w", name, err)
	}
	return &record, nil
}

// Save 保存记录（创建或更新）
func (r *GormRoomRepository) Save(ctx context.Context, record *domain.RoomRecord) error {
	err := r.db.WithContext(ctx).Save(record).Error
	if err != nil {
		// MySQL 1062：违反唯一约束，映射为仓库层错误
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room record %q: %w", record.Name, err)
	}
	return nil
}

// FindAll 返回全部持久化记录
func (r *GormRoomRepository) FindAll(ctx context.Context) ([]domain.RoomRecord, error) {
	var records []domain.RoomRecord
	if err := r.db.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("gorm: find all room records: %w", err)
	}
	return records, nil
}

// DeleteByName 删除记录；记录不存在不算错误
func (r *GormRoomRepository) DeleteByName(ctx context.Context, name string) error {
	err := r.db.WithContext(ctx).Where("name = ?", name).Delete(&domain.RoomRecord{}).Error
	if err != nil {
		return fmt.Errorf("gorm: delete room record %q: %w", name, err)
	}
	return nil
}

// ListArchivePaths 返回所有记录引用的归档路径
func (r *GormRoomRepository) ListArchivePaths(ctx context.Context) ([]string, error) {
	var paths []string
	err := r.db.WithContext(ctx).
		Model(&domain.RoomRecord{}).
		Pluck("archive_path", &paths).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list archive paths: %w", err)
	}
	return paths, nil
}
