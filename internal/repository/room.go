package repository

import (
	"context"

	"paintty-server/internal/domain"
)

// RoomRepository 定义房间持久化记录的存储与检索操作。记录承载跨进程
// 重启恢复房间所需的全部状态（密钥、归档位置、签名、续期时间）。
type RoomRepository interface {
	// FindByName 根据房间名查找记录。不存在时返回 ErrRoomNotFound。
	FindByName(ctx context.Context, name string) (*domain.RoomRecord, error)

	// Save 保存记录：已存在（基于主键）则更新，否则创建。
	// 违反房间名唯一约束时返回 ErrDuplicateEntry。
	Save(ctx context.Context, record *domain.RoomRecord) error

	// FindAll 返回全部持久化记录，进程启动时用于恢复房间。
	FindAll(ctx context.Context) ([]domain.RoomRecord, error)

	// DeleteByName 删除记录。记录本就不存在不算错误。
	DeleteByName(ctx context.Context, name string) error

	// ListArchivePaths 返回所有记录引用的归档文件路径，
	// 供孤儿归档清扫对比存储目录。
	ListArchivePaths(ctx context.Context) ([]string, error)
}
