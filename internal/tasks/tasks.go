package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// 定义任务类型常量
const (
	// TypeArchiveCleanup 删除已销毁房间遗留的归档文件
	TypeArchiveCleanup = "archive:cleanup"
	// TypeArchiveOrphanSweep 周期性清扫存储目录里没有任何房间记录
	// 引用的孤儿归档
	TypeArchiveOrphanSweep = "archive:orphansweep"
)

// ArchiveCleanupPayload 归档清理任务的数据结构
type ArchiveCleanupPayload struct {
	RoomName    string `json:"roomName"`
	ArchivePath string `json:"archivePath"`
}

// NewArchiveCleanupTask 创建一个归档清理任务
func NewArchiveCleanupTask(roomName, archivePath string) (*asynq.Task, error) {
	payload, err := json.Marshal(ArchiveCleanupPayload{
		RoomName:    roomName,
		ArchivePath: archivePath,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeArchiveCleanup, payload), nil
}

// NewArchiveOrphanSweepTask 创建一个孤儿归档清扫任务，无载荷
func NewArchiveOrphanSweepTask() *asynq.Task {
	return asynq.NewTask(TypeArchiveOrphanSweep, nil)
}
