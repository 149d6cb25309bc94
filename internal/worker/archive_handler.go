package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/repository"
	"paintty-server/internal/tasks"
)

// ArchiveCleanupHandler 处理已销毁房间的归档文件删除
type ArchiveCleanupHandler struct {
	log *logrus.Entry
}

// NewArchiveCleanupHandler 创建 Handler 实例
func NewArchiveCleanupHandler() *ArchiveCleanupHandler {
	return &ArchiveCleanupHandler{log: logrus.WithField("component", "worker")}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ArchiveCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ArchiveCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.log.WithError(err).Error("cannot unmarshal archive cleanup payload")
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	logCtx := h.log.WithFields(logrus.Fields{
		"room":    payload.RoomName,
		"archive": payload.ArchivePath,
	})
	if err := os.Remove(payload.ArchivePath); err != nil {
		if os.IsNotExist(err) {
			// 房间关闭时通常已经删过了，这里只兜底
			logCtx.Debug("archive already removed")
			return nil
		}
		return fmt.Errorf("remove archive %q: %w", payload.ArchivePath, err)
	}
	logCtx.Info("archive removed")
	return nil
}

// orphanMinAge 小于该年龄的归档不当作孤儿处理，避免清扫撞上
// 刚建房还没落库的窗口。
const orphanMinAge = time.Hour

// ArchiveOrphanSweepHandler 清扫存储目录里没有任何房间记录引用的归档
type ArchiveOrphanSweepHandler struct {
	roomRepo   repository.RoomRepository
	archiveDir string
	log        *logrus.Entry
}

// NewArchiveOrphanSweepHandler 创建 Handler 实例
func NewArchiveOrphanSweepHandler(roomRepo repository.RoomRepository, archiveDir string) *ArchiveOrphanSweepHandler {
	if roomRepo == nil {
		panic("room repository cannot be nil for ArchiveOrphanSweepHandler")
	}
	return &ArchiveOrphanSweepHandler{
		roomRepo:   roomRepo,
		archiveDir: archiveDir,
		log:        logrus.WithField("component", "worker"),
	}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ArchiveOrphanSweepHandler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	referenced, err := h.roomRepo.ListArchivePaths(ctx)
	if err != nil {
		return fmt.Errorf("list referenced archives: %w", err)
	}
	keep := make(map[string]bool, len(referenced))
	for _, p := range referenced {
		keep[filepath.Clean(p)] = true
	}

	matches, err := filepath.Glob(filepath.Join(h.archiveDir, "*.data"))
	if err != nil {
		return fmt.Errorf("scan archive dir %q: %w", h.archiveDir, err)
	}

	removed := 0
	for _, path := range matches {
		if keep[filepath.Clean(path)] {
			continue
		}
		st, err := os.Stat(path)
		if err != nil || time.Since(st.ModTime()) < orphanMinAge {
			continue
		}
		if err := os.Remove(path); err != nil {
			h.log.WithError(err).WithField("archive", path).Warn("cannot remove orphan archive")
			continue
		}
		removed++
	}
	if removed > 0 {
		h.log.WithField("removed", removed).Info("orphan archives swept")
	}
	return nil
}
