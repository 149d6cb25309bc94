package service_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"paintty-server/internal/domain"
	"paintty-server/internal/repository"
	"paintty-server/internal/repository/mocks"
	"paintty-server/internal/room"
	"paintty-server/internal/service"
)

// stubTransport 管理器测试用的最小传输层替身：不开真实端口。
type stubTransport struct {
	mu        sync.Mutex
	port      int
	closed    bool
	destroyed bool
}

func (s *stubTransport) Listen(port int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if port == 0 {
		port = 45678
	}
	s.port = port
	return nil
}

func (s *stubTransport) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *stubTransport) Close(destroyArchive bool) error {
	s.mu.Lock()
	s.closed = true
	s.destroyed = destroyArchive
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) ArchiveLength() int64                  { return 0 }
func (s *stubTransport) PruneArchive()                         {}
func (s *stubTransport) JoinRadio(room.Client, int64, int64)   {}
func (s *stubTransport) BroadcastData([]byte, room.PacketType) {}
func (s *stubTransport) SendDataTo(room.Client, []byte, room.PacketType) {
}
func (s *stubTransport) Clients() []room.Client { return nil }

func stubFactory(cfg room.TransportConfig, ev room.TransportEvents) (room.Transport, error) {
	sign := cfg.ArchiveSign
	if sign == "" {
		sign = "stub-sign"
	}
	if ev.OnReady != nil {
		ev.OnReady(sign)
	}
	return &stubTransport{}, nil
}

func newManager(t *testing.T, repo *mocks.RoomRepository) *service.RoomManagerService {
	t.Helper()
	m, err := service.NewRoomManagerService(repo, nil, nil, service.ManagerConfig{
		ArchiveDir:   t.TempDir(),
		Salt:         "manager-salt",
		NewTransport: stubFactory,
	})
	require.NoError(t, err, "创建管理器不应失败")
	t.Cleanup(m.CloseAll)
	return m
}

func TestRoomManager_CreateRoom_Success(t *testing.T) {
	// Arrange
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)
	ctx := context.Background()

	repo.On("FindByName", mock.Anything, "alice").
		Return(nil, repository.ErrRoomNotFound).Once()
	repo.On("Save", mock.Anything, mock.MatchedBy(func(rec *domain.RoomRecord) bool {
		assert.Equal(t, "alice", rec.Name)
		assert.Equal(t, room.DeriveSignedKey("alice", "manager-salt"), rec.SignedKey)
		assert.NotEmpty(t, rec.ArchivePath, "记录应携带归档路径")
		assert.Equal(t, 45678, rec.Port)
		assert.Equal(t, 720, rec.CanvasWidth)
		assert.False(t, rec.LastCheckout.IsZero())
		return true
	})).Return(nil).Once()
	// 建房后的 checkout 通知会异步刷新记录
	repo.On("FindByName", mock.Anything, "alice").
		Return(&domain.RoomRecord{Name: "alice"}, nil).Maybe()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	// Act
	rm, err := m.CreateRoom(ctx, service.CreateRoomParams{Name: "alice", MaxLoad: 8})

	// Assert
	require.NoError(t, err, "建房应成功")
	require.NotNil(t, rm)
	assert.Equal(t, room.StatusRunning, rm.Status())

	got, err := m.GetRoom("alice")
	require.NoError(t, err)
	assert.Same(t, rm, got)

	list := m.ListRooms()
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, 8, list[0].MaxLoad)
}

func TestRoomManager_CreateRoom_EmptyName(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	_, err := m.CreateRoom(context.Background(), service.CreateRoomParams{Name: ""})

	assert.ErrorIs(t, err, service.ErrInvalidRoomName)
}

func TestRoomManager_CreateRoom_DuplicateLiveRoom(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)
	ctx := context.Background()

	repo.On("FindByName", mock.Anything, "alice").
		Return(nil, repository.ErrRoomNotFound).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("FindByName", mock.Anything, "alice").
		Return(&domain.RoomRecord{Name: "alice"}, nil).Maybe()

	_, err := m.CreateRoom(ctx, service.CreateRoomParams{Name: "alice"})
	require.NoError(t, err)

	_, err = m.CreateRoom(ctx, service.CreateRoomParams{Name: "alice"})
	assert.ErrorIs(t, err, service.ErrRoomExists, "在线同名房间应拒绝")
}

func TestRoomManager_CreateRoom_DuplicateRecord(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	repo.On("FindByName", mock.Anything, "alice").
		Return(&domain.RoomRecord{Name: "alice"}, nil).Once()

	_, err := m.CreateRoom(context.Background(), service.CreateRoomParams{Name: "alice"})

	assert.ErrorIs(t, err, service.ErrRoomExists, "有持久化记录的同名房间应拒绝")
}

func TestRoomManager_CreateRoom_PersistFailureClosesRoom(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	repo.On("FindByName", mock.Anything, "alice").
		Return(nil, repository.ErrRoomNotFound).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	repo.On("FindByName", mock.Anything, "alice").
		Return(nil, repository.ErrRoomNotFound).Maybe()

	_, err := m.CreateRoom(context.Background(), service.CreateRoomParams{Name: "alice"})

	require.Error(t, err, "落库失败应使建房整体失败")
	assert.Eventually(t, func() bool {
		_, err := m.GetRoom("alice")
		return err != nil
	}, time.Second, 10*time.Millisecond, "失败的房间不应留在在线集合里")
}

func TestRoomManager_RecoverRooms(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	valid := domain.RoomRecord{
		Name:            "alice",
		Port:            7777,
		MaxLoad:         8,
		ExpirationHours: 0,
		LastCheckout:    time.Now().Add(-240 * time.Hour),
		CanvasWidth:     720,
		CanvasHeight:    480,
		Salt:            "old-salt",
		SignedKey:       "persisted-key",
		ArchivePath:     "/tmp/recovered.data",
		ArchiveSign:     "persisted-sign",
	}
	expired := domain.RoomRecord{
		Name:            "stale",
		ExpirationHours: 1,
		LastCheckout:    time.Now().Add(-2 * time.Hour),
		Salt:            "old-salt",
		SignedKey:       "stale-key",
		ArchivePath:     "/tmp/stale.data",
	}

	repo.On("FindAll", mock.Anything).Return([]domain.RoomRecord{valid, expired}, nil).Once()
	// 过期记录在恢复时被销毁：删记录并投递清理
	repo.On("FindByName", mock.Anything, "stale").Return(&expired, nil).Once()
	repo.On("DeleteByName", mock.Anything, "stale").Return(nil).Once()
	repo.On("FindByName", mock.Anything, "alice").
		Return(&valid, nil).Maybe()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	require.NoError(t, m.RecoverRooms(context.Background()))

	rm, err := m.GetRoom("alice")
	require.NoError(t, err, "有效记录应恢复为在线房间")
	assert.Equal(t, "persisted-key", rm.SignedKey(), "恢复的房间必须复用落库密钥")
	assert.Equal(t, "/tmp/recovered.data", rm.ArchivePath())

	_, err = m.GetRoom("stale")
	assert.ErrorIs(t, err, service.ErrRoomNotFound, "过期记录不应恢复")
}

func TestRoomManager_CloseRoom(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	repo.On("FindByName", mock.Anything, "alice").
		Return(nil, repository.ErrRoomNotFound).Once()
	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	repo.On("FindByName", mock.Anything, "alice").
		Return(&domain.RoomRecord{Name: "alice"}, nil).Maybe()

	_, err := m.CreateRoom(context.Background(), service.CreateRoomParams{Name: "alice"})
	require.NoError(t, err)

	require.NoError(t, m.CloseRoom("alice"))

	assert.Eventually(t, func() bool {
		_, err := m.GetRoom("alice")
		return err != nil
	}, time.Second, 10*time.Millisecond, "关闭的房间应移出在线集合")
}

func TestRoomManager_CloseRoom_NotFound(t *testing.T) {
	repo := mocks.NewRoomRepository(t)
	m := newManager(t, repo)

	assert.ErrorIs(t, m.CloseRoom("ghost"), service.ErrRoomNotFound)
}

func TestLoadOrCreateSalt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salt")

	salt, err := service.LoadOrCreateSalt(path)
	require.NoError(t, err, "首次调用应生成盐")
	assert.Len(t, salt, 64, "盐应是 32 字节的十六进制串")

	again, err := service.LoadOrCreateSalt(path)
	require.NoError(t, err)
	assert.Equal(t, salt, again, "再次调用应读回同一个盐")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, salt, string(data))
}
