package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/domain"
	"paintty-server/internal/repository"
	"paintty-server/internal/room"
	"paintty-server/internal/tasks"
)

// persistTimeout 观察者回调里落库操作的超时时间。
const persistTimeout = 5 * time.Second

// ManagerConfig 房间管理器的静态配置。
type ManagerConfig struct {
	ArchiveDir   string           // 归档存储目录
	Salt         string           // 进程级签名盐（见 LoadOrCreateSalt）
	Announcement string           // 登录后推送的服务器公告
	BindAddr     string           // 房间监听地址，空串表示全部接口
	MaxTotalLoad int              // 全进程登录人数上限，0 表示不限制
	NewTransport room.TransportFactory
}

// CreateRoomParams 建房请求参数。
type CreateRoomParams struct {
	Name            string
	Password        string
	WelcomeMsg      string
	MaxLoad         int
	EmptyClose      bool
	ExpirationHours int
	CanvasSize      domain.CanvasSize
	Port            int
}

// RoomSummary 房间的只读快照，供管理 API 罗列。
type RoomSummary struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	CurrentLoad int    `json:"currentLoad"`
	MaxLoad     int    `json:"maxLoad"`
	Private     bool   `json:"private"`
	Status      string `json:"status"`
}

// RoomManagerService 是所有房间的父进程角色：建房、跨重启恢复、
// 持久化房间状态、在房间销毁时清理记录与归档。
type RoomManagerService struct {
	cfg         ManagerConfig
	roomRepo    repository.RoomRepository
	fleet       room.FleetReporter
	asynqClient *asynq.Client
	log         *logrus.Entry

	mu    sync.RWMutex
	rooms map[string]*room.Room
}

// NewRoomManagerService 创建房间管理器。fleet 与 asynqClient 可为 nil
// （单机、无队列部署）。
func NewRoomManagerService(roomRepo repository.RoomRepository, fleet room.FleetReporter, asynqClient *asynq.Client, cfg ManagerConfig) (*RoomManagerService, error) {
	if roomRepo == nil {
		panic("room repository cannot be nil for RoomManagerService")
	}
	if cfg.NewTransport == nil {
		panic("transport factory cannot be nil for RoomManagerService")
	}
	if cfg.ArchiveDir == "" {
		return nil, fmt.Errorf("service: archive dir is required")
	}
	if cfg.Salt == "" {
		return nil, fmt.Errorf("service: signing salt is required")
	}
	return &RoomManagerService{
		cfg:         cfg,
		roomRepo:    roomRepo,
		fleet:       fleet,
		asynqClient: asynqClient,
		log:         logrus.WithField("component", "room_manager"),
		rooms:       make(map[string]*room.Room),
	}, nil
}

// CreateRoom 新建一个房间并持久化其恢复所需的状态。
func (m *RoomManagerService) CreateRoom(ctx context.Context, params CreateRoomParams) (*room.Room, error) {
	if params.Name == "" {
		return nil, ErrInvalidRoomName
	}

	m.mu.RLock()
	_, live := m.rooms[params.Name]
	m.mu.RUnlock()
	if live {
		return nil, ErrRoomExists
	}
	if _, err := m.roomRepo.FindByName(ctx, params.Name); err == nil {
		return nil, ErrRoomExists
	} else if !errors.Is(err, repository.ErrRoomNotFound) {
		return nil, fmt.Errorf("service: check room record: %w", err)
	}

	opts := room.Options{
		Name:            params.Name,
		CanvasSize:      params.CanvasSize,
		Password:        params.Password,
		MaxLoad:         params.MaxLoad,
		WelcomeMsg:      params.WelcomeMsg,
		EmptyClose:      params.EmptyClose,
		ExpirationHours: params.ExpirationHours,
		Port:            params.Port,
		Permanent:       true,
	}

	rm, err := m.startRoom(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := m.roomRepo.Save(ctx, m.buildRecord(rm)); err != nil {
		// 落库失败的房间无法跨重启恢复，宁可整个建房失败
		rm.Close()
		return nil, fmt.Errorf("service: persist room %q: %w", params.Name, err)
	}
	m.log.WithFields(logrus.Fields{"room": params.Name, "port": rm.Port()}).Info("room created")
	return rm, nil
}

// RecoverRooms 进程启动时从持久化记录恢复全部房间。已经过期的记录
// 直接清掉；单个房间恢复失败只记日志，不影响其余房间。
func (m *RoomManagerService) RecoverRooms(ctx context.Context) error {
	records, err := m.roomRepo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("service: load room records: %w", err)
	}

	for i := range records {
		rec := &records[i]
		opts := room.Options{
			Name:            rec.Name,
			CanvasSize:      rec.Canvas(),
			Password:        rec.Password,
			MaxLoad:         rec.MaxLoad,
			WelcomeMsg:      rec.WelcomeMsg,
			EmptyClose:      rec.EmptyClose,
			ExpirationHours: rec.ExpirationHours,
			LastCheckout:    rec.LastCheckout,
			Port:            rec.Port,
			Permanent:       true,
			Recovery:        true,
			Salt:            rec.Salt,
			SignedKey:       rec.SignedKey,
			ArchivePath:     rec.ArchivePath,
			ArchiveSign:     rec.ArchiveSign,
		}
		if _, err := m.startRoom(ctx, opts); err != nil {
			if errors.Is(err, room.ErrRoomExpired) {
				m.log.WithField("room", rec.Name).Info("stale room record dropped during recovery")
			} else {
				m.log.WithError(err).WithField("room", rec.Name).Error("cannot recover room")
			}
			continue
		}
		m.log.WithField("room", rec.Name).Info("room recovered")
	}
	return nil
}

// startRoom 构造房间并接好观察者与依赖。
func (m *RoomManagerService) startRoom(ctx context.Context, opts room.Options) (*room.Room, error) {
	name := opts.Name
	deps := room.Deps{
		Salt:         m.cfg.Salt,
		ArchiveDir:   m.cfg.ArchiveDir,
		Announcement: m.cfg.Announcement,
		BindAddr:     m.cfg.BindAddr,
		NewTransport: m.cfg.NewTransport,
		Fleet:        m.fleet,
		Overloaded:   m.overloaded,
		Observer: room.Observer{
			OnCreate: func(info room.CreateInfo) {
				m.log.WithFields(logrus.Fields{
					"room": info.Name, "port": info.Port, "private": info.Private,
				}).Info("room is up")
			},
			OnCheckout:       func() { m.persistCheckout(name) },
			OnNewArchiveSign: func(sign string) { m.persistArchiveSign(name, sign) },
			OnClose:          func() { m.dropRoom(name) },
			OnDestroyed:      func(roomName string) { m.destroyRecord(roomName) },
		},
	}

	rm, err := room.New(ctx, opts, deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.rooms[name] = rm
	m.mu.Unlock()
	return rm, nil
}

// buildRecord 从运行中的房间生成持久化记录。
func (m *RoomManagerService) buildRecord(rm *room.Room) *domain.RoomRecord {
	opts := rm.Options()
	return &domain.RoomRecord{
		Name:            opts.Name,
		Port:            rm.Port(),
		MaxLoad:         opts.MaxLoad,
		Password:        opts.Password,
		WelcomeMsg:      opts.WelcomeMsg,
		EmptyClose:      opts.EmptyClose,
		ExpirationHours: opts.ExpirationHours,
		LastCheckout:    opts.LastCheckout,
		CanvasWidth:     opts.CanvasSize.Width,
		CanvasHeight:    opts.CanvasSize.Height,
		Salt:            opts.Salt,
		SignedKey:       rm.SignedKey(),
		ArchivePath:     rm.ArchivePath(),
		ArchiveSign:     rm.ArchiveSign(),
	}
}

// overloaded 全进程登录人数探测，供房间的 login 过载拒绝使用。
func (m *RoomManagerService) overloaded() bool {
	if m.cfg.MaxTotalLoad <= 0 {
		return false
	}
	return m.totalLoad() >= m.cfg.MaxTotalLoad
}

func (m *RoomManagerService) totalLoad() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, rm := range m.rooms {
		total += rm.CurrentLoad()
	}
	return total
}

// persistCheckout 续期成功后刷新记录里的 LastCheckout。
func (m *RoomManagerService) persistCheckout(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, err := m.roomRepo.FindByName(ctx, name)
	if err != nil {
		if !errors.Is(err, repository.ErrRoomNotFound) {
			m.log.WithError(err).WithField("room", name).Warn("cannot load record for checkout")
		}
		return
	}
	rec.LastCheckout = time.Now()
	if err := m.roomRepo.Save(ctx, rec); err != nil {
		m.log.WithError(err).WithField("room", name).Warn("cannot persist checkout")
	}
}

// persistArchiveSign 归档签名轮换后同步到记录。
func (m *RoomManagerService) persistArchiveSign(name, sign string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, err := m.roomRepo.FindByName(ctx, name)
	if err != nil {
		if !errors.Is(err, repository.ErrRoomNotFound) {
			m.log.WithError(err).WithField("room", name).Warn("cannot load record for archive sign")
		}
		return
	}
	rec.ArchiveSign = sign
	if err := m.roomRepo.Save(ctx, rec); err != nil {
		m.log.WithError(err).WithField("room", name).Warn("cannot persist archive sign")
	}
}

// dropRoom 房间关闭后移出在线集合。
func (m *RoomManagerService) dropRoom(name string) {
	m.mu.Lock()
	delete(m.rooms, name)
	m.mu.Unlock()
	m.log.WithField("room", name).Info("room closed")
}

// destroyRecord 非持久房间销毁后删除记录，并投递归档兜底清理任务。
func (m *RoomManagerService) destroyRecord(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec, err := m.roomRepo.FindByName(ctx, name)
	if err != nil {
		if !errors.Is(err, repository.ErrRoomNotFound) {
			m.log.WithError(err).WithField("room", name).Warn("cannot load record for destroy")
		}
		return
	}
	if err := m.roomRepo.DeleteByName(ctx, name); err != nil {
		m.log.WithError(err).WithField("room", name).Error("cannot delete room record")
		return
	}
	if m.asynqClient != nil {
		task, err := tasks.NewArchiveCleanupTask(name, rec.ArchivePath)
		if err == nil {
			_, err = m.asynqClient.EnqueueContext(ctx, task)
		}
		if err != nil {
			m.log.WithError(err).WithField("room", name).Warn("cannot enqueue archive cleanup")
		}
	}
	m.log.WithField("room", name).Info("room destroyed")
}

// GetRoom 按名字取在线房间。
func (m *RoomManagerService) GetRoom(name string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[name]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm, nil
}

// ListRooms 在线房间快照，按调用时的状态取值。
func (m *RoomManagerService) ListRooms() []RoomSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomSummary, 0, len(m.rooms))
	for _, rm := range m.rooms {
		out = append(out, RoomSummary{
			Name:        rm.Name(),
			Port:        rm.Port(),
			CurrentLoad: rm.CurrentLoad(),
			MaxLoad:     rm.MaxLoad(),
			Private:     rm.Private(),
			Status:      string(rm.Status()),
		})
	}
	return out
}

// CloseRoom 管理面强制关闭房间。
func (m *RoomManagerService) CloseRoom(name string) error {
	rm, err := m.GetRoom(name)
	if err != nil {
		return err
	}
	rm.Close()
	return nil
}

// CloseAll 关闭全部在线房间，进程退出时调用。
func (m *RoomManagerService) CloseAll() {
	m.mu.RLock()
	all := make([]*room.Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		all = append(all, rm)
	}
	m.mu.RUnlock()
	for _, rm := range all {
		rm.Close()
	}
}

// LoadOrCreateSalt 读取进程级签名盐；文件不存在时生成一个并落盘。
// 盐一旦生成绝不能变，否则既有房间的密钥全部失效。
func LoadOrCreateSalt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("service: read salt file %q: %w", path, err)
	}

	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("service: generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw[:])
	if err := os.WriteFile(path, []byte(salt), 0o600); err != nil {
		return "", fmt.Errorf("service: write salt file %q: %w", path, err)
	}
	return salt, nil
}
