package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"paintty-server/internal/taskgraph"
)

// Status 房间生命周期状态，单向推进：init → running → closed。
type Status string

const (
	StatusInit    Status = "init"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
)

const (
	checkoutSweepInterval  = 2 * time.Hour    // 过期看门狗扫描间隔
	heartbeatSweepInterval = 10 * time.Second // 心跳清扫间隔
	heartbeatTimeoutSecs   = 60               // 心跳静默阈值（秒）
	heartbeatCloseLimit    = 100              // 清扫时并发关闭连接的上限
	fleetInfoInterval      = 10 * time.Second // 集群信息上报间隔
	bindMaxAttempts        = 5                // 同端口最多尝试次数，用尽后改用随机端口
	closeReasonByOwner     = 501              // 房主关闭房间的广播原因码
)

var (
	bindRetryDelay  = 5 * time.Second // 端口占用重试间隔
	kickGracePeriod = 5 * time.Second // kick 通知送达宽限期
)

// placeholderSalt 签名盐缺失时的兜底值。只降级不致命，但会削弱密钥派生，
// 必须在日志里留痕。
const placeholderSalt = "temp salt"

// Deps 房间的外部依赖，全部显式注入，不做任何全局查找。
type Deps struct {
	Salt         string           // 进程级签名盐（加载后只读）
	ArchiveDir   string           // 归档存储目录
	Announcement string           // 登录后推送的服务器公告，空串跳过
	NewTransport TransportFactory // 传输层构造器
	Fleet        FleetReporter    // 集群上报器，nil 表示单机模式
	Observer     Observer         // 生命周期通知
	Overloaded   func() bool      // login 的过载探测，nil 表示永不过载
	BindAddr     string           // 监听地址，空串表示全部接口
	Now          func() time.Time // 可注入时钟，缺省 time.Now
	RandInt      func(n int) int  // 可注入随机源，缺省 math/rand
}

// Room 一个带归档的多客户端实时广播会话。除构造流程外，所有状态
// 变更都在单一串行执行环（tasks 通道）上完成，房间字段不需要加锁；
// 定时器与连接事件只负责把闭包投递进执行环。
type Room struct {
	opts Options
	deps Deps
	log  *logrus.Entry

	statusV atomic.Int32 // 0 init / 1 running / 2 closed，外部可读

	// 初始化流水线产物，running 之后除 archiveSign 外均不再变化
	signedKey   string
	archivePath string
	archiveSign string
	router      *Router
	transport   Transport

	// 以下字段只在执行环上读写
	emptyClose   bool
	permanent    bool
	lastCheckout time.Time
	pruneWaiters []Client // clearall 等待 prune 完成的请求方

	tasks    chan func()
	deferred []func() // 当前任务结束后统一触发的通知
	loopDone chan struct{}
	quit     chan struct{} // 关闭信号，终止所有定时器
	quitOnce sync.Once
}

const (
	statusInitV int32 = iota
	statusRunningV
	statusClosedV
)

// New 构造并初始化一个房间。构造期会同步执行一次过期检查——已经过期的
// 房间立即以非持久方式关闭并返回 ErrRoomExpired。初始化流水线中任何
// 步骤失败都会使房间标记为非持久并关闭，错误原样上抛给调用方。
func New(ctx context.Context, opts Options, deps Deps) (*Room, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.RandInt == nil {
		deps.RandInt = rand.Intn
	}
	if deps.NewTransport == nil {
		return nil, fmt.Errorf("room: transport factory is required")
	}
	opts = opts.withDefaults(deps.Now())
	if opts.Name == "" {
		return nil, fmt.Errorf("room: invalid room name")
	}

	r := &Room{
		opts:         opts,
		deps:         deps,
		log:          logrus.WithFields(logrus.Fields{"component": "room", "room": opts.Name}),
		emptyClose:   opts.EmptyClose,
		permanent:    opts.Permanent,
		lastCheckout: opts.LastCheckout,
		tasks:        make(chan func(), 256),
		loopDone:     make(chan struct{}),
		quit:         make(chan struct{}),
	}
	r.statusV.Store(statusInitV)

	// 构造期同步检查一次过期：此时没有任何客户端，过期即立刻关闭
	if r.checkExpiration() {
		r.drainDeferred()
		return nil, ErrRoomExpired
	}

	if err := r.runInitPipeline(ctx); err != nil {
		r.log.WithError(err).Error("error while creating room")
		r.permanent = false
		r.closeNow()
		r.drainDeferred()
		return nil, fmt.Errorf("room %q: init pipeline: %w", opts.Name, err)
	}

	r.statusV.Store(statusRunningV)
	go r.loop()

	// 创建与 checkout 通知推迟到执行环的第一轮调度，避免与调用方重入
	r.post(func() {
		r.deps.Observer.emitCreate(CreateInfo{
			Port:        r.transport.Port(),
			MaxLoad:     r.opts.MaxLoad,
			CurrentLoad: r.CurrentLoad(),
			Name:        r.opts.Name,
			Key:         r.signedKey,
			Private:     r.opts.Private(),
		})
		r.deps.Observer.emitCheckout()
	})
	r.startTicker(fleetInfoInterval, r.uploadFleetInfo)
	r.log.WithField("port", r.transport.Port()).Info("room is running")
	return r, nil
}

// runInitPipeline 用显式任务图执行一次性初始化：依赖满足的步骤并发跑，
// 任一失败即中止整个房间的创建。
func (r *Room) runInitPipeline(ctx context.Context) error {
	g := taskgraph.New()

	g.MustAdd("load_salt", func(context.Context) error {
		if r.opts.Salt == "" {
			if r.deps.Salt == "" {
				r.log.Error("salt load error, falling back to placeholder salt")
				r.opts.Salt = placeholderSalt
			} else {
				r.opts.Salt = r.deps.Salt
			}
		}
		return nil
	})

	g.MustAdd("gen_signedkey", func(context.Context) error {
		if r.opts.Recovery {
			if r.opts.SignedKey == "" {
				return fmt.Errorf("recovery options missing signed key")
			}
			r.signedKey = r.opts.SignedKey
			return nil
		}
		r.signedKey = DeriveSignedKey(r.opts.Name, r.opts.Salt)
		return nil
	}, "load_salt")

	g.MustAdd("start_checkTimer", func(context.Context) error {
		if r.opts.ExpirationHours > 0 {
			r.startTicker(checkoutSweepInterval, func() { r.checkExpiration() })
		}
		return nil
	})

	g.MustAdd("ensure_dir", func(context.Context) error {
		if err := os.MkdirAll(r.deps.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("ensure archive dir %q: %w", r.deps.ArchiveDir, err)
		}
		return nil
	})

	g.MustAdd("gen_fileNames", func(context.Context) error {
		if r.opts.Recovery {
			if r.opts.ArchivePath == "" {
				return fmt.Errorf("recovery options missing archive path")
			}
			r.archivePath = r.opts.ArchivePath
			return nil
		}
		r.archivePath = DeriveArchiveFileName(r.deps.ArchiveDir, r.opts.Name)
		return nil
	}, "ensure_dir")

	g.MustAdd("install_router", func(context.Context) error {
		r.router = NewRouter().
			Register("action", "login", r.procLogin).
			Register("action", "close", r.procClose).
			Register("action", "clearall", r.procClearAll).
			Register("action", "onlinelist", r.procOnlineList).
			Register("action", "checkout", r.procCheckout).
			Register("action", "archivesign", r.procArchiveSign).
			Register("action", "archive", r.procArchive).
			Register("action", "kick", r.procKick).
			Register("action", "heartbeat", r.procHeartbeat)
		return nil
	}, "gen_fileNames")

	g.MustAdd("init_socket", func(stepCtx context.Context) error {
		return r.initSocket(stepCtx)
	}, "install_router")

	return g.Run(ctx)
}

// initSocket 构造传输层并执行端口绑定。端口被占用时走显式重试状态机：
// attempt ∈ [0,5)，每次失败等 5 秒重试同一端口，第 5 次失败改绑随机端口；
// 其他绑定错误不重试，直接致命。
func (r *Room) initSocket(ctx context.Context) error {
	tr, err := r.deps.NewTransport(TransportConfig{
		ArchivePath: r.archivePath,
		ArchiveSign: r.opts.ArchiveSign,
		Recovery:    r.opts.Recovery,
		Record:      true,
	}, TransportEvents{
		OnReady: func(sign string) { r.archiveSign = sign },
		OnNewClient: func(c Client) {
			r.post(func() { r.handleNewClient(c) })
		},
		OnClientClosed: func(c Client) {
			r.post(func() { r.handleClientClosed(c) })
		},
		OnClientCommand: func(c Client, raw []byte) {
			r.post(func() { r.handleCommand(c, raw) })
		},
		OnArchivePruned: func(sign string) {
			r.post(func() { r.handleArchivePruned(sign) })
		},
	})
	if err != nil {
		return fmt.Errorf("construct transport: %w", err)
	}
	r.transport = tr

	for attempt := 0; attempt < bindMaxAttempts; attempt++ {
		err = tr.Listen(r.opts.Port, r.deps.BindAddr)
		if err == nil {
			r.startTicker(heartbeatSweepInterval, r.checkHeartbeats)
			return nil
		}
		if !errors.Is(err, ErrPortInUse) {
			return fmt.Errorf("listen on port %d: %w", r.opts.Port, err)
		}
		if attempt+1 >= bindMaxAttempts {
			break
		}
		r.log.WithField("port", r.opts.Port).Warn("port in use, retrying...")
		select {
		case <-time.After(bindRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		case <-r.quit:
			return fmt.Errorf("room closed during bind retry")
		}
	}

	r.log.WithField("port", r.opts.Port).
		Warn("port in use, reached retry limit, now listening on a random port")
	if err := tr.Listen(0, r.deps.BindAddr); err != nil {
		return fmt.Errorf("listen on ephemeral port: %w", err)
	}
	r.startTicker(heartbeatSweepInterval, r.checkHeartbeats)
	return nil
}

// loop 房间的串行执行环。每个任务执行完后统一触发其间积攒的延迟通知，
// 保证通知永远发生在处理器返回之后（非重入）。
func (r *Room) loop() {
	defer close(r.loopDone)
	for fn := range r.tasks {
		fn()
		r.drainDeferred()
		if r.statusV.Load() == statusClosedV {
			return
		}
	}
}

// post 把任务投递进执行环；房间关闭后静默丢弃。
func (r *Room) post(fn func()) {
	select {
	case <-r.loopDone:
	case r.tasks <- fn:
	}
}

// deferEmit 把通知排到当前任务结束之后触发。
func (r *Room) deferEmit(fn func()) {
	r.deferred = append(r.deferred, fn)
}

func (r *Room) drainDeferred() {
	for len(r.deferred) > 0 {
		pending := r.deferred
		r.deferred = nil
		for _, fn := range pending {
			fn()
		}
	}
}

// startTicker 起一个周期定时器，把回调投递进执行环，直到房间关闭。
func (r *Room) startTicker(interval time.Duration, fn func()) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.post(fn)
			case <-r.quit:
				return
			}
		}
	}()
}

// checkExpiration 过期检查：构造时同步跑一次，之后由看门狗周期触发。
// ExpirationHours 为 0 时整个机制关闭。过期的房间转为非持久；还有人在线
// 就只挂 emptyClose 等自然清场，没人就立即关闭。返回是否已过期。
func (r *Room) checkExpiration() bool {
	if r.opts.ExpirationHours <= 0 {
		return false
	}
	if r.deps.Now().Sub(r.lastCheckout) < time.Duration(r.opts.ExpirationHours)*time.Hour {
		return false
	}
	r.permanent = false
	if r.currentLoad() > 0 {
		r.emptyClose = true
	} else {
		r.closeNow()
	}
	return true
}

// Close 请求关闭房间。幂等；实际清理在执行环上完成。
func (r *Room) Close() {
	r.post(r.closeNow)
}

// closeNow 真正的关闭流程，只在执行环（或构造失败路径）上执行一次：
// 停掉三个定时器，关闭传输层（失败只记日志），排出 close/destroyed
// 延迟通知并上报集群，最后落到终态。
func (r *Room) closeNow() {
	if r.statusV.Load() == statusClosedV {
		return
	}
	r.log.Info("room is closed")

	r.quitOnce.Do(func() { close(r.quit) })

	r.deferEmit(func() {
		r.deps.Observer.emitClose()
		if r.deps.Fleet != nil {
			r.deps.Fleet.RoomClose(r.opts.Name)
		}
	})

	if r.transport != nil {
		if err := r.transport.Close(!r.permanent); err != nil {
			r.log.WithError(err).Error("cannot close transport")
		}
	}

	if !r.permanent {
		name := r.opts.Name
		r.deferEmit(func() { r.deps.Observer.emitDestroyed(name) })
	}

	r.statusV.Store(statusClosedV)
}

// handleNewClient 新连接：立刻上报一次负载（此时尚未登录，计数不变，
// 但保持与集群侧的心跳节奏一致）。公告与欢迎语在登录完成后发送。
func (r *Room) handleNewClient(Client) {
	if r.deps.Fleet != nil {
		r.deps.Fleet.LoadChange(r.opts.Name, r.currentLoad())
	}
}

// handleClientClosed 连接断开：上报负载；emptyClose 挂起且已无人在线时
// 触发真正的关闭。
func (r *Room) handleClientClosed(Client) {
	if r.deps.Fleet != nil {
		r.deps.Fleet.LoadChange(r.opts.Name, r.currentLoad())
	}
	if r.emptyClose && r.currentLoad() < 1 {
		r.closeNow()
	}
}

// handleCommand 解析 COMMAND 包并交给路由分发。畸形 JSON 静默丢弃。
func (r *Room) handleCommand(cli Client, raw []byte) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		r.log.WithError(err).Warn("malformed command dropped")
		return
	}
	if !r.router.Dispatch(cli, cmd) {
		r.log.Debug("command matched no handler")
	}
}

// handleArchivePruned prune 完成：轮换签名，答复所有等待的 clearall
// 请求方，向全房间广播新签名，并通知所有者。
func (r *Room) handleArchivePruned(sign string) {
	r.archiveSign = sign
	for _, cli := range r.pruneWaiters {
		r.sendCommandTo(cli, replyResult{Response: "clearall", Result: true})
	}
	r.pruneWaiters = nil
	r.broadcastCommand(map[string]any{"action": "clearall", "signature": sign})
	r.deferEmit(func() { r.deps.Observer.emitNewArchiveSign(sign) })
}

// uploadFleetInfo 周期性向集群协调者上报房间快照。
func (r *Room) uploadFleetInfo() {
	if r.deps.Fleet == nil {
		return
	}
	r.deps.Fleet.RoomInfo(FleetRoomInfo{
		Name:        r.opts.Name,
		Port:        r.transport.Port(),
		MaxLoad:     r.opts.MaxLoad,
		CurrentLoad: r.currentLoad(),
		Private:     r.opts.Private(),
		Timestamp:   r.deps.Now().UnixMilli(),
	})
}

// currentLoad 只统计用户名和客户端标识都已就位的连接：
// 未完成登录的裸连接不占负载，也不参与 emptyClose 判定。
func (r *Room) currentLoad() int {
	if r.statusV.Load() != statusRunningV || r.transport == nil {
		return 0
	}
	n := 0
	for _, c := range r.transport.Clients() {
		if c.Username() != "" && c.ClientID() != "" {
			n++
		}
	}
	return n
}

// findClientByID 按客户端标识查找在线客户端，找不到返回 nil。
func (r *Room) findClientByID(id string) Client {
	if r.transport == nil {
		return nil
	}
	for _, c := range r.transport.Clients() {
		if c.ClientID() == id {
			return c
		}
	}
	return nil
}

// keyMatches 签名密钥比较，大小写不敏感。
func (r *Room) keyMatches(key string) bool {
	return strings.EqualFold(key, r.signedKey)
}

// --- 对外只读视图（manager / HTTP API 使用） ---

// Name 房间名。
func (r *Room) Name() string { return r.opts.Name }

// Status 当前生命周期状态。
func (r *Room) Status() Status {
	switch r.statusV.Load() {
	case statusRunningV:
		return StatusRunning
	case statusClosedV:
		return StatusClosed
	default:
		return StatusInit
	}
}

// Port 实际监听端口。
func (r *Room) Port() int {
	if r.transport == nil {
		return 0
	}
	return r.transport.Port()
}

// CurrentLoad 当前已登录客户端数。
func (r *Room) CurrentLoad() int { return r.currentLoad() }

// SignedKey 房间管理密钥（初始化完成后不变）。
func (r *Room) SignedKey() string { return r.signedKey }

// ArchivePath 归档文件路径（初始化完成后不变）。
func (r *Room) ArchivePath() string { return r.archivePath }

// ArchiveSign 当前归档签名。prune 会轮换该值，外部持久化应以
// newarchivesign 通知为准，这里只用于建房后的首次落库。
func (r *Room) ArchiveSign() string { return r.archiveSign }

// Options 构造完成后的配置快照（含流水线补齐的盐）。
func (r *Room) Options() Options { return r.opts }

// MaxLoad 最大登录人数。
func (r *Room) MaxLoad() int { return r.opts.MaxLoad }

// Private 是否为私有房间。
func (r *Room) Private() bool { return r.opts.Private() }
