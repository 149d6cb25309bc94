package room

import "errors"

// 本文件定义 Room 核心所消费的协作者契约：套接字/归档传输层、客户端状态
// 访问器、集群上报器，以及房间向父进程（房间管理器）发出的生命周期通知。
// 具体实现位于 internal/transport 与 internal/fleet，核心只依赖这里的接口。

// PacketType 传输层数据包类型，占帧首字节。
type PacketType byte

const (
	PacketData    PacketType = 0x01 // 画板数据，进归档并转发给已加入 radio 的客户端
	PacketMessage PacketType = 0x02 // 文本消息（欢迎语等），不进归档
	PacketCommand PacketType = 0x04 // 协议命令（JSON）
)

// ErrPortInUse 表示端口已被占用。传输层在 bind 失败且原因为地址占用时返回
// （可被 errors.Is 识别），Room 据此走固定间隔重试策略；其他 bind 错误直接致命。
var ErrPortInUse = errors.New("port already in use")

// ErrRoomExpired 表示房间在构造时即已过期并被立即关闭。
var ErrRoomExpired = errors.New("room already expired")

// TransportConfig 构造传输层所需的归档参数。
type TransportConfig struct {
	ArchivePath string // 归档文件路径
	ArchiveSign string // 已知的归档签名，恢复模式下复用
	Recovery    bool   // 是否为恢复模式（归档文件已存在）
	Record      bool   // 是否把 DATA 包写入归档
}

// TransportEvents 传输层回调集合。Room 在构造传输层时一次性注册，
// 取代事件发射器风格的动态订阅。所有回调都可能来自传输层自己的
// goroutine，Room 侧必须自行投递回串行执行环。
type TransportEvents struct {
	// OnReady 归档打开完毕、签名确定后回调（构造期同步触发一次）。
	OnReady func(signature string)
	// OnNewClient 新连接建立。
	OnNewClient func(c Client)
	// OnClientClosed 连接断开（任何原因）。
	OnClientClosed func(c Client)
	// OnClientCommand 收到一个完整的 COMMAND 包。
	OnClientCommand func(c Client, raw []byte)
	// OnArchivePruned 异步 prune 完成，携带轮换后的新签名。
	OnArchivePruned func(newSignature string)
}

// TransportFactory 构造一个尚未监听的传输层实例。
type TransportFactory func(cfg TransportConfig, ev TransportEvents) (Transport, error)

// Transport 是 Room 消费的套接字/归档协作者。归档文件由传输层独占，
// Room 只通过这里的窄接口读写。
type Transport interface {
	// Listen 绑定端口并开始接受连接。port 为 0 时由系统分配空闲端口。
	// 端口被占用时返回可被 errors.Is(err, ErrPortInUse) 识别的错误。
	Listen(port int, bindAddr string) error
	// Port 返回实际监听的端口（Listen 成功之前为 0）。
	Port() int
	// Close 关闭监听与所有连接；destroyArchive 为 true 时同时删除归档文件。
	Close(destroyArchive bool) error
	// ArchiveLength 当前归档长度（字节）。
	ArchiveLength() int64
	// PruneArchive 异步清空归档并轮换签名，完成后触发 OnArchivePruned。
	PruneArchive()
	// JoinRadio 让客户端从 start 开始补播 length 字节的历史数据，
	// 并接入实时广播流。
	JoinRadio(c Client, start, length int64)
	// BroadcastData 向当前所有连接广播一个数据包。
	BroadcastData(data []byte, pt PacketType)
	// SendDataTo 向单个客户端发送一个数据包。
	SendDataTo(c Client, data []byte, pt PacketType)
	// Clients 返回当前连接集合的快照。
	Clients() []Client
}

// Client 是注册表里单个客户端的状态访问契约。状态字段（用户名、客户端
// 标识、握手标记、心跳时间）由传输层注册表持有，只通过这些具名访问器
// 读写，核心不得在客户端对象上挂任意字段。
type Client interface {
	Username() string
	SetUsername(name string)
	ClientID() string
	SetClientID(id string)
	// HandshakeDone 登录握手是否已完成（archivesign/archive 的前置条件）。
	HandshakeDone() bool
	MarkHandshakeDone()
	// LastHeartbeat 最近一次心跳的 epoch 秒；0 表示从未上报。
	LastHeartbeat() int64
	SetLastHeartbeat(epochSeconds int64)
	// SendCommandPack / SendMessagePack 直接向该连接发包，
	// 不经过 radio（客户端可能尚未加入广播流）。
	SendCommandPack(data []byte)
	SendMessagePack(data []byte)
	Close() error
}

// FleetRoomInfo 周期性上报给集群协调者的房间快照。
type FleetRoomInfo struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	MaxLoad     int    `json:"maxLoad"`
	CurrentLoad int    `json:"currentLoad"`
	Private     bool   `json:"private"`
	Timestamp   int64  `json:"timestamp"`
}

// FleetReporter 向父协调进程上报负载与生命周期变化。所有方法都是
// fire-and-forget：不返回错误，失败由实现方自行记录。
type FleetReporter interface {
	LoadChange(name string, currentLoad int)
	RoomInfo(info FleetRoomInfo)
	RoomClose(name string)
}

// CreateInfo 房间初始化成功后发给所有者的创建通知载荷。
type CreateInfo struct {
	Port        int    `json:"port"`
	MaxLoad     int    `json:"maxLoad"`
	CurrentLoad int    `json:"currentLoad"`
	Name        string `json:"name"`
	Key         string `json:"key"`
	Private     bool   `json:"private"`
}

// Observer 房间生命周期通知的显式注册契约，取代事件发射器。
// 所有回调都在房间的串行执行环上、当前处理器返回之后触发；
// 未设置的回调被跳过。
type Observer struct {
	OnCreate         func(info CreateInfo)
	OnCheckout       func()
	OnNewArchiveSign func(signature string)
	OnClose          func()
	OnDestroyed      func(name string)
}

func (o Observer) emitCreate(info CreateInfo) {
	if o.OnCreate != nil {
		o.OnCreate(info)
	}
}

func (o Observer) emitCheckout() {
	if o.OnCheckout != nil {
		o.OnCheckout()
	}
}

func (o Observer) emitNewArchiveSign(sign string) {
	if o.OnNewArchiveSign != nil {
		o.OnNewArchiveSign(sign)
	}
}

func (o Observer) emitClose() {
	if o.OnClose != nil {
		o.OnClose()
	}
}

func (o Observer) emitDestroyed(name string) {
	if o.OnDestroyed != nil {
		o.OnDestroyed(name)
	}
}
