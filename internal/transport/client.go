package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/room"
)

const (
	// 单个消息写入的超时时间
	writeWait = 10 * time.Second

	// 允许客户端发送的最大数据包（画板数据可能较大）
	maxMessageSize = 512 * 1024

	// 发送通道缓冲区大小
	sendBufferSize = 256
)

// Client 一条 WebSocket 连接及其注册表状态。状态字段只通过具名访问器
// 读写，房间核心不直接接触连接对象。
type Client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}
	log  *logrus.Entry

	closeOnce sync.Once

	mu        sync.Mutex
	username  string
	clientID  string
	handshake bool
	lastHB    int64
	radio     bool
}

func newClient(srv *Server, conn *websocket.Conn) *Client {
	return &Client{
		srv:  srv,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		quit: make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "transport",
			"remote":    conn.RemoteAddr().String(),
		}),
	}
}

func (c *Client) run() {
	go c.writePump()
	go c.readPump()
}

// --- 注册表状态访问器 ---

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Client) SetClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

func (c *Client) HandshakeDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

func (c *Client) MarkHandshakeDone() {
	c.mu.Lock()
	c.handshake = true
	c.mu.Unlock()
}

func (c *Client) LastHeartbeat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHB
}

func (c *Client) SetLastHeartbeat(epochSeconds int64) {
	c.mu.Lock()
	c.lastHB = epochSeconds
	c.mu.Unlock()
}

func (c *Client) inRadio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.radio
}

func (c *Client) joinRadio() {
	c.mu.Lock()
	c.radio = true
	c.mu.Unlock()
}

// SendCommandPack 直接向该连接发送一个 COMMAND 包。
func (c *Client) SendCommandPack(data []byte) {
	c.enqueue(framePacket(room.PacketCommand, data))
}

// SendMessagePack 直接向该连接发送一个 MESSAGE 包。
func (c *Client) SendMessagePack(data []byte) {
	c.enqueue(framePacket(room.PacketMessage, data))
}

// enqueue 非阻塞投递：发送缓冲满说明客户端已经跟不上，丢包并告警，
// 绝不让慢客户端拖住广播路径。
func (c *Client) enqueue(framed []byte) {
	select {
	case c.send <- framed:
	default:
		c.log.Warn("send buffer full, dropping packet")
	}
}

// Close 关闭连接。幂等；读写泵随连接关闭而退出。
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
	return nil
}

// readPump 把进站数据包按类型分发：COMMAND 交给房间核心，DATA 进归档
// 并转发给 radio 成员，MESSAGE 广播给全体。在独立 goroutine 中运行，
// 退出时负责注销。
func (c *Client) readPump() {
	defer func() {
		_ = c.Close()
		c.srv.removeClient(c)
		if c.srv.events.OnClientClosed != nil {
			c.srv.events.OnClientClosed(c)
		}
		c.log.Debug("read pump exited")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		if messageType != websocket.BinaryMessage || len(payload) < 1 {
			continue
		}

		pt := room.PacketType(payload[0])
		body := payload[1:]
		switch pt {
		case room.PacketCommand:
			if c.srv.events.OnClientCommand != nil {
				c.srv.events.OnClientCommand(c, body)
			}
		case room.PacketData:
			c.srv.handleData(body)
		case room.PacketMessage:
			c.srv.BroadcastData(body, room.PacketMessage)
		default:
			c.log.WithField("type", payload[0]).Debug("unknown packet type dropped")
		}
	}
}

// writePump 把出站队列泵送到连接。在独立 goroutine 中运行。
func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()
	for {
		select {
		case framed := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, framed); err != nil {
				c.log.WithError(err).Debug("websocket write error")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		case <-c.quit:
			return
		}
	}
}

// framePacket 组包：1 字节类型 + 负载。
func framePacket(pt room.PacketType, data []byte) []byte {
	framed := make([]byte, 1+len(data))
	framed[0] = byte(pt)
	copy(framed[1:], data)
	return framed
}
