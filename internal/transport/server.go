// Package transport 实现房间的套接字/归档协作者：每个房间一个独立的
// WebSocket 监听端口，数据包用 1 字节类型前缀组帧（DATA/MESSAGE/COMMAND），
// DATA 包写入归档并转发给已加入 radio 的客户端。
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/archive"
	"paintty-server/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 画板客户端不是浏览器，不做同源限制
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server 实现 room.Transport。一个实例服务一个房间，独占该房间的归档文件。
type Server struct {
	cfg    room.TransportConfig
	events room.TransportEvents
	arch   *archive.Archive
	log    *logrus.Entry

	mu      sync.RWMutex
	clients map[*Client]bool
	ln      net.Listener
	httpSrv *http.Server
	port    int
	closed  bool
}

// New 构造一个尚未监听的传输层：打开（或恢复）归档，签名确定后同步
// 触发 OnReady。
func New(cfg room.TransportConfig, ev room.TransportEvents) (room.Transport, error) {
	arch, err := archive.Open(cfg.ArchivePath, cfg.ArchiveSign, cfg.Recovery)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		events:  ev,
		arch:    arch,
		clients: make(map[*Client]bool),
		log: logrus.WithFields(logrus.Fields{
			"component": "transport",
			"archive":   cfg.ArchivePath,
		}),
	}
	if ev.OnReady != nil {
		ev.OnReady(arch.Signature())
	}
	return s, nil
}

// Listen 绑定端口并开始接受连接。端口被占用时返回可被
// errors.Is(err, room.ErrPortInUse) 识别的错误。
func (s *Server) Listen(port int, bindAddr string) error {
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("bind %s: %w", addr, room.ErrPortInUse)
		}
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)

	s.mu.Lock()
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.httpSrv = &http.Server{Handler: mux}
	srv := s.httpSrv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("transport server stopped unexpectedly")
		}
	}()
	s.log.WithField("port", s.Port()).Info("transport is listening")
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newClient(s, conn)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.clients[c] = true
	s.mu.Unlock()

	if s.events.OnNewClient != nil {
		s.events.OnNewClient(c)
	}
	c.run()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Port 实际监听的端口。
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Close 关闭监听与所有连接；destroyArchive 为 true 时同时删除归档文件。
func (s *Server) Close(destroyArchive bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	httpSrv := s.httpSrv
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var firstErr error
	if httpSrv != nil {
		if err := httpSrv.Close(); err != nil {
			firstErr = err
		}
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if err := s.arch.Close(destroyArchive); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ArchiveLength 当前归档长度。
func (s *Server) ArchiveLength() int64 {
	return s.arch.Length()
}

// PruneArchive 异步清空归档，完成后经 OnArchivePruned 回传新签名。
func (s *Server) PruneArchive() {
	s.arch.Prune(func(newSign string) {
		if s.events.OnArchivePruned != nil {
			s.events.OnArchivePruned(newSign)
		}
	})
}

// JoinRadio 先补播 [start, start+length) 的历史数据，再把客户端接入
// 实时广播流。补播在独立 goroutine 中进行，不阻塞房间执行环。
func (s *Server) JoinRadio(rc room.Client, start, length int64) {
	c, ok := rc.(*Client)
	if !ok {
		return
	}
	go func() {
		backlog, err := s.arch.ReadRange(start, length)
		if err != nil {
			s.log.WithError(err).Error("cannot read archive backlog")
		}
		if len(backlog) > 0 {
			c.enqueue(framePacket(room.PacketData, backlog))
		}
		c.joinRadio()
	}()
}

// handleData 进站画板数据：记录进归档，再转发给 radio 成员。
func (s *Server) handleData(data []byte) {
	if s.cfg.Record {
		if err := s.arch.Append(data); err != nil {
			s.log.WithError(err).Error("cannot append to archive")
		}
	}
	framed := framePacket(room.PacketData, data)
	s.mu.RLock()
	for c := range s.clients {
		if c.inRadio() {
			c.enqueue(framed)
		}
	}
	s.mu.RUnlock()
}

// BroadcastData 向当前所有连接广播一个数据包。
func (s *Server) BroadcastData(data []byte, pt room.PacketType) {
	framed := framePacket(pt, data)
	s.mu.RLock()
	for c := range s.clients {
		c.enqueue(framed)
	}
	s.mu.RUnlock()
}

// SendDataTo 向单个客户端发送一个数据包。
func (s *Server) SendDataTo(rc room.Client, data []byte, pt room.PacketType) {
	c, ok := rc.(*Client)
	if !ok {
		return
	}
	c.enqueue(framePacket(pt, data))
}

// Clients 当前连接集合的快照。
func (s *Server) Clients() []room.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]room.Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
