package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// 本文件提供房间测试的公共替身：可控时钟、假客户端、假传输层、
// 假集群上报器与生命周期录制器。

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeClient struct {
	mu        sync.Mutex
	username  string
	clientID  string
	handshake bool
	lastHB    int64
	cmdPacks  [][]byte
	msgPacks  [][]byte
	closed    bool
}

func (c *fakeClient) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *fakeClient) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

func (c *fakeClient) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *fakeClient) SetClientID(id string) {
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
}

func (c *fakeClient) HandshakeDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

func (c *fakeClient) MarkHandshakeDone() {
	c.mu.Lock()
	c.handshake = true
	c.mu.Unlock()
}

func (c *fakeClient) LastHeartbeat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHB
}

func (c *fakeClient) SetLastHeartbeat(epochSeconds int64) {
	c.mu.Lock()
	c.lastHB = epochSeconds
	c.mu.Unlock()
}

func (c *fakeClient) SendCommandPack(data []byte) {
	c.mu.Lock()
	c.cmdPacks = append(c.cmdPacks, data)
	c.mu.Unlock()
}

func (c *fakeClient) SendMessagePack(data []byte) {
	c.mu.Lock()
	c.msgPacks = append(c.msgPacks, data)
	c.mu.Unlock()
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type broadcastCall struct {
	data []byte
	pt   PacketType
}

type joinCall struct {
	cli    Client
	start  int64
	length int64
}

type fakeTransport struct {
	mu          sync.Mutex
	cfg         TransportConfig
	ev          TransportEvents
	sign        string
	port        int
	archiveLen  int64
	listenErrs  []error
	listenPorts []int
	clients     []Client
	unicasts    map[Client][][]byte
	broadcasts  []broadcastCall
	joins       []joinCall
	pruneCalls  int
	closed      bool
	destroyed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sign: "sign-0", unicasts: make(map[Client][][]byte)}
}

func (t *fakeTransport) Listen(port int, bindAddr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listenPorts = append(t.listenPorts, port)
	if len(t.listenErrs) > 0 {
		err := t.listenErrs[0]
		t.listenErrs = t.listenErrs[1:]
		if err != nil {
			return err
		}
	}
	if port == 0 {
		t.port = 49152
	} else {
		t.port = port
	}
	return nil
}

func (t *fakeTransport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

func (t *fakeTransport) Close(destroyArchive bool) error {
	t.mu.Lock()
	t.closed = true
	t.destroyed = destroyArchive
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) ArchiveLength() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archiveLen
}

func (t *fakeTransport) PruneArchive() {
	t.mu.Lock()
	t.pruneCalls++
	t.mu.Unlock()
}

func (t *fakeTransport) JoinRadio(c Client, start, length int64) {
	t.mu.Lock()
	t.joins = append(t.joins, joinCall{cli: c, start: start, length: length})
	t.mu.Unlock()
}

func (t *fakeTransport) BroadcastData(data []byte, pt PacketType) {
	t.mu.Lock()
	t.broadcasts = append(t.broadcasts, broadcastCall{data: data, pt: pt})
	t.mu.Unlock()
}

func (t *fakeTransport) SendDataTo(c Client, data []byte, pt PacketType) {
	t.mu.Lock()
	t.unicasts[c] = append(t.unicasts[c], data)
	t.mu.Unlock()
}

func (t *fakeTransport) Clients() []Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Client, len(t.clients))
	copy(out, t.clients)
	return out
}

func (t *fakeTransport) addClient(c Client) {
	t.mu.Lock()
	t.clients = append(t.clients, c)
	t.mu.Unlock()
}

func (t *fakeTransport) removeClient(c Client) {
	t.mu.Lock()
	for i, cur := range t.clients {
		if cur == c {
			t.clients = append(t.clients[:i], t.clients[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

func (t *fakeTransport) unicastCount(c Client) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unicasts[c])
}

// lastUnicast 解码发给 c 的最后一个 COMMAND 包；没有则返回 nil。
func (t *fakeTransport) lastUnicast(tt *testing.T, c Client) map[string]any {
	tt.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	packs := t.unicasts[c]
	if len(packs) == 0 {
		return nil
	}
	var m map[string]any
	require.NoError(tt, json.Unmarshal(packs[len(packs)-1], &m), "应答应是合法 JSON")
	return m
}

func (t *fakeTransport) broadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.broadcasts)
}

func (t *fakeTransport) lastBroadcast(tt *testing.T) map[string]any {
	tt.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.broadcasts) == 0 {
		return nil
	}
	var m map[string]any
	require.NoError(tt, json.Unmarshal(t.broadcasts[len(t.broadcasts)-1].data, &m), "广播应是合法 JSON")
	return m
}

func (t *fakeTransport) joinCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.joins)
}

func (t *fakeTransport) pruneCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneCalls
}

type fleetLoad struct {
	name string
	load int
}

type fakeFleet struct {
	mu         sync.Mutex
	loads      []fleetLoad
	infos      []FleetRoomInfo
	roomCloses []string
}

func (f *fakeFleet) LoadChange(name string, currentLoad int) {
	f.mu.Lock()
	f.loads = append(f.loads, fleetLoad{name: name, load: currentLoad})
	f.mu.Unlock()
}

func (f *fakeFleet) RoomInfo(info FleetRoomInfo) {
	f.mu.Lock()
	f.infos = append(f.infos, info)
	f.mu.Unlock()
}

func (f *fakeFleet) RoomClose(name string) {
	f.mu.Lock()
	f.roomCloses = append(f.roomCloses, name)
	f.mu.Unlock()
}

func (f *fakeFleet) lastLoad() (fleetLoad, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loads) == 0 {
		return fleetLoad{}, false
	}
	return f.loads[len(f.loads)-1], true
}

func (f *fakeFleet) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roomCloses)
}

type observerRecorder struct {
	mu        sync.Mutex
	creates   []CreateInfo
	checkouts int
	signs     []string
	closes    int
	destroyed []string
}

func (o *observerRecorder) observer() Observer {
	return Observer{
		OnCreate: func(info CreateInfo) {
			o.mu.Lock()
			o.creates = append(o.creates, info)
			o.mu.Unlock()
		},
		OnCheckout: func() {
			o.mu.Lock()
			o.checkouts++
			o.mu.Unlock()
		},
		OnNewArchiveSign: func(sign string) {
			o.mu.Lock()
			o.signs = append(o.signs, sign)
			o.mu.Unlock()
		},
		OnClose: func() {
			o.mu.Lock()
			o.closes++
			o.mu.Unlock()
		},
		OnDestroyed: func(name string) {
			o.mu.Lock()
			o.destroyed = append(o.destroyed, name)
			o.mu.Unlock()
		},
	}
}

func (o *observerRecorder) checkoutCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checkouts
}

func (o *observerRecorder) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes
}

func (o *observerRecorder) destroyedNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.destroyed))
	copy(out, o.destroyed)
	return out
}

func (o *observerRecorder) lastSign() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.signs) == 0 {
		return "", false
	}
	return o.signs[len(o.signs)-1], true
}

func (o *observerRecorder) createInfos() []CreateInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]CreateInfo, len(o.creates))
	copy(out, o.creates)
	return out
}

type roomFixture struct {
	t     *testing.T
	room  *Room
	tr    *fakeTransport
	clock *fakeClock
	fleet *fakeFleet
	obs   *observerRecorder
}

// newFixture 起一个状态为 running 的房间，所有协作者都用替身。
// mod 允许用例在构造前改写依赖。
func newFixture(t *testing.T, opts Options, mod func(*Deps)) *roomFixture {
	t.Helper()
	clock := newFakeClock()
	tr := newFakeTransport()
	fleet := &fakeFleet{}
	obs := &observerRecorder{}

	deps := Deps{
		Salt:       "test-salt",
		ArchiveDir: t.TempDir(),
		NewTransport: func(cfg TransportConfig, ev TransportEvents) (Transport, error) {
			tr.cfg = cfg
			tr.ev = ev
			ev.OnReady(tr.sign)
			return tr, nil
		},
		Fleet:    fleet,
		Observer: obs.observer(),
		Now:      clock.Now,
		RandInt:  func(int) int { return 1 },
	}
	if mod != nil {
		mod(&deps)
	}

	r, err := New(context.Background(), opts, deps)
	require.NoError(t, err, "房间初始化应成功")
	t.Cleanup(r.Close)

	return &roomFixture{t: t, room: r, tr: tr, clock: clock, fleet: fleet, obs: obs}
}

// sync 等执行环排空此前投递的全部任务（含延迟通知）。房间已关闭时直接返回。
func (f *roomFixture) sync() {
	done := make(chan struct{})
	f.room.post(func() { close(done) })
	select {
	case <-done:
	case <-f.room.loopDone:
	}
}

// connect 接入一个裸连接（未登录）。
func (f *roomFixture) connect() *fakeClient {
	c := &fakeClient{}
	f.tr.addClient(c)
	f.tr.ev.OnNewClient(c)
	f.sync()
	return c
}

// disconnect 断开一个连接。
func (f *roomFixture) disconnect(c *fakeClient) {
	f.tr.removeClient(c)
	f.tr.ev.OnClientClosed(c)
	f.sync()
}

// command 以 c 的身份发送一条协议命令并等处理完毕。
func (f *roomFixture) command(c Client, fields map[string]any) {
	f.t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(f.t, err, "命令应可序列化")
	f.tr.ev.OnClientCommand(c, raw)
	f.sync()
}

// login 接入并完成登录握手。
func (f *roomFixture) login(name string) *fakeClient {
	f.t.Helper()
	c := f.connect()
	f.command(c, map[string]any{"action": "login", "name": name})
	require.Equal(f.t, name, c.Username(), "登录后用户名应写入客户端状态")
	require.NotEmpty(f.t, c.ClientID(), "登录后应分配客户端标识")
	return c
}
