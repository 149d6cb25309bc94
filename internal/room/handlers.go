package room

import (
	"encoding/json"
	"time"

	"paintty-server/internal/domain"
)

// 协议处理器。统一约定：先验证后生效，畸形或未授权的请求绝不改动任何
// 状态；应答默认单播给请求方，广播的场合单独注明。特权命令（close、
// clearall、checkout、kick）对错误密钥的沉默是有意的，避免给探测者
// 提供密钥正误的侧信道。

const (
	errcodeBadName    = 301 // login：name 缺失或非法
	errcodeBadPass    = 302 // login：密码错误
	errcodeOverloaded = 305 // login：服务器过载
	errcodeNoKey      = 701 // checkout：缺少密钥
	errcodeBadRange   = 901 // archive：start 越界
)

// kickNoticeText 踢人后的全房间公告。
const kickNoticeText = "房主已使用天谴技能踢出了一名用户！"

type replyResult struct {
	Response string `json:"response"`
	Result   bool   `json:"result"`
	ErrCode  int    `json:"errcode,omitempty"`
}

type loginInfo struct {
	Name        string            `json:"name"`
	HistorySize int64             `json:"historysize"`
	Size        domain.CanvasSize `json:"size"`
	ClientID    string            `json:"clientid"`
}

type loginReply struct {
	Response string    `json:"response"`
	Result   bool      `json:"result"`
	Info     loginInfo `json:"info"`
}

type checkoutReply struct {
	Response string `json:"response"`
	Result   bool   `json:"result"`
	Cycle    int    `json:"cycle"`
}

type archiveSignReply struct {
	Response  string `json:"response"`
	Signature string `json:"signature"`
	Result    bool   `json:"result"`
}

type archiveReply struct {
	Response   string `json:"response"`
	Signature  string `json:"signature"`
	DataLength int64  `json:"datalength"`
	Result     bool   `json:"result"`
}

type onlineListEntry struct {
	Name     string `json:"name"`
	ClientID string `json:"clientid"`
}

type onlineListReply struct {
	Response   string            `json:"response"`
	Result     bool              `json:"result"`
	OnlineList []onlineListEntry `json:"onlinelist"`
}

type heartbeatReply struct {
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
}

type actionNotice struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
}

type closeNotice struct {
	Action string `json:"action"`
	Info   struct {
		Reason int `json:"reason"`
	} `json:"info"`
}

// sendCommandTo 序列化并单播一个 COMMAND 包。
func (r *Room) sendCommandTo(cli Client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.WithError(err).Error("cannot marshal command reply")
		return
	}
	r.transport.SendDataTo(cli, data, PacketCommand)
}

// broadcastCommand 序列化并向全房间广播一个 COMMAND 包。
func (r *Room) broadcastCommand(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.WithError(err).Error("cannot marshal broadcast command")
		return
	}
	r.transport.BroadcastData(data, PacketCommand)
}

// notifyAll 向全房间广播一条 notify 公告。
func (r *Room) notifyAll(content string) {
	r.broadcastCommand(actionNotice{Action: "notify", Content: content})
}

// procLogin 登录握手。校验顺序固定：名字 → 密码 → 过载，过载检查必须
// 先于身份分配，保证过载房间不会积累幽灵身份。
func (r *Room) procLogin(cli Client, cmd Command) {
	name, ok := cmd.Str("name")
	if !ok || name == "" {
		r.sendCommandTo(cli, replyResult{Response: "login", Result: false, ErrCode: errcodeBadName})
		return
	}
	if r.opts.Password != "" {
		pass, ok := cmd.Str("password")
		if !ok || pass != r.opts.Password {
			r.sendCommandTo(cli, replyResult{Response: "login", Result: false, ErrCode: errcodeBadPass})
			return
		}
	}
	if r.deps.Overloaded != nil && r.deps.Overloaded() {
		r.sendCommandTo(cli, replyResult{Response: "login", Result: false, ErrCode: errcodeOverloaded})
		return
	}

	clientID := DeriveClientID(r.opts.Name, name, r.opts.Salt, r.deps.Now().UnixMilli())
	cli.SetClientID(clientID)

	r.sendCommandTo(cli, loginReply{
		Response: "login",
		Result:   true,
		Info: loginInfo{
			Name:        r.opts.Name,
			HistorySize: r.transport.ArchiveLength(),
			Size:        r.opts.CanvasSize,
			ClientID:    clientID,
		},
	})
	cli.SetUsername(name)
	r.log.WithFields(map[string]any{"username": name, "clientid": clientID}).Info("client logged in")

	// 公告与欢迎语推迟到应答发出之后。此时客户端还没加入 radio，
	// 必须直接经由连接发送。
	r.deferEmit(func() {
		cli.MarkHandshakeDone()
		if r.deps.Announcement != "" {
			if data, err := json.Marshal(actionNotice{Action: "notify", Content: r.deps.Announcement}); err == nil {
				cli.SendCommandPack(data)
			}
		}
		if r.opts.WelcomeMsg != "" {
			if data, err := json.Marshal(struct {
				Content string `json:"content"`
			}{r.opts.WelcomeMsg + "\n"}); err == nil {
				cli.SendMessagePack(data)
			}
		}
		if r.deps.Fleet != nil {
			r.deps.Fleet.LoadChange(r.opts.Name, r.currentLoad())
		}
	})
}

// procClose 房主关闭房间。两阶段语义：先向全房间广播关闭通告并把房间
// 标记为非持久 + emptyClose，然后等待客户端自然散场，最后一个连接断开
// 时才真正销毁（见 handleClientClosed）。
func (r *Room) procClose(cli Client, cmd Command) {
	key, ok := cmd.Str("key")
	if !ok || !r.keyMatches(key) {
		r.sendCommandTo(cli, replyResult{Response: "close", Result: false})
		return
	}
	r.sendCommandTo(cli, replyResult{Response: "close", Result: true})

	var notice closeNotice
	notice.Action = "close"
	notice.Info.Reason = closeReasonByOwner
	r.broadcastCommand(notice)

	r.emptyClose = true
	r.permanent = false
	r.log.Info("room close requested by owner")
}

// procClearAll 清空归档。prune 是异步委托，应答、新签名广播与
// newarchivesign 通知都等 handleArchivePruned 回来再发。
func (r *Room) procClearAll(cli Client, cmd Command) {
	key, ok := cmd.Str("key")
	if !ok || !r.keyMatches(key) {
		r.sendCommandTo(cli, replyResult{Response: "clearall", Result: false})
		return
	}
	r.pruneWaiters = append(r.pruneWaiters, cli)
	r.transport.PruneArchive()
}

// procOnlineList 在线名单。请求方必须已经以 clientid 出现在注册表里；
// 名单为空或请求方未知时整体抑制，不发任何应答。
func (r *Room) procOnlineList(cli Client, cmd Command) {
	id, ok := cmd.Str("clientid")
	if !ok || id == "" {
		return
	}
	if r.findClientByID(id) == nil {
		return
	}
	var people []onlineListEntry
	for _, c := range r.transport.Clients() {
		if c.Username() != "" && c.ClientID() != "" {
			people = append(people, onlineListEntry{Name: c.Username(), ClientID: c.ClientID()})
		}
	}
	if len(people) == 0 {
		return
	}
	r.sendCommandTo(cli, onlineListReply{Response: "onlinelist", Result: true, OnlineList: people})
}

// procCheckout 续期。缺少密钥回 701；密钥不匹配沉默。成功时刷新
// lastCheckout 并应答过期周期长度。
func (r *Room) procCheckout(cli Client, cmd Command) {
	key, ok := cmd.Str("key")
	if !ok {
		r.sendCommandTo(cli, replyResult{Response: "checkout", Result: false, ErrCode: errcodeNoKey})
		return
	}
	if !r.keyMatches(key) {
		return
	}
	r.lastCheckout = r.deps.Now()
	r.deferEmit(func() { r.deps.Observer.emitCheckout() })
	r.sendCommandTo(cli, checkoutReply{Response: "checkout", Result: true, Cycle: r.opts.ExpirationHours})
}

// procArchiveSign 查询当前归档签名，要求已完成登录握手。
func (r *Room) procArchiveSign(cli Client, cmd Command) {
	if !cli.HandshakeDone() {
		return
	}
	r.sendCommandTo(cli, archiveSignReply{Response: "archivesign", Signature: r.archiveSign, Result: true})
}

// procArchive 请求历史回放。start 缺省 0，datalength 缺省为剩余全部；
// datalength 会被收紧到不越过归档末尾。start 超出归档长度回 901，
// 且绝不触发 radio 加入。
func (r *Room) procArchive(cli Client, cmd Command) {
	if !cli.HandshakeDone() {
		return
	}
	realLength := r.transport.ArchiveLength()

	var start int64
	if v, ok := cmd.Num("start"); ok && v > 0 {
		start = int64(v)
	}
	if start > realLength {
		r.sendCommandTo(cli, replyResult{Response: "archive", Result: false, ErrCode: errcodeBadRange})
		return
	}

	length := realLength - start
	if v, ok := cmd.Num("datalength"); ok {
		length = int64(v)
		if start+length > realLength {
			length = realLength - start
		}
	}

	r.sendCommandTo(cli, archiveReply{
		Response:   "archive",
		Signature:  r.archiveSign,
		DataLength: length,
		Result:     true,
	})
	r.transport.JoinRadio(cli, start, length)
}

// procHeartbeat 记录客户端心跳。以 1/5 的概率回显时间戳，大规模部署时
// 把回程流量压到可忽略的水平。
func (r *Room) procHeartbeat(cli Client, cmd Command) {
	ts, ok := cmd.Num("timestamp")
	if !ok {
		r.log.Warn("non-number timestamp encountered in heartbeat")
		return
	}
	cli.SetLastHeartbeat(r.deps.Now().Unix())
	if r.deps.RandInt(5) == 0 {
		r.sendCommandTo(cli, heartbeatReply{Response: "heartbeat", Timestamp: int64(ts)})
	}
}

// procKick 踢出指定客户端。通知先行，强制断开延迟 5 秒，给通知一个
// 送达的机会；随后向全房间广播管理员公告。任何校验失败都沉默。
func (r *Room) procKick(cli Client, cmd Command) {
	key, okKey := cmd.Str("key")
	target, okTarget := cmd.Str("clientid")
	if !okKey || !okTarget {
		return
	}
	if !r.keyMatches(key) {
		return
	}
	victim := r.findClientByID(target)
	if victim == nil {
		return
	}
	r.sendCommandTo(victim, actionNotice{Action: "kick"})
	log := r.log
	time.AfterFunc(kickGracePeriod, func() {
		if err := victim.Close(); err != nil {
			log.WithError(err).Debug("cannot close kicked client")
		}
	})
	r.notifyAll(kickNoticeText)
	r.log.WithField("clientid", target).Info("client kicked by owner")
}
