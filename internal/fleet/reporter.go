// Package fleet 把房间的负载与生命周期变化上报给集群协调者。
// 载体是 Redis Pub/Sub：单机部署时协调者就是本进程的房间管理器，
// 多机部署时由外部协调者订阅同一频道。所有上报都是 fire-and-forget。
package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/room"
)

// DefaultChannel 缺省的上报频道。
const DefaultChannel = "paintty:fleet"

const publishTimeout = 2 * time.Second

// publisher 是 Reporter 消费的最小 Redis 能力，*redis.Client 直接满足。
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Envelope 上报消息的统一信封。
type Envelope struct {
	Message string `json:"message"`
	Info    any    `json:"info,omitempty"`
}

// Reporter 实现 room.FleetReporter。
type Reporter struct {
	rdb     publisher
	channel string
	log     *logrus.Entry
}

// NewReporter 创建一个上报器。channel 为空时使用 DefaultChannel。
func NewReporter(rdb *redis.Client, channel string) *Reporter {
	if rdb == nil {
		panic("redis client cannot be nil for fleet.Reporter")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Reporter{
		rdb:     rdb,
		channel: channel,
		log:     logrus.WithFields(logrus.Fields{"component": "fleet", "channel": channel}),
	}
}

func (r *Reporter) publish(message string, info any) {
	payload, err := json.Marshal(Envelope{Message: message, Info: info})
	if err != nil {
		r.log.WithError(err).Error("cannot marshal fleet message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		// 上报失败不影响房间本身
		r.log.WithError(err).WithField("message", message).Warn("fleet publish failed")
	}
}

// LoadChange 负载变化。
func (r *Reporter) LoadChange(name string, currentLoad int) {
	r.publish("loadchange", map[string]any{"name": name, "currentLoad": currentLoad})
}

// RoomInfo 周期性房间快照。
func (r *Reporter) RoomInfo(info room.FleetRoomInfo) {
	r.publish("roominfo", info)
}

// RoomClose 房间关闭。
func (r *Reporter) RoomClose(name string) {
	r.publish("roomclose", map[string]any{"name": name})
}

// Noop 单机、无 Redis 部署时的空上报器。
type Noop struct{}

func (Noop) LoadChange(string, int)      {}
func (Noop) RoomInfo(room.FleetRoomInfo) {}
func (Noop) RoomClose(string)            {}
