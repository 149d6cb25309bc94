package domain

import "time"

// CanvasSize 画板的逻辑尺寸，在 login 应答中原样下发给客户端。
type CanvasSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultCanvasSize 新房间的默认画布尺寸。
var DefaultCanvasSize = CanvasSize{Width: 720, Height: 480}

// RoomRecord 表示一个房间的持久化记录，仅用于进程重启后恢复房间。
// 运行期的房间状态（在线客户端、心跳等）不落库。
type RoomRecord struct {
	ID              uint      `gorm:"primaryKey"`                    // 主键
	Name            string    `gorm:"uniqueIndex;size:191;not null"` // 房间名，进程内唯一，同时是签名密钥和归档文件名的推导源
	Port            int       `gorm:"not null"`                      // 上次监听的端口，恢复时优先复用
	MaxLoad         int       `gorm:"not null"`                      // 最大登录人数
	Password        string    `gorm:"size:191"`                      // 房间密码，空串表示公开房间
	WelcomeMsg      string    `gorm:"size:512"`                      // 登录后推送的欢迎语
	EmptyClose      bool      // 清空后自动关闭标记
	ExpirationHours int       // 过期周期（小时），0 表示永不过期
	LastCheckout    time.Time `gorm:"index"` // 最近一次成功 checkout 的时间
	CanvasWidth     int       // 画布宽
	CanvasHeight    int       // 画布高
	Salt            string    `gorm:"size:191"` // 创建该房间时使用的签名盐
	SignedKey       string    `gorm:"size:191"` // 已派生的签名密钥，恢复时必须原样复用
	ArchivePath     string    `gorm:"size:512"` // 归档文件路径
	ArchiveSign     string    `gorm:"size:191"` // 归档签名，prune 后轮换
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// Canvas 把落库的宽高还原成 CanvasSize，零值时退回默认尺寸。
func (r *RoomRecord) Canvas() CanvasSize {
	if r.CanvasWidth <= 0 || r.CanvasHeight <= 0 {
		return DefaultCanvasSize
	}
	return CanvasSize{Width: r.CanvasWidth, Height: r.CanvasHeight}
}
