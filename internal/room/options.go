package room

import (
	"time"

	"paintty-server/internal/domain"
)

// Options 房间配置。Salt/SignedKey/ArchivePath/ArchiveSign 四项只在
// 恢复模式下由调用方传入（来自持久化记录），新建房间时在初始化
// 流水线里生成。
type Options struct {
	Name            string            // 房间名，进程内唯一，非空
	CanvasSize      domain.CanvasSize // 画布尺寸
	Password        string            // 空串表示公开房间
	MaxLoad         int               // 最大登录人数
	WelcomeMsg      string            // 登录后推送的欢迎语
	EmptyClose      bool              // 无人时自动关闭
	Permanent       bool              // 持久化状态是否跨进程保留
	ExpirationHours int               // 过期周期（小时），0 表示永不过期
	Recovery        bool              // 恢复模式
	LastCheckout    time.Time         // 最近一次 checkout，零值取当前时间
	Port            int               // 期望监听的端口，0 表示随机

	// 以下仅恢复模式使用
	Salt        string
	SignedKey   string
	ArchivePath string
	ArchiveSign string
}

// withDefaults 补齐缺省值，now 用于初始化 LastCheckout。
func (o Options) withDefaults(now time.Time) Options {
	if o.CanvasSize.Width <= 0 || o.CanvasSize.Height <= 0 {
		o.CanvasSize = domain.DefaultCanvasSize
	}
	if o.MaxLoad <= 0 {
		o.MaxLoad = 5
	}
	if o.ExpirationHours < 0 {
		o.ExpirationHours = 0
	}
	if o.LastCheckout.IsZero() {
		o.LastCheckout = now
	}
	return o
}

// Private 是否为私有（带密码）房间。
func (o Options) Private() bool {
	return o.Password != ""
}
