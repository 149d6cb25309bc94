package room

import "github.com/sirupsen/logrus"

// Handler 一条协议命令的处理器，绑定到具体的 Room 实例。
type Handler func(cli Client, cmd Command)

// Router 把 (topic, action) 映射到已注册的处理器。纯分发，不含业务逻辑：
// topic 是命令里承载动作名的字段（请求统一用 "action"），action 是动作名。
type Router struct {
	handlers map[string]map[string]Handler
}

// NewRouter 创建空路由表。
func NewRouter() *Router {
	return &Router{handlers: make(map[string]map[string]Handler)}
}

// Register 注册一个处理器，返回自身便于链式注册。重复注册同一
// (topic, action) 是编程错误，直接覆盖并告警。
func (r *Router) Register(topic, action string, h Handler) *Router {
	m, ok := r.handlers[topic]
	if !ok {
		m = make(map[string]Handler)
		r.handlers[topic] = m
	}
	if _, dup := m[action]; dup {
		logrus.WithFields(logrus.Fields{"topic": topic, "action": action}).
			Warn("router: handler overwritten")
	}
	m[action] = h
	return r
}

// Dispatch 根据命令内容找到处理器并调用。没有任何处理器匹配时返回 false，
// 由调用方决定是否记录；未知命令不是错误。
func (r *Router) Dispatch(cli Client, cmd Command) bool {
	for topic, m := range r.handlers {
		action, ok := cmd.Str(topic)
		if !ok {
			continue
		}
		if h, ok := m[action]; ok {
			h(cli, cmd)
			return true
		}
	}
	return false
}
