package room

import "encoding/json"

// Command 是解析后的一条客户端命令。协议字段类型松散（恶意客户端可以
// 发任意 JSON），所以保留为泛型映射，取值时逐字段做类型检查；
// 类型不符一律当作字段缺失处理，绝不 panic。
type Command map[string]any

// ParseCommand 把一个 COMMAND 包的负载解析成 Command。
func ParseCommand(raw []byte) (Command, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return Command(m), nil
}

// Str 取字符串字段；字段缺失或不是字符串时 ok 为 false。
func (c Command) Str(key string) (string, bool) {
	v, exists := c[key]
	if !exists {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Num 取数值字段。encoding/json 把所有 JSON 数值解为 float64。
func (c Command) Num(key string) (float64, bool) {
	v, exists := c[key]
	if !exists {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
