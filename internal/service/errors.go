package service

import "errors"

// Service 层错误。Handler 层据此映射 HTTP 状态码。
var (
	// ErrInvalidRoomName 房间名为空或非法
	ErrInvalidRoomName = errors.New("service: invalid room name")
	// ErrRoomExists 同名房间已存在（在线或有持久化记录）
	ErrRoomExists = errors.New("service: room already exists")
	// ErrRoomNotFound 房间不在线
	ErrRoomNotFound = errors.New("service: room not found")
	// ErrInvalidCredentials 管理口令错误
	ErrInvalidCredentials = errors.New("service: invalid credentials")
)
