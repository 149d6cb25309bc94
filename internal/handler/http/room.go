package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/domain"
	"paintty-server/internal/service"
)

// RoomHandler 管理 API 的房间操作：建房、罗列、强制关闭。
// 画板客户端不经过这里——它们直连每个房间自己的端口。
type RoomHandler struct {
	manager *service.RoomManagerService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(manager *service.RoomManagerService) *RoomHandler {
	if manager == nil {
		panic("RoomManagerService cannot be nil for RoomHandler")
	}
	return &RoomHandler{manager: manager}
}

// CreateRoomRequest 建房请求体
type CreateRoomRequest struct {
	Name            string `json:"name" binding:"required,min=1,max=64"`
	Password        string `json:"password" binding:"omitempty,max=64"`
	WelcomeMsg      string `json:"welcomemsg" binding:"omitempty,max=256"`
	MaxLoad         int    `json:"maxload" binding:"omitempty,min=1,max=256"`
	EmptyClose      bool   `json:"emptyclose"`
	ExpirationHours int    `json:"expiration" binding:"omitempty,min=0,max=720"`
	CanvasWidth     int    `json:"width" binding:"omitempty,min=1"`
	CanvasHeight    int    `json:"height" binding:"omitempty,min=1"`
	Port            int    `json:"port" binding:"omitempty,min=0,max=65535"`
}

// Create 新建房间，返回连接信息与管理密钥。密钥只在这里返回一次，
// 调用方自行保管。
func (h *RoomHandler) Create(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input")
		return
	}

	rm, err := h.manager.CreateRoom(c.Request.Context(), service.CreateRoomParams{
		Name:            req.Name,
		Password:        req.Password,
		WelcomeMsg:      req.WelcomeMsg,
		MaxLoad:         req.MaxLoad,
		EmptyClose:      req.EmptyClose,
		ExpirationHours: req.ExpirationHours,
		CanvasSize:      domain.CanvasSize{Width: req.CanvasWidth, Height: req.CanvasHeight},
		Port:            req.Port,
	})
	if err != nil {
		logrus.WithError(err).WithField("room", req.Name).Warn("Handler.Create: cannot create room")
		HandleServiceError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, gin.H{
		"name":    rm.Name(),
		"port":    rm.Port(),
		"key":     rm.SignedKey(),
		"maxload": rm.MaxLoad(),
		"private": rm.Private(),
	})
}

// List 罗列在线房间
func (h *RoomHandler) List(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": h.manager.ListRooms()})
}

// Close 强制关闭房间
func (h *RoomHandler) Close(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.CloseRoom(name); err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"message": "room closing"})
}
