package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paintty-server/internal/service"
)

// AuthHandler 管理口令登录，换取访问管理 API 的 JWT。
type AuthHandler struct {
	authService *service.AdminAuthService
}

// NewAuthHandler 创建 AuthHandler 实例
func NewAuthHandler(authService *service.AdminAuthService) *AuthHandler {
	if authService == nil {
		panic("AdminAuthService cannot be nil for AuthHandler")
	}
	return &AuthHandler{authService: authService}
}

// LoginRequest 登录请求体
type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login 校验管理口令并返回 JWT
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input")
		return
	}

	token, err := h.authService.Login(req.Password)
	if err != nil {
		logrus.WithField("ip", c.ClientIP()).Warn("Handler.Login: admin login failed")
		HandleServiceError(c, err)
		return
	}

	SuccessResponse(c, http.StatusOK, gin.H{"token": token})
}
