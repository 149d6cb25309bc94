package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuthService 管理 API 的鉴权：用 bcrypt 哈希校验管理口令，
// 签发带过期时间的 JWT。
type AdminAuthService struct {
	passwordHash []byte
	jwtSecret    []byte
	jwtExpiry    time.Duration
}

// NewAdminAuthService 创建鉴权服务。passwordHash 是管理口令的 bcrypt
// 哈希（来自配置，明文口令不落盘）。
func NewAdminAuthService(passwordHash, jwtSecret string, jwtExpiryHours int) (*AdminAuthService, error) {
	if passwordHash == "" {
		return nil, fmt.Errorf("service: admin password hash is required")
	}
	if jwtSecret == "" {
		return nil, fmt.Errorf("service: jwt secret is required")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24
	}
	return &AdminAuthService{
		passwordHash: []byte(passwordHash),
		jwtSecret:    []byte(jwtSecret),
		jwtExpiry:    time.Duration(jwtExpiryHours) * time.Hour,
	}, nil
}

// Login 校验管理口令并签发 JWT。
func (s *AdminAuthService) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(s.jwtExpiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("service: sign token: %w", err)
	}
	return signed, nil
}
