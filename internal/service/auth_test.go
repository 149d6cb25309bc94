package service_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"paintty-server/internal/service"
)

func adminHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func TestAdminAuth_Login_Success(t *testing.T) {
	// Arrange
	secret := "very-secret-key"
	auth, err := service.NewAdminAuthService(adminHash(t, "s3cret"), secret, 1)
	require.NoError(t, err, "创建 AdminAuthService 不应失败")

	// Act
	token, err := auth.Login("s3cret")

	// Assert
	require.NoError(t, err, "正确口令应签发令牌")
	require.NotEmpty(t, token)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err, "令牌应能用同一密钥验签")
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "admin", claims["role"])
	assert.NotEmpty(t, claims["exp"], "令牌必须有过期时间")
}

func TestAdminAuth_Login_WrongPassword(t *testing.T) {
	auth, err := service.NewAdminAuthService(adminHash(t, "s3cret"), "secret", 1)
	require.NoError(t, err)

	token, err := auth.Login("wrong")

	assert.ErrorIs(t, err, service.ErrInvalidCredentials)
	assert.Empty(t, token)
}

func TestAdminAuth_RequiresConfiguration(t *testing.T) {
	_, err := service.NewAdminAuthService("", "secret", 1)
	assert.Error(t, err, "缺少口令哈希应拒绝构造")

	_, err = service.NewAdminAuthService(adminHash(t, "x"), "", 1)
	assert.Error(t, err, "缺少 JWT 密钥应拒绝构造")
}
