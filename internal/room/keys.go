package room

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"strconv"
)

// 标识与令牌派生。这里的 SHA-1 只用来生成不透明的十六进制标识，
// 不承担保密职责：签名密钥的安全性来自盐的保密，客户端标识
// 本身就会通过 onlinelist 公开。

// DeriveSignedKey 由房间名和签名盐派生房间的管理密钥。
// 同一组输入永远得到同一个密钥；恢复模式的房间不走这里，直接复用落库值。
func DeriveSignedKey(name, salt string) string {
	sum := sha1.Sum([]byte(name + salt))
	return hex.EncodeToString(sum[:])
}

// DeriveClientID 派生单个登录会话的客户端标识。拼入毫秒时间戳，
// 同名客户端重复登录也会得到不同的标识。该值会下发给客户端并出现在
// onlinelist 里，不能当认证凭据使用。
func DeriveClientID(roomName, clientName, salt string, nowMillis int64) string {
	sum := sha1.Sum([]byte(roomName + clientName + salt + strconv.FormatInt(nowMillis, 10)))
	return hex.EncodeToString(sum[:])
}

// DeriveArchiveFileName 由房间名推导归档文件路径。确定性的推导让恢复流程
// 无需额外映射表即可定位归档；恢复选项里总是携带精确路径，这里只服务新建房间。
func DeriveArchiveFileName(dir, roomName string) string {
	sum := sha1.Sum([]byte(roomName))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+".data")
}
