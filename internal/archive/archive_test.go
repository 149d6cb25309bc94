package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempArchivePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "room.data")
}

func TestAppendAndReadRange(t *testing.T) {
	a, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err, "新建归档应成功")
	defer a.Close(false)

	require.NoError(t, a.Append([]byte("hello ")))
	require.NoError(t, a.Append([]byte("world")))
	assert.Equal(t, int64(11), a.Length())

	data, err := a.ReadRange(0, 11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = a.ReadRange(6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestReadRangeClamped(t *testing.T) {
	a, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err)
	defer a.Close(false)
	require.NoError(t, a.Append([]byte("0123456789")))

	data, err := a.ReadRange(8, 100)
	require.NoError(t, err)
	assert.Equal(t, "89", string(data), "读取区间应收紧到数据末尾")

	data, err = a.ReadRange(100, 10)
	require.NoError(t, err)
	assert.Empty(t, data, "越界起点返回空数据")
}

func TestFreshArchiveGetsNewSignature(t *testing.T) {
	a1, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err)
	defer a1.Close(false)
	a2, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err)
	defer a2.Close(false)

	assert.Len(t, a1.Signature(), 40)
	assert.NotEqual(t, a1.Signature(), a2.Signature(), "不同归档的签名应不同")
}

func TestRecoveryKeepsContentAndSignature(t *testing.T) {
	path := tempArchivePath(t)

	a, err := Open(path, "", false)
	require.NoError(t, err)
	require.NoError(t, a.Append([]byte("history")))
	require.NoError(t, a.Close(false))

	recovered, err := Open(path, "persisted-sign", true)
	require.NoError(t, err, "恢复模式应成功")
	defer recovered.Close(false)

	assert.Equal(t, int64(7), recovered.Length(), "恢复应保留既有内容")
	assert.Equal(t, "persisted-sign", recovered.Signature(), "恢复应复用落库签名")

	data, err := recovered.ReadRange(0, 7)
	require.NoError(t, err)
	assert.Equal(t, "history", string(data))
}

func TestPruneRotatesSignature(t *testing.T) {
	a, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err)
	defer a.Close(false)
	require.NoError(t, a.Append([]byte("to be erased")))
	oldSign := a.Signature()

	signCh := make(chan string, 1)
	a.Prune(func(newSign string) { signCh <- newSign })

	select {
	case newSign := <-signCh:
		assert.NotEqual(t, oldSign, newSign, "清空必须轮换签名")
		assert.Equal(t, newSign, a.Signature())
	case <-time.After(time.Second):
		t.Fatal("prune 回调未触发")
	}
	assert.Equal(t, int64(0), a.Length(), "清空后长度归零")
}

func TestCloseDestroyRemovesFile(t *testing.T) {
	path := tempArchivePath(t)
	a, err := Open(path, "", false)
	require.NoError(t, err)
	require.NoError(t, a.Append([]byte("x")))

	require.NoError(t, a.Close(true))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "destroy 关闭应删除归档文件")
}

func TestCloseIdempotent(t *testing.T) {
	a, err := Open(tempArchivePath(t), "", false)
	require.NoError(t, err)

	require.NoError(t, a.Close(false))
	require.NoError(t, a.Close(false), "重复关闭应是无害的")
}
