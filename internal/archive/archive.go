// Package archive 实现房间历史的落盘存储：一个只追加的数据文件，
// 附带一个随清空而轮换的版本签名。客户端用签名判断本地缓存的历史
// 是否还有效。
package archive

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Archive 单个房间的归档文件。所有方法并发安全；写入只追加，
// Prune 是唯一的破坏性操作。
type Archive struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	size   int64
	sign   string
	closed bool
	log    *logrus.Entry
}

// Open 打开（或创建）一个归档。恢复模式下保留既有内容并复用已知签名；
// 新建模式下清空文件并生成新签名。
func Open(path, knownSign string, recovery bool) (*Archive, error) {
	flags := os.O_RDWR | os.O_CREATE
	if !recovery {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", path, err)
	}

	var size int64
	if recovery {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat archive %q: %w", path, err)
		}
		size = st.Size()
	}

	sign := knownSign
	if sign == "" {
		sign = newSignature(path)
	}

	return &Archive{
		path: path,
		f:    f,
		size: size,
		sign: sign,
		log:  logrus.WithFields(logrus.Fields{"component": "archive", "path": path}),
	}, nil
}

// newSignature 生成一个不可预测的归档版本签名。
func newSignature(path string) string {
	var rnd [8]byte
	rand.Read(rnd[:])
	sum := sha1.Sum([]byte(path + strconv.FormatInt(time.Now().UnixNano(), 10) + string(rnd[:])))
	return hex.EncodeToString(sum[:])
}

// Signature 当前版本签名。
func (a *Archive) Signature() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sign
}

// Length 当前数据长度（字节）。
func (a *Archive) Length() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Append 追加一段数据。
func (a *Archive) Append(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("archive %q is closed", a.path)
	}
	n, err := a.f.WriteAt(data, a.size)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("append to archive %q: %w", a.path, err)
	}
	return nil
}

// ReadRange 读取 [start, start+length) 区间。区间会被收紧到现有数据内；
// start 越界时返回空切片而不是错误，由协议层提前拦截。
func (a *Archive) ReadRange(start, length int64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("archive %q is closed", a.path)
	}
	if start < 0 {
		start = 0
	}
	if start >= a.size || length <= 0 {
		return nil, nil
	}
	if start+length > a.size {
		length = a.size - start
	}
	buf := make([]byte, length)
	if _, err := a.f.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("read archive %q: %w", a.path, err)
	}
	return buf, nil
}

// Prune 异步清空归档并轮换签名，完成后回调新签名。清空期间的并发
// Append 会排在清空之后，落入新版本。
func (a *Archive) Prune(done func(newSign string)) {
	go func() {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		if err := a.f.Truncate(0); err != nil {
			a.log.WithError(err).Error("cannot truncate archive")
			a.mu.Unlock()
			return
		}
		a.size = 0
		a.sign = newSignature(a.path)
		sign := a.sign
		a.mu.Unlock()

		a.log.WithField("signature", sign).Info("archive pruned")
		if done != nil {
			done(sign)
		}
	}()
}

// Close 关闭归档；destroy 为 true 时连文件一起删除。
func (a *Archive) Close(destroy bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.f.Close()
	if destroy {
		if rmErr := os.Remove(a.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
