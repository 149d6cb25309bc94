package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatSweepClosesSilentClients(t *testing.T) {
	f := newFixture(t, Options{Name: "alice"}, nil)
	now := f.clock.Now().Unix()

	dead := f.login("bob")
	dead.SetLastHeartbeat(now - 61)

	boundary := f.login("carol")
	boundary.SetLastHeartbeat(now - 60)

	never := f.login("dave") // 从未上报过心跳

	done := make(chan struct{})
	f.room.post(func() {
		f.room.checkHeartbeats()
		close(done)
	})
	<-done

	assert.Eventually(t, dead.Closed, time.Second, 5*time.Millisecond,
		"静默超过 60 秒的连接应被强制断开")
	assert.False(t, boundary.Closed(), "恰好 60 秒不应断开")
	assert.False(t, never.Closed(), "从未上报心跳的连接跳过")
}

func TestHeartbeatSweepKeepsFreshClients(t *testing.T) {
	f := newFixture(t, Options{Name: "alice"}, nil)
	c := f.login("bob")

	f.command(c, map[string]any{"action": "heartbeat", "timestamp": 1})
	f.clock.Advance(30 * time.Second)

	done := make(chan struct{})
	f.room.post(func() {
		f.room.checkHeartbeats()
		close(done)
	})
	<-done

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Closed(), "活跃连接不应被清扫")
}
