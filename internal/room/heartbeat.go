package room

// checkHeartbeats 心跳清扫，每 10 秒在执行环上跑一轮。从未上报过心跳的
// 连接跳过；静默超过 60 秒的连接视为死亡，强制关闭。关闭动作移出执行环
// 并发执行（并发度有上限），单个关闭失败只记日志，不影响本轮清扫。
func (r *Room) checkHeartbeats() {
	if r.transport == nil {
		return
	}
	now := r.deps.Now().Unix()

	var dead []Client
	for _, c := range r.transport.Clients() {
		last := c.LastHeartbeat()
		if last == 0 {
			continue
		}
		if now-last > heartbeatTimeoutSecs {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	sem := make(chan struct{}, heartbeatCloseLimit)
	for _, c := range dead {
		c := c
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			r.log.WithField("idle_secs", now-c.LastHeartbeat()).Debug("closing dead client")
			if err := c.Close(); err != nil {
				r.log.WithError(err).Warn("cannot close dead client")
			}
		}()
	}
}
