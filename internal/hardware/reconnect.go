package hardware

import (
	"time"

	"go.uber.org/zap"
)

// StartReconnect 启动后台重连
// 启动时首次连接失败的调用方用它把通道交给后台重连，幂等。
func (c *Channel) StartReconnect() {
	c.scheduleReconnect()
}

// scheduleReconnect 确保有且只有一个后台重连协程在运行
// 可以在任意状态下调用，重复调用是幂等的。
func (c *Channel) scheduleReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	if c.reconnecting {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

// reconnectLoop 按固定间隔尝试重连，成功或通道关闭后退出
func (c *Channel) reconnectLoop() {
	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	interval := c.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("启动串口后台重连", zap.Duration("interval", interval))

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if c.Connected() {
			return
		}

		attempt++
		c.setState(StateReconnecting, nil)
		if err := c.Connect(); err != nil {
			c.log.Warn("串口重连失败",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		c.log.Info("串口重连成功", zap.Int("attempt", attempt))
		return
	}
}
