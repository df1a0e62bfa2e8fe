package coin

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/logger"
)

// PulseSource 脉冲源
// GPIO驱动、测试桩，任何能给出脉冲时间戳的东西都可以接进来
type PulseSource interface {
	Pulses() <-chan time.Time
}

// CoinEvent 一次投币事件
type CoinEvent struct {
	Value  int       `json:"value"`  // 面值
	Pulses int       `json:"pulses"` // 脉冲数
	At     time.Time `json:"at"`     // 脉冲串内最后一个脉冲的时间
}

// 内置脉冲映射表
var (
	// directMapping 脉冲数即面值
	directMapping = map[int]int{1: 1, 5: 5, 10: 10}
	// offsetMapping 部分投币器从5开始编码，避免单脉冲干扰被当成投币
	offsetMapping = map[int]int{5: 1, 6: 5, 7: 10, 8: 20}
)

// BuildMapping 根据配置生成脉冲数到面值的映射表
func BuildMapping(cfg *config.CoinPulseConfig) (map[int]int, error) {
	switch cfg.Mapping {
	case "", "direct":
		return cloneMapping(directMapping), nil
	case "offset":
		return cloneMapping(offsetMapping), nil
	case "custom":
		if len(cfg.Custom) == 0 {
			return nil, errors.New(errors.ErrPulseMapping, "custom模式下映射表不能为空")
		}
		m := make(map[int]int, len(cfg.Custom))
		for key, value := range cfg.Custom {
			pulses, err := strconv.Atoi(key)
			if err != nil || pulses <= 0 {
				return nil, errors.Newf(errors.ErrPulseMapping, "非法脉冲数: %q", key)
			}
			if value <= 0 {
				return nil, errors.Newf(errors.ErrPulseMapping, "非法面值: %d", value)
			}
			m[pulses] = value
		}
		return m, nil
	default:
		return nil, errors.Newf(errors.ErrPulseMapping, "未知映射模式: %s", cfg.Mapping)
	}
}

func cloneMapping(src map[int]int) map[int]int {
	dst := make(map[int]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

const (
	defaultGapWindow = 200 * time.Millisecond
	eventBufferSize  = 16
)

// Counter 投币脉冲计数器
// 投币器每投入一枚硬币输出一串脉冲，串内间隔远小于串间静默。
// Counter把间隔小于GapWindow的脉冲归为一串，静默期满后按脉冲数查表得到面值。
type Counter struct {
	mapping map[int]int
	gap     time.Duration

	mu     sync.Mutex
	pulses int
	lastAt time.Time
	gen    uint64
	timer  *time.Timer
	closed bool

	events chan CoinEvent
	log    *zap.Logger
}

// NewCounter 创建计数器，映射表非法时返回错误
func NewCounter(cfg *config.CoinPulseConfig) (*Counter, error) {
	mapping, err := BuildMapping(cfg)
	if err != nil {
		return nil, err
	}
	gap := cfg.GapWindow
	if gap <= 0 {
		gap = defaultGapWindow
	}
	return &Counter{
		mapping: mapping,
		gap:     gap,
		events:  make(chan CoinEvent, eventBufferSize),
		log:     logger.GetModuleLogger("coin"),
	}, nil
}

// Pulse 记录一个脉冲
// 计时基于调用时刻，at只是随事件带出去的时间戳
func (c *Counter) Pulse(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pulses++
	c.lastAt = at
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.gap, func() { c.closeBurst(gen) })
}

// closeBurst 静默期满，结算当前脉冲串
// gen防的是Stop没拦住的旧定时器：期间又有新脉冲进来时旧结算作废
func (c *Counter) closeBurst(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.pulses == 0 {
		return
	}
	pulses := c.pulses
	at := c.lastAt
	c.pulses = 0
	c.timer = nil

	value, ok := c.mapping[pulses]
	if !ok {
		if c.log != nil {
			c.log.Warn("无法识别的脉冲串，丢弃",
				zap.Int("pulses", pulses),
				zap.Time("at", at))
		}
		return
	}

	event := CoinEvent{Value: value, Pulses: pulses, At: at}
	select {
	case c.events <- event:
	default:
		if c.log != nil {
			c.log.Warn("投币事件通道已满，丢弃事件",
				zap.Int("value", value),
				zap.Int("pulses", pulses))
		}
	}
}

// Events 投币事件通道，Close后关闭
func (c *Counter) Events() <-chan CoinEvent {
	return c.events
}

// Run 从脉冲源持续读入脉冲，ctx取消或源关闭后返回
func (c *Counter) Run(ctx context.Context, source PulseSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case at, ok := <-source.Pulses():
			if !ok {
				return
			}
			c.Pulse(at)
		}
	}
}

// Close 停止计数并关闭事件通道，未结算完的脉冲串丢弃
func (c *Counter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// 事件只在持锁时发送，这里关通道是安全的
	close(c.events)
}
