package hardware

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/logger"
	"go.uber.org/zap"
)

// ConnectionState 串口连接状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StatusListener 连接状态变更回调
// 回调在触发状态变更的goroutine内同步执行，回调内不要再发送命令。
type StatusListener func(state ConnectionState, err error)

// CommandRecord 一次命令往返的记录
type CommandRecord struct {
	RequestID string
	Command   string
	Response  string
	Success   bool
	ErrorMsg  string
	Duration  time.Duration
	StartedAt time.Time
}

// CommandRecorder 命令记录接收方，由上层服务实现（如落库）
type CommandRecorder interface {
	RecordCommand(rec CommandRecord)
}

// SendOptions 命令发送选项
type SendOptions struct {
	Timeout    time.Duration // 响应超时，0表示使用配置默认值
	ExpectJSON bool          // 尝试把应答解析为JSON
	NoWait     bool          // 只写不读，立即返回
}

// CommandResult 命令执行结果
// 无论成败都会返回，失败时Lines保留已收到的部分应答。
type CommandResult struct {
	Command  string                 `json:"command"`
	Lines    []string               `json:"lines"`
	JSON     map[string]interface{} `json:"json,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Text 返回按行拼接的应答文本
func (r *CommandResult) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Channel 设备命令通道
// 持有唯一的串口连接，串行化所有命令：任意时刻最多一条命令在途，
// 读取循环只在持锁的命令内运行。断开后由后台协程按固定间隔重连。
type Channel struct {
	cfg *config.SerialConfig
	log *zap.Logger

	// mu 是传输互斥锁：命令执行（含重试和退避）全程持有
	mu    sync.Mutex
	port  SerialPort
	carry string // 跨读取周期的未完行残留

	stateMu   sync.RWMutex
	state     ConnectionState
	lastErr   error
	listeners []StatusListener

	opener   PortOpener
	recorder CommandRecorder

	reconnectMu  sync.Mutex
	reconnecting bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannel 创建命令通道，不会立即打开串口
func NewChannel(cfg *config.SerialConfig) *Channel {
	log := logger.GetLogger()
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		cfg:    cfg,
		log:    log,
		state:  StateDisconnected,
		opener: OpenSerialPort,
		done:   make(chan struct{}),
	}
}

// SetRecorder 设置命令记录接收方
func (c *Channel) SetRecorder(r CommandRecorder) {
	c.recorder = r
}

// State 返回当前连接状态
func (c *Channel) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Connected 是否已连接
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// LastError 最近一次连接或传输错误
func (c *Channel) LastError() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastErr
}

// OnStatusChange 注册状态变更回调
func (c *Channel) OnStatusChange(l StatusListener) {
	c.stateMu.Lock()
	c.listeners = append(c.listeners, l)
	c.stateMu.Unlock()
}

func (c *Channel) setState(state ConnectionState, err error) {
	c.stateMu.Lock()
	changed := c.state != state
	c.state = state
	if err != nil {
		c.lastErr = err
	}
	listeners := make([]StatusListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.stateMu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l(state, err)
	}
}

// Connect 打开串口连接
// 已有连接会先关闭再重开，失败时调用方需要自行决定是否调度后台重连。
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

// openLocked 关旧开新，调用方必须持有c.mu
func (c *Channel) openLocked() error {
	c.setState(StateConnecting, nil)

	if c.port != nil {
		c.port.Close()
		c.port = nil
		// 给设备一点复位时间再重开
		time.Sleep(c.cfg.SettleAfterClose)
	}

	portName := c.cfg.Port
	if c.cfg.AutoDetect && !SerialPortExists(portName) {
		if found := FindDevice(c.cfg.DevicePatterns); found != "" {
			c.log.Info("自动探测到串口设备", zap.String("port", found))
			portName = found
		}
	}

	port, err := c.opener(portName, c.cfg.BaudRate, c.cfg.ReadTimeout)
	if err != nil {
		appErr := errors.Wrapf(err, errors.ErrSerialPortOpen, "打开串口失败: %s", portName)
		c.setState(StateDisconnected, appErr)
		return appErr
	}
	c.port = port
	c.carry = ""
	time.Sleep(c.cfg.SettleAfterOpen)

	// 发送空行唤醒设备并清空两侧缓冲
	if _, err := port.Write([]byte("\n")); err != nil {
		port.Close()
		c.port = nil
		appErr := errors.Wrapf(err, errors.ErrSerialPortWrite, "串口唤醒失败: %s", portName)
		c.setState(StateDisconnected, appErr)
		return appErr
	}
	port.Flush()

	c.setState(StateConnected, nil)
	c.log.Info("串口已连接",
		zap.String("port", portName),
		zap.Int("baud_rate", c.cfg.BaudRate))
	return nil
}

// closePortLocked 关闭端口并标记断开，调用方必须持有c.mu
func (c *Channel) closePortLocked(cause error) {
	if c.port != nil {
		c.port.Close()
		c.port = nil
	}
	c.carry = ""
	c.setState(StateDisconnected, cause)
	if cause != nil {
		c.log.Warn("串口连接断开", zap.Error(cause))
	}
}

// Close 关闭通道并停止后台重连
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	var err error
	if c.port != nil {
		err = c.port.Close()
		c.port = nil
		c.carry = ""
	}
	c.mu.Unlock()

	c.setState(StateDisconnected, nil)
	return err
}

// SendCommand 发送一条命令并按命令族规则收取应答
// 返回的CommandResult永不为nil，出错时Lines保留已收到的部分行。
// 断开状态下只做一次连接尝试，失败立即返回并调度后台重连。
func (c *Channel) SendCommand(command string, opts SendOptions) (*CommandResult, error) {
	command = strings.TrimSpace(command)
	result := &CommandResult{Command: command}
	if command == "" {
		return result, errors.New(errors.ErrInvalidParam, "命令不能为空")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	spec := ResponseSpecFor(command)
	requestID := uuid.New().String()
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// 断开状态只尝试一次连接，快速失败
	if c.port == nil {
		if err := c.openLocked(); err != nil {
			c.scheduleReconnect()
			appErr := errors.Wrap(err, errors.ErrSerialDisconnected, command)
			result.Duration = time.Since(start)
			c.record(requestID, command, result, appErr, start)
			return result, appErr
		}
	}

	var lastErr *errors.AppError
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.port == nil {
			if err := c.openLocked(); err != nil {
				lastErr = errors.Wrap(err, errors.ErrSerialDisconnected, command)
				time.Sleep(time.Duration(attempt) * c.cfg.ErrorBackoff)
				continue
			}
		}

		lines, devErr, ioErr := c.attemptLocked(command, timeout, spec, opts.NoWait)
		result.Lines = lines

		if ioErr != nil {
			// 传输错误：断开并退避，下一轮重开
			c.closePortLocked(ioErr)
			lastErr = ioErr
			c.log.Warn("命令传输失败",
				zap.String("request_id", requestID),
				zap.String("command", command),
				zap.Int("attempt", attempt),
				zap.Error(ioErr))
			time.Sleep(time.Duration(attempt) * c.cfg.ErrorBackoff)
			continue
		}

		if devErr != nil {
			// 设备明确报错，不再重试
			result.Duration = time.Since(start)
			c.record(requestID, command, result, devErr, start)
			return result, devErr
		}

		if opts.NoWait {
			result.Duration = time.Since(start)
			c.record(requestID, command, result, nil, start)
			return result, nil
		}

		if len(lines) == 0 {
			lastErr = errors.Newf(errors.ErrSerialTimeout, "设备无应答: %s", command)
			time.Sleep(time.Duration(attempt) * c.cfg.RetryBackoff)
			continue
		}

		// 收到应答
		result.Duration = time.Since(start)
		var parseErr *errors.AppError
		if opts.ExpectJSON {
			result.JSON, parseErr = parseJSONResponse(result.Text())
		}
		c.record(requestID, command, result, parseErr, start)
		if parseErr != nil {
			return result, parseErr
		}
		return result, nil
	}

	// 重试耗尽：视为链路故障，交给后台重连
	if lastErr == nil {
		lastErr = errors.Newf(errors.ErrSerialTimeout, "设备无应答: %s", command)
	}
	c.closePortLocked(lastErr)
	c.scheduleReconnect()
	result.Duration = time.Since(start)
	c.record(requestID, command, result, lastErr, start)
	return result, lastErr
}

// SendCommandUntil 发送命令并持续收行，直到done谓词命中或超时
// 不做重试，谓词先于内置完成规则判断；ERR行仍会立即终止。
func (c *Channel) SendCommandUntil(command string, timeout time.Duration, done func(line string) bool) (*CommandResult, error) {
	command = strings.TrimSpace(command)
	result := &CommandResult{Command: command}
	if command == "" {
		return result, errors.New(errors.ErrInvalidParam, "命令不能为空")
	}
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	requestID := uuid.New().String()
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		if err := c.openLocked(); err != nil {
			c.scheduleReconnect()
			appErr := errors.Wrap(err, errors.ErrSerialDisconnected, command)
			result.Duration = time.Since(start)
			c.record(requestID, command, result, appErr, start)
			return result, appErr
		}
	}

	c.drainLocked()
	if _, err := c.port.Write([]byte(command + "\n")); err != nil {
		appErr := errors.Wrapf(err, errors.ErrSerialPortWrite, "写入命令失败: %s", command)
		c.closePortLocked(appErr)
		c.scheduleReconnect()
		result.Duration = time.Since(start)
		c.record(requestID, command, result, appErr, start)
		return result, appErr
	}

	deadline := time.Now().Add(timeout)
	for {
		for {
			line, ok := c.popLineLocked()
			if !ok {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			result.Lines = append(result.Lines, line)
			if done(line) {
				result.Duration = time.Since(start)
				c.record(requestID, command, result, nil, start)
				return result, nil
			}
			if IsErrorLine(line) {
				devErr := errors.New(errors.ErrDeviceFault, line)
				result.Duration = time.Since(start)
				c.record(requestID, command, result, devErr, start)
				return result, devErr
			}
		}

		if time.Now().After(deadline) {
			break
		}
		if _, err := c.readChunkLocked(); err != nil {
			appErr := errors.Wrapf(err, errors.ErrSerialPortRead, "读取应答失败: %s", command)
			c.closePortLocked(appErr)
			c.scheduleReconnect()
			result.Duration = time.Since(start)
			c.record(requestID, command, result, appErr, start)
			return result, appErr
		}
	}

	c.flushCarry(result)
	timeoutErr := errors.Newf(errors.ErrSerialTimeout, "等待应答超时: %s", command)
	result.Duration = time.Since(start)
	c.record(requestID, command, result, timeoutErr, start)
	return result, timeoutErr
}

// attemptLocked 执行一次完整的命令往返，调用方必须持有c.mu
// 返回（应答行，设备错误，传输错误），传输错误由调用方负责断开重试。
func (c *Channel) attemptLocked(command string, timeout time.Duration, spec ResponseSpec, noWait bool) ([]string, *errors.AppError, *errors.AppError) {
	c.drainLocked()

	if _, err := c.port.Write([]byte(command + "\n")); err != nil {
		return nil, nil, errors.Wrapf(err, errors.ErrSerialPortWrite, "写入命令失败: %s", command)
	}
	if noWait {
		return nil, nil, nil
	}

	deadline := time.Now().Add(timeout)
	lastData := time.Now()
	var lines []string

	for {
		for {
			line, ok := c.popLineLocked()
			if !ok {
				break
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			lines = append(lines, line)
			lastData = time.Now()

			if IsErrorLine(line) {
				return lines, errors.New(errors.ErrDeviceFault, line), nil
			}
			if spec.SingleLine {
				return lines, nil, nil
			}
			if spec.Terminal != "" && strings.HasPrefix(line, spec.Terminal) {
				return lines, nil, nil
			}
		}

		if time.Now().After(deadline) {
			break
		}
		// 静默窗口：已有应答行且数据流停止，视为响应结束
		if len(lines) > 0 && time.Since(lastData) >= c.cfg.QuiescenceWindow {
			break
		}

		gotData, err := c.readChunkLocked()
		if err != nil {
			return lines, nil, errors.Wrapf(err, errors.ErrSerialPortRead, "读取应答失败: %s", command)
		}
		if gotData {
			lastData = time.Now()
		}
	}

	// 把未完的残留行也交给调用方
	if rest := strings.TrimSpace(c.carry); rest != "" {
		lines = append(lines, rest)
		c.carry = ""
	}
	return lines, nil, nil
}

// drainLocked 丢弃上一条命令可能遗留的陈旧字节
func (c *Channel) drainLocked() {
	if c.port != nil {
		c.port.Flush()
	}
	c.carry = ""
}

// popLineLocked 从残留缓冲取出一条完整行
func (c *Channel) popLineLocked() (string, bool) {
	idx := strings.IndexByte(c.carry, '\n')
	if idx < 0 {
		return "", false
	}
	line := c.carry[:idx]
	c.carry = c.carry[idx+1:]
	return line, true
}

// readChunkLocked 读一个超时周期，返回是否收到新字节
// 串口读超时表现为io.EOF，视为空闲周期而不是错误。
func (c *Channel) readChunkLocked() (bool, error) {
	buf := make([]byte, 256)
	n, err := c.port.Read(buf)
	if n > 0 {
		c.carry += string(buf[:n])
	}
	if err != nil && !isIdleReadError(err) {
		return n > 0, err
	}
	return n > 0, nil
}

func (c *Channel) flushCarry(result *CommandResult) {
	if rest := strings.TrimSpace(c.carry); rest != "" {
		result.Lines = append(result.Lines, rest)
		c.carry = ""
	}
}

// parseJSONResponse 解析应答JSON
// 设备高负载时偶发截断最后一个字符，补一个右花括号再试一次。
func parseJSONResponse(text string) (map[string]interface{}, *errors.AppError) {
	text = strings.TrimSpace(text)
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return data, nil
	}
	if err := json.Unmarshal([]byte(text+"}"), &data); err == nil {
		return data, nil
	}
	return nil, errors.Newf(errors.ErrMalformedResponse, "应答不是有效JSON: %s", text)
}

// record 记录一次命令往返（结构化日志 + 上层记录器）
func (c *Channel) record(requestID, command string, result *CommandResult, cmdErr *errors.AppError, start time.Time) {
	success := cmdErr == nil
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("command", command),
		zap.Int("lines", len(result.Lines)),
		zap.Duration("duration", result.Duration),
	}
	if success {
		c.log.Debug("命令完成", fields...)
	} else {
		c.log.Warn("命令失败", append(fields, zap.Error(cmdErr))...)
	}

	if c.recorder == nil {
		return
	}
	rec := CommandRecord{
		RequestID: requestID,
		Command:   command,
		Response:  result.Text(),
		Success:   success,
		Duration:  result.Duration,
		StartedAt: start,
	}
	if cmdErr != nil {
		rec.ErrorMsg = cmdErr.Error()
	}
	c.recorder.RecordCommand(rec)
}
