package hardware

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/errors"
)

// fakeChunk 一次Read返回的内容
type fakeChunk struct {
	data  string
	err   error
	delay time.Duration
}

// fakePort 脚本化的串口，按顺序回放chunk，脚本耗尽后模拟读超时
type fakePort struct {
	mu        sync.Mutex
	script    []fakeChunk
	writes    []string
	flushes   int
	closed    bool
	idleDelay time.Duration

	reading    int32
	maxReading int32
}

func newFakePort(chunks ...fakeChunk) *fakePort {
	return &fakePort{script: chunks, idleDelay: 2 * time.Millisecond}
}

func chunk(data string) fakeChunk {
	return fakeChunk{data: data}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	// 记录并发读取，通道必须保证同一时刻只有一个读取循环
	cur := atomic.AddInt32(&p.reading, 1)
	defer atomic.AddInt32(&p.reading, -1)
	for {
		max := atomic.LoadInt32(&p.maxReading)
		if cur <= max || atomic.CompareAndSwapInt32(&p.maxReading, max, cur) {
			break
		}
	}

	p.mu.Lock()
	if len(p.script) == 0 {
		p.mu.Unlock()
		time.Sleep(p.idleDelay)
		return 0, io.EOF // 串口读超时的表现
	}
	c := p.script[0]
	p.script = p.script[1:]
	p.mu.Unlock()

	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return 0, c.err
	}
	n := copy(buf, c.data)
	return n, nil
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, fmt.Errorf("write on closed port")
	}
	p.writes = append(p.writes, string(data))
	return len(data), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakePort) writtenCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func testSerialConfig() *config.SerialConfig {
	return &config.SerialConfig{
		Enabled:           true,
		Port:              "/dev/ttyTEST",
		BaudRate:          115200,
		ReadTimeout:       10 * time.Millisecond,
		CommandTimeout:    200 * time.Millisecond,
		QuiescenceWindow:  50 * time.Millisecond,
		SettleAfterClose:  time.Millisecond,
		SettleAfterOpen:   time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      5 * time.Millisecond,
		ErrorBackoff:      5 * time.Millisecond,
		ReconnectInterval: time.Hour, // 测试里默认不让后台重连干扰
	}
}

// newTestChannel 构造使用假串口的通道，ports按打开顺序回放
func newTestChannel(cfg *config.SerialConfig, ports ...*fakePort) (*Channel, *int) {
	ch := NewChannel(cfg)
	opened := 0
	ch.opener = func(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
		if opened < len(ports) {
			p := ports[opened]
			opened++
			return p, nil
		}
		opened++
		return nil, fmt.Errorf("no such device: %s", name)
	}
	return ch, &opened
}

// TestSendCommandSingleLine 单行查询收到一行立即返回
func TestSendCommandSingleLine(t *testing.T) {
	port := newFakePort(chunk("7\n"))
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	start := time.Now()
	result, err := ch.SendCommand("COINS?", SendOptions{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "7" {
		t.Errorf("Lines = %v, want [7]", result.Lines)
	}
	// 单行查询不应等满整个超时
	if elapsed > 150*time.Millisecond {
		t.Errorf("耗时 %v，单行查询应该提前返回", elapsed)
	}

	writes := port.writtenCommands()
	if len(writes) != 2 || writes[1] != "COINS?\n" {
		t.Errorf("writes = %q, want 唤醒换行加命令", writes)
	}
}

// TestSendCommandErrorLine ERR行立即终止并返回设备错误
func TestSendCommandErrorLine(t *testing.T) {
	port := newFakePort(chunk("ERR UNKNOWN CMD\n"))
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	result, err := ch.SendCommand("BOGUS", SendOptions{})
	if !errors.Is(err, errors.ErrDeviceFault) {
		t.Fatalf("err = %v, want ErrDeviceFault", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "ERR UNKNOWN CMD" {
		t.Errorf("Lines = %v, 设备错误行应该保留在结果里", result.Lines)
	}
	// 设备明确报错不应触发重试
	if got := port.writtenCommands(); len(got) != 2 {
		t.Errorf("writes = %q, 设备错误不应重发命令", got)
	}
}

// TestSendCommandTerminalMarker 长时命令收到完成标记后结束
func TestSendCommandTerminalMarker(t *testing.T) {
	port := newFakePort(
		chunk("OUT 10 Count: 1/2\n"),
		chunk("OUT 10 Count: 2/2\nDONE HOPPER\n"),
	)
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	result, err := ch.SendCommand("HOPPER 10 2", SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"OUT 10 Count: 1/2", "OUT 10 Count: 2/2", "DONE HOPPER"}
	if len(result.Lines) != len(want) {
		t.Fatalf("Lines = %v, want %v", result.Lines, want)
	}
	for i := range want {
		if result.Lines[i] != want[i] {
			t.Errorf("Lines[%d] = %q, want %q", i, result.Lines[i], want[i])
		}
	}
	if CountConfirmed(result.Lines, 10) != 2 {
		t.Errorf("确认计数 = %d, want 2", CountConfirmed(result.Lines, 10))
	}
}

// TestSendCommandSplitLines 行被拆成多个chunk也能正确组装
func TestSendCommandSplitLines(t *testing.T) {
	port := newFakePort(
		chunk("OUT 10 Cou"),
		chunk("nt: 1/1\nDONE"),
		chunk(" HOPPER\n"),
	)
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	result, err := ch.SendCommand("HOPPER 10 1", SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "OUT 10 Count: 1/1" || result.Lines[1] != "DONE HOPPER" {
		t.Errorf("Lines = %v", result.Lines)
	}
}

// TestSendCommandQuiescence 无专用规则的命令靠静默窗口结束
func TestSendCommandQuiescence(t *testing.T) {
	port := newFakePort(chunk("OK COINSLOT ENABLED\n"))
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	start := time.Now()
	result, err := ch.SendCommand("COINSLOT ON", SendOptions{})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "OK COINSLOT ENABLED" {
		t.Errorf("Lines = %v", result.Lines)
	}
	if elapsed < 40*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Errorf("耗时 %v，应该在静默窗口后、总超时前返回", elapsed)
	}
}

// TestSendCommandSilentDevice 全程无应答耗尽重试后返回超时并断开
func TestSendCommandSilentDevice(t *testing.T) {
	port := newFakePort()
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	result, err := ch.SendCommand("COINS?", SendOptions{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, errors.ErrSerialTimeout) {
		t.Fatalf("err = %v, want ErrSerialTimeout", err)
	}
	if len(result.Lines) != 0 {
		t.Errorf("Lines = %v, want empty", result.Lines)
	}
	// 每次重试重发一次命令
	if got := port.writtenCommands(); len(got) != 4 { // 唤醒 + 3次命令
		t.Errorf("writes = %q, want 4 entries", got)
	}
	if !port.isClosed() {
		t.Error("重试耗尽后应该关闭端口")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", ch.State())
	}
}

// TestSendCommandDisconnectedFailsFast 断开状态只做一次连接尝试
func TestSendCommandDisconnectedFailsFast(t *testing.T) {
	ch, opened := newTestChannel(testSerialConfig()) // 没有可用端口
	defer ch.Close()

	start := time.Now()
	result, err := ch.SendCommand("COINS?", SendOptions{})
	elapsed := time.Since(start)

	if !errors.Is(err, errors.ErrSerialDisconnected) {
		t.Fatalf("err = %v, want ErrSerialDisconnected", err)
	}
	if result == nil {
		t.Fatal("结果永不为nil")
	}
	if *opened != 1 {
		t.Errorf("打开尝试 = %d, want 1（快速失败）", *opened)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("耗时 %v，断开状态应该快速失败", elapsed)
	}
}

// TestSendCommandTransportErrorRecovers 传输错误断开后在下一次尝试重连成功
func TestSendCommandTransportErrorRecovers(t *testing.T) {
	bad := newFakePort(fakeChunk{err: fmt.Errorf("input/output error")})
	good := newFakePort(chunk("7\n"))
	ch, _ := newTestChannel(testSerialConfig(), bad, good)
	defer ch.Close()

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	result, err := ch.SendCommand("COINS?", SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "7" {
		t.Errorf("Lines = %v, want [7]", result.Lines)
	}
	if !bad.isClosed() {
		t.Error("出错的端口应该被关闭")
	}
	if !ch.Connected() {
		t.Error("恢复后应该处于连接状态")
	}
}

// TestSendCommandNoWait 只写不读立即返回
func TestSendCommandNoWait(t *testing.T) {
	port := newFakePort()
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	start := time.Now()
	result, err := ch.SendCommand("RESET", SendOptions{NoWait: true})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 0 {
		t.Errorf("Lines = %v, want empty", result.Lines)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("耗时 %v, NoWait应该立即返回", elapsed)
	}
	writes := port.writtenCommands()
	if len(writes) != 2 || writes[1] != "RESET\n" {
		t.Errorf("writes = %q", writes)
	}
}

// TestSendCommandExpectJSON JSON应答解析与截断修复
func TestSendCommandExpectJSON(t *testing.T) {
	t.Run("完整JSON", func(t *testing.T) {
		port := newFakePort(chunk(`{"coins":7,"paper_short":1}` + "\n"))
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommand("STATUS?", SendOptions{ExpectJSON: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.JSON == nil || result.JSON["coins"] != float64(7) {
			t.Errorf("JSON = %v", result.JSON)
		}
	})

	t.Run("截断JSON补右花括号", func(t *testing.T) {
		port := newFakePort(chunk(`{"coins":7` + "\n"))
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommand("STATUS?", SendOptions{ExpectJSON: true})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.JSON == nil || result.JSON["coins"] != float64(7) {
			t.Errorf("JSON = %v", result.JSON)
		}
	})

	t.Run("无法修复时保留原始文本", func(t *testing.T) {
		port := newFakePort(chunk("hello\n"))
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommand("STATUS?", SendOptions{ExpectJSON: true})
		if !errors.Is(err, errors.ErrMalformedResponse) {
			t.Fatalf("err = %v, want ErrMalformedResponse", err)
		}
		if len(result.Lines) != 1 || result.Lines[0] != "hello" {
			t.Errorf("Lines = %v, 原始文本应该保留", result.Lines)
		}
	})
}

// TestSendCommandPartialLine 超时时未完的残留行也交给调用方
func TestSendCommandPartialLine(t *testing.T) {
	port := newFakePort(chunk("OUT 5 Cou"))
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	result, err := ch.SendCommand("CHANGE 5", SendOptions{Timeout: 80 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "OUT 5 Cou" {
		t.Errorf("Lines = %v, 残留行应该被保留", result.Lines)
	}
}

// TestSendCommandUntil 自定义谓词终止
func TestSendCommandUntil(t *testing.T) {
	t.Run("谓词命中", func(t *testing.T) {
		port := newFakePort(
			chunk("OUT 10 Count: 1/1\n"),
			chunk("DONE CHANGE\n"),
		)
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommandUntil("CHANGE 10", 200*time.Millisecond, func(line string) bool {
			return strings.HasPrefix(line, "DONE CHANGE")
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Lines) != 2 {
			t.Errorf("Lines = %v", result.Lines)
		}
	})

	t.Run("超时保留部分应答", func(t *testing.T) {
		port := newFakePort(chunk("OUT 10 Count: 1/3\n"))
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommandUntil("CHANGE 30", 60*time.Millisecond, func(line string) bool {
			return strings.HasPrefix(line, "DONE CHANGE")
		})
		if !errors.Is(err, errors.ErrSerialTimeout) {
			t.Fatalf("err = %v, want ErrSerialTimeout", err)
		}
		if len(result.Lines) != 1 {
			t.Errorf("Lines = %v, 部分应答应该保留", result.Lines)
		}
	})

	t.Run("ERR行终止", func(t *testing.T) {
		port := newFakePort(chunk("ERR TIMEOUT 10 Final count: 1/3\n"))
		ch, _ := newTestChannel(testSerialConfig(), port)
		defer ch.Close()

		result, err := ch.SendCommandUntil("CHANGE 30", 200*time.Millisecond, func(line string) bool {
			return strings.HasPrefix(line, "DONE CHANGE")
		})
		if !errors.Is(err, errors.ErrDeviceFault) {
			t.Fatalf("err = %v, want ErrDeviceFault", err)
		}
		if len(result.Lines) != 1 {
			t.Errorf("Lines = %v", result.Lines)
		}
	})
}

// TestSerializedAccess 并发调用串行执行，读取循环互不重叠
func TestSerializedAccess(t *testing.T) {
	port := newFakePort(chunk("5\n"), chunk("9\n"))
	ch, _ := newTestChannel(testSerialConfig(), port)
	defer ch.Close()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := ch.SendCommand("COINS?", SendOptions{})
			if err != nil {
				t.Errorf("caller %d: %v", idx, err)
				return
			}
			if len(result.Lines) == 1 {
				results[idx] = result.Lines[0]
			}
		}(i)
	}
	wg.Wait()

	got := map[string]bool{results[0]: true, results[1]: true}
	if !got["5"] || !got["9"] {
		t.Errorf("results = %v, want 5和9各一次", results)
	}
	if max := atomic.LoadInt32(&port.maxReading); max > 1 {
		t.Errorf("并发读取 = %d, 同一时刻最多只能有一个读取循环", max)
	}
}

// TestStatusListener 连接生命周期的状态通知
func TestStatusListener(t *testing.T) {
	port := newFakePort()
	ch, _ := newTestChannel(testSerialConfig(), port)

	var mu sync.Mutex
	var states []ConnectionState
	ch.OnStatusChange(func(state ConnectionState, err error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	if err := ch.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

// TestConnectFailure 打开失败时状态回到断开
func TestConnectFailure(t *testing.T) {
	ch, _ := newTestChannel(testSerialConfig())
	defer ch.Close()

	if err := ch.Connect(); !errors.Is(err, errors.ErrSerialPortOpen) {
		t.Fatalf("err = %v, want ErrSerialPortOpen", err)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", ch.State())
	}
	if ch.LastError() == nil {
		t.Error("LastError应该记录失败原因")
	}
}

// TestBackgroundReconnect 断开后后台按固定间隔重连直到成功
func TestBackgroundReconnect(t *testing.T) {
	cfg := testSerialConfig()
	cfg.ReconnectInterval = 20 * time.Millisecond

	good := newFakePort(chunk("7\n"))
	ch := NewChannel(cfg)
	defer ch.Close()

	var calls int32
	ch.opener = func(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
		// 前两次打开失败，之后成功
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, fmt.Errorf("no such device: %s", name)
		}
		return good, nil
	}

	if _, err := ch.SendCommand("COINS?", SendOptions{}); !errors.Is(err, errors.ErrSerialDisconnected) {
		t.Fatalf("err = %v, want ErrSerialDisconnected", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !ch.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("后台重连超时未恢复连接")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 恢复后命令可以直接成功
	result, err := ch.SendCommand("COINS?", SendOptions{})
	if err != nil {
		t.Fatalf("重连后发送失败: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "7" {
		t.Errorf("Lines = %v, want [7]", result.Lines)
	}
}

// TestEmptyCommand 空命令直接拒绝
func TestEmptyCommand(t *testing.T) {
	ch, _ := newTestChannel(testSerialConfig())
	defer ch.Close()

	if _, err := ch.SendCommand("   ", SendOptions{}); !errors.Is(err, errors.ErrInvalidParam) {
		t.Errorf("err = %v, want ErrInvalidParam", err)
	}
}

// TestParseJSONResponse 修复逻辑单测
func TestParseJSONResponse(t *testing.T) {
	if data, appErr := parseJSONResponse(`{"a":1}`); appErr != nil || data["a"] != float64(1) {
		t.Errorf("got (%v, %v)", data, appErr)
	}
	if data, appErr := parseJSONResponse(`{"a":1`); appErr != nil || data["a"] != float64(1) {
		t.Errorf("截断修复失败: (%v, %v)", data, appErr)
	}
	if _, appErr := parseJSONResponse("not json"); appErr == nil {
		t.Error("无效JSON应该返回错误")
	}
}
