package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/paper-vendo/internal/config"
	"github.com/wfunc/paper-vendo/internal/dispenser"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/models"
	"github.com/wfunc/paper-vendo/internal/repository"
	"github.com/wfunc/paper-vendo/internal/service"
	"github.com/wfunc/paper-vendo/internal/utils"
)

// stubChannel 预设应答的内存设备通道
type stubChannel struct {
	mu       sync.Mutex
	state    hardware.ConnectionState
	commands []string
	handler  func(command string) (*hardware.CommandResult, error)
}

func (f *stubChannel) SendCommand(command string, opts hardware.SendOptions) (*hardware.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	handler := f.handler
	f.mu.Unlock()

	if opts.NoWait || handler == nil {
		return &hardware.CommandResult{Command: command, Lines: []string{}}, nil
	}
	return handler(command)
}

func (f *stubChannel) State() hardware.ConnectionState { return f.state }
func (f *stubChannel) Connected() bool                 { return f.state == hardware.StateConnected }
func (f *stubChannel) LastError() error                { return nil }

func (f *stubChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// hopperLines 生成一段出币确认应答
func hopperLines(denomination, confirmed, planned int) []string {
	lines := make([]string, 0, confirmed+1)
	for i := 1; i <= confirmed; i++ {
		lines = append(lines, fmt.Sprintf("OUT %d Count: %d/%d", denomination, i, planned))
	}
	if confirmed == planned {
		lines = append(lines, hardware.DoneHopper)
	}
	return lines
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := utils.HashPassword("maint-pass-1")
	require.NoError(t, err)

	return &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode},
		Dispenser: config.DispenserConfig{
			Denominations: []int{10, 5, 1},
			// 测试里不等真实机构动作
			ResetSettle: time.Millisecond,
			HopperPause: time.Millisecond,
		},
		Security: config.SecurityConfig{
			JWT:      config.JWTConfig{Secret: "router-test-secret", ExpireHours: 1},
			Operator: config.OperatorConfig{Username: "operator", PasswordHash: hash},
		},
	}
}

type testEnv struct {
	router   *Router
	channel  *stubChannel
	services *service.Services
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := repository.SetupTestDB()
	t.Cleanup(func() { repository.CleanupTestDB(db) })

	cfg := testConfig(t)
	channel := &stubChannel{state: hardware.StateConnected}

	txlog := service.NewTransactionLogService(db)
	t.Cleanup(txlog.Close)

	services := &service.Services{
		Machine:        service.NewMachineService(channel),
		Dispenser:      dispenser.NewChangeDispenser(channel, &cfg.Dispenser),
		TransactionLog: txlog,
		Auth:           service.NewAuthService(&cfg.Security),
	}

	// 路由测试不起WebSocket
	router := NewRouter(cfg, db, services, nil)
	return &testEnv{router: router, channel: channel, services: services}
}

func (e *testEnv) perform(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	e.router.Engine().ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	w := e.perform("POST", "/api/v1/auth/login", LoginRequest{
		Username: "operator",
		Password: "maint-pass-1",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result service.LoginResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotEmpty(t, result.Token)
	return result.Token
}

// waitLogRows 等异步日志落库
func (e *testEnv) waitLogRows(t *testing.T, query *models.TransactionLogQuery, expected int64) []*models.TransactionLog {
	t.Helper()
	var logs []*models.TransactionLog
	require.Eventually(t, func() bool {
		e.services.TransactionLog.Flush()
		var total int64
		var err error
		logs, total, err = e.services.TransactionLog.Query(query)
		return err == nil && total == expected
	}, 2*time.Second, 20*time.Millisecond)
	return logs
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.perform("GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["device"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGetCoins(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		require.Equal(t, hardware.CmdCoins, command)
		return &hardware.CommandResult{Lines: []string{"42"}}, nil
	}

	w := env.perform("GET", "/api/v1/coins", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(42), resp["count"])
}

func TestGetStatusAlways200(t *testing.T) {
	env := newTestEnv(t)

	t.Run("JSON状态", func(t *testing.T) {
		env.channel.handler = func(command string) (*hardware.CommandResult, error) {
			return &hardware.CommandResult{
				Lines: []string{`{"coins":3}`},
				JSON:  map[string]interface{}{"coins": float64(3)},
			}, nil
		}

		w := env.perform("GET", "/api/v1/status", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)

		var status service.MachineStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.True(t, status.Connected)
		assert.Equal(t, float64(3), status.Device["coins"])
	})

	t.Run("设备离线也返回快照", func(t *testing.T) {
		env.channel.state = hardware.StateDisconnected
		env.channel.handler = func(command string) (*hardware.CommandResult, error) {
			return &hardware.CommandResult{Lines: []string{}},
				fmt.Errorf("设备未连接")
		}

		w := env.perform("GET", "/api/v1/status", nil, "")
		assert.Equal(t, http.StatusOK, w.Code)

		var status service.MachineStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		assert.False(t, status.Connected)
		assert.NotEmpty(t, status.LastError)
	})
}

func TestCheckPaper(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		require.Equal(t, "PAPER? SHORT", command)
		return &hardware.CommandResult{Lines: []string{"1"}}, nil
	}

	w := env.perform("GET", "/api/v1/paper/short", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SHORT", resp["paper_type"])
	assert.Equal(t, true, resp["present"])

	// 未知纸张类型直接400
	w = env.perform("GET", "/api/v1/paper/metal", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispenseHopperRoute(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		require.Equal(t, "HOPPER 5 3", command)
		return &hardware.CommandResult{Lines: hopperLines(5, 3, 3)}, nil
	}

	w := env.perform("POST", "/api/v1/hopper/5/3", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HopperResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Dispensed)
	assert.True(t, resp.Complete)
	assert.Empty(t, resp.Error)

	// 异步日志落库
	logs := env.waitLogRows(t, &models.TransactionLogQuery{Type: models.TransactionTypeHopper}, 1)
	assert.Equal(t, "HOPPER 5 3", logs[0].Command)
	assert.Equal(t, 3, logs[0].Dispensed)
	assert.True(t, logs[0].Success)
}

func TestDispenseHopperInvalidParams(t *testing.T) {
	env := newTestEnv(t)

	// 面额不是数字
	w := env.perform("POST", "/api/v1/hopper/abc/3", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 配置外面额
	w = env.perform("POST", "/api/v1/hopper/7/3", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 枚数非法
	w = env.perform("POST", "/api/v1/hopper/5/0", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispenseChangeRoute(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		switch command {
		case "HOPPER 10 2":
			return &hardware.CommandResult{Lines: hopperLines(10, 2, 2)}, nil
		case "HOPPER 5 1":
			return &hardware.CommandResult{Lines: hopperLines(5, 1, 1)}, nil
		case "HOPPER 1 1":
			return &hardware.CommandResult{Lines: hopperLines(1, 1, 1)}, nil
		default:
			return &hardware.CommandResult{Lines: []string{}}, nil
		}
	}

	w := env.perform("POST", "/api/v1/change/26", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp ChangeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 26, resp.Dispensed)
	assert.Equal(t, 0, resp.Remaining)
	assert.True(t, resp.Complete)

	// 找零前先复位设备
	sent := env.channel.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, hardware.CmdReset, sent[0])
	assert.Contains(t, sent, hardware.DoneChange)

	// 金额不是数字
	w = env.perform("POST", "/api/v1/change/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispensePartialChange(t *testing.T) {
	env := newTestEnv(t)
	// 10面额料斗只出1枚就停，剩下的用5和1补
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		switch command {
		case "HOPPER 10 2":
			return &hardware.CommandResult{Lines: hopperLines(10, 1, 2)},
				fmt.Errorf("出币超时")
		case "HOPPER 5 2":
			return &hardware.CommandResult{Lines: hopperLines(5, 2, 2)}, nil
		case "HOPPER 1 1":
			return &hardware.CommandResult{Lines: hopperLines(1, 1, 1)}, nil
		default:
			return &hardware.CommandResult{Lines: []string{}}, nil
		}
	}

	w := env.perform("POST", "/api/v1/change/21", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp ChangeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 21, resp.Dispensed)
	assert.True(t, resp.Complete)
	assert.Equal(t, 1, resp.Breakdown[10])
	assert.Equal(t, 2, resp.Breakdown[5])
	assert.Equal(t, 1, resp.Breakdown[1])
}

func TestDispensePaperRoute(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		require.Equal(t, "PAPER LONG 2", command)
		return &hardware.CommandResult{Lines: []string{"OUT PAPER 1/2", "OUT PAPER 2/2", hardware.DonePaper}}, nil
	}

	w := env.perform("POST", "/api/v1/paper/long/2", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp dispenser.PaperResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Complete)
	assert.Equal(t, "LONG", resp.PaperType)
}

func TestAuthProtectedRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		return &hardware.CommandResult{Command: command, Lines: []string{"OK"}}, nil
	}

	// 未认证一律401
	w := env.perform("POST", "/api/v1/command", RawCommandRequest{Command: "VER?"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.perform("POST", "/api/v1/coinslot/on", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.perform("DELETE", "/api/v1/logs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := env.login(t)

	w = env.perform("POST", "/api/v1/command", RawCommandRequest{Command: "VER?"}, token)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp RawCommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Result)
	assert.Equal(t, []string{"OK"}, resp.Result.Lines)

	w = env.perform("POST", "/api/v1/coinslot/off", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, env.channel.sent(), "COINSLOT OFF")

	// 开关参数非法
	w = env.perform("POST", "/api/v1/coinslot/maybe", nil, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)

	w := env.perform("POST", "/api/v1/auth/login", LoginRequest{
		Username: "operator",
		Password: "wrong-pass",
	}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "request_id")

	// 缺字段走参数校验
	w = env.perform("POST", "/api/v1/auth/login", map[string]string{"username": "operator"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.channel.handler = func(command string) (*hardware.CommandResult, error) {
		if strings.HasPrefix(command, "HOPPER") {
			return &hardware.CommandResult{Lines: hopperLines(5, 2, 2)}, nil
		}
		return &hardware.CommandResult{Lines: []string{}}, nil
	}

	w := env.perform("POST", "/api/v1/hopper/5/2", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	env.waitLogRows(t, &models.TransactionLogQuery{Type: models.TransactionTypeHopper}, 1)

	// 列表查询
	w = env.perform("GET", "/api/v1/logs?type=HOPPER", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var listResp struct {
		Data  []*models.TransactionLog `json:"data"`
		Total int64                    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	assert.Equal(t, int64(1), listResp.Total)
	require.Len(t, listResp.Data, 1)
	assert.Equal(t, "HOPPER 5 2", listResp.Data[0].Command)

	// 统计
	w = env.perform("GET", "/api/v1/logs/stats", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	var stats models.TransactionLogStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalCount)

	// 导出
	w = env.perform("GET", "/api/v1/logs/export", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, w.Body.String(), "HOPPER 5 2")

	// 清理需要认证，保留天数必须为正
	token := env.login(t)
	w = env.perform("DELETE", "/api/v1/logs?retention_days=0", nil, token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.perform("DELETE", "/api/v1/logs?retention_days=30", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNoRoute(t *testing.T) {
	env := newTestEnv(t)

	w := env.perform("GET", "/api/v1/nothing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}
