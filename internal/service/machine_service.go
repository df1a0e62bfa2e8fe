package service

import (
	"time"

	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/logger"
	"go.uber.org/zap"
)

// DeviceChannel 机器服务需要的串口通道能力
type DeviceChannel interface {
	SendCommand(command string, opts hardware.SendOptions) (*hardware.CommandResult, error)
	State() hardware.ConnectionState
	Connected() bool
	LastError() error
}

// MachineStatus 整机状态快照
type MachineStatus struct {
	State       string                 `json:"state"`
	Connected   bool                   `json:"connected"`
	LastError   string                 `json:"last_error,omitempty"`
	Device      map[string]interface{} `json:"device,omitempty"`
	RawResponse string                 `json:"raw_response,omitempty"`
	QueriedAt   time.Time              `json:"queried_at"`
}

// MachineService 整机控制服务
// 把设备的查询/控制命令封装成业务操作，解析应答并翻译成类型化结果。
type MachineService struct {
	channel DeviceChannel
	logger  *zap.Logger
}

// NewMachineService 创建整机控制服务
func NewMachineService(channel DeviceChannel) *MachineService {
	return &MachineService{
		channel: channel,
		logger:  logger.GetModuleLogger("machine"),
	}
}

// ConnectionState 返回串口连接状态（不产生串口流量）
func (s *MachineService) ConnectionState() (state string, connected bool, lastError string) {
	state = s.channel.State().String()
	connected = s.channel.Connected()
	if err := s.channel.LastError(); err != nil {
		lastError = err.Error()
	}
	return state, connected, lastError
}

// Status 查询设备状态
// 设备应答JSON时返回解析结果；应答无法解析时保留原文；
// 查询失败时快照中只有连接状态信息。
func (s *MachineService) Status() *MachineStatus {
	status := &MachineStatus{QueriedAt: time.Now()}
	status.State, status.Connected, status.LastError = s.ConnectionState()

	result, err := s.channel.SendCommand(hardware.CmdStatus, hardware.SendOptions{ExpectJSON: true})
	switch {
	case err == nil:
		status.Device = result.JSON
		status.Connected = true
		status.State = hardware.StateConnected.String()
		status.LastError = ""
	case errors.Is(err, errors.ErrMalformedResponse):
		// 设备活着但输出不是JSON，原样透出
		status.RawResponse = result.Text()
		status.Connected = true
		status.State = hardware.StateConnected.String()
		status.LastError = ""
	default:
		status.LastError = err.Error()
		status.State, status.Connected, _ = s.ConnectionState()
	}
	return status
}

// CoinCount 查询累计投币数
func (s *MachineService) CoinCount() (int, error) {
	result, err := s.channel.SendCommand(hardware.CmdCoins, hardware.SendOptions{})
	if err != nil {
		return 0, err
	}

	count, err := hardware.ParseCoinCount(result.Lines)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrMalformedResponse, result.Text())
	}
	return count, nil
}

// ResetCoinCount 清零投币计数
func (s *MachineService) ResetCoinCount() (string, error) {
	result, err := s.channel.SendCommand(hardware.CmdCoinsReset, hardware.SendOptions{})
	if err != nil {
		return "", err
	}
	s.logger.Info("投币计数已清零")
	return result.Text(), nil
}

// CheckPaper 检测纸仓是否有纸
func (s *MachineService) CheckPaper(paperType hardware.PaperType) (bool, error) {
	result, err := s.channel.SendCommand(hardware.PaperQuery(paperType), hardware.SendOptions{})
	if err != nil {
		return false, err
	}

	present, known := hardware.ParsePaperPresence(result.Lines)
	if !known {
		return false, errors.Newf(errors.ErrMalformedResponse, "纸张检测应答无法解析: %s", result.Text())
	}
	return present, nil
}

// SetCoinslot 启用/禁用投币器
func (s *MachineService) SetCoinslot(enable bool) (string, error) {
	result, err := s.channel.SendCommand(hardware.CoinslotCommand(enable), hardware.SendOptions{})
	if err != nil {
		return "", err
	}
	s.logger.Info("投币器开关", zap.Bool("enabled", enable))
	return result.Text(), nil
}

// Stop 紧急停止所有机构动作
func (s *MachineService) Stop() (string, error) {
	result, err := s.channel.SendCommand(hardware.CmdStop, hardware.SendOptions{})
	if err != nil {
		return "", err
	}
	s.logger.Warn("设备已急停")
	return result.Text(), nil
}

// Reset 复位设备（固件对RESET不应答）
func (s *MachineService) Reset() error {
	_, err := s.channel.SendCommand(hardware.CmdReset, hardware.SendOptions{NoWait: true})
	if err != nil {
		return err
	}
	s.logger.Info("设备已复位")
	return nil
}

// RawCommand 透传任意命令（维护用途）
func (s *MachineService) RawCommand(command string, timeout time.Duration, expectJSON bool) (*hardware.CommandResult, error) {
	return s.channel.SendCommand(command, hardware.SendOptions{
		Timeout:    timeout,
		ExpectJSON: expectJSON,
	})
}
