package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/service"
)

// MachineHandler 设备查询与控制处理器
type MachineHandler struct {
	machine *service.MachineService
}

// NewMachineHandler 创建设备处理器
func NewMachineHandler(machine *service.MachineService) *MachineHandler {
	return &MachineHandler{machine: machine}
}

// GetStatus 查询设备状态
// @Summary 查询设备状态
// @Description 透传STATUS?，设备离线时返回连接状态快照
// @Tags Machine
// @Produce json
// @Success 200 {object} service.MachineStatus
// @Router /api/v1/status [get]
func (h *MachineHandler) GetStatus(c *gin.Context) {
	// 状态查询本身不算失败，设备离线也返回快照
	c.JSON(http.StatusOK, h.machine.Status())
}

// GetCoins 查询投币计数
// @Summary 查询投币计数
// @Description 透传COINS?
// @Tags Machine
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 502 {object} errors.ErrorResponse
// @Router /api/v1/coins [get]
func (h *MachineHandler) GetCoins(c *gin.Context) {
	count, err := h.machine.CoinCount()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// ResetCoins 清零投币计数
// @Summary 清零投币计数
// @Description 透传COINS=RST
// @Tags Machine
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 502 {object} errors.ErrorResponse
// @Router /api/v1/coins/reset [post]
func (h *MachineHandler) ResetCoins(c *gin.Context) {
	resp, err := h.machine.ResetCoinCount()
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, "投币计数已清零", gin.H{"response": resp})
}

// CheckPaper 纸张检测
// @Summary 纸张检测
// @Description 透传PAPER? SHORT|LONG，1为有纸
// @Tags Machine
// @Produce json
// @Param type path string true "纸张类型 short|long"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/paper/{type} [get]
func (h *MachineHandler) CheckPaper(c *gin.Context) {
	paperType, ok := hardware.ParsePaperType(c.Param("type"))
	if !ok {
		respondError(c, errors.Newf(errors.ErrInvalidPaperType, "未知纸张类型: %s", c.Param("type")))
		return
	}

	present, err := h.machine.CheckPaper(paperType)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"paper_type": paperType,
		"present":    present,
	})
}

// SetCoinslot 投币器开关
// @Summary 投币器开关
// @Description 透传COINSLOT ON|OFF
// @Tags Machine
// @Security Bearer
// @Produce json
// @Param action path string true "on|off"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/coinslot/{action} [post]
func (h *MachineHandler) SetCoinslot(c *gin.Context) {
	var enable bool
	switch strings.ToLower(c.Param("action")) {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		respondError(c, errors.Newf(errors.ErrInvalidParam, "action必须是on或off: %s", c.Param("action")))
		return
	}

	resp, err := h.machine.SetCoinslot(enable)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, "投币器开关已切换", gin.H{"enabled": enable, "response": resp})
}

// Stop 急停
// @Summary 急停
// @Description 透传STOP，中断当前出币/出纸动作
// @Tags Machine
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/v1/stop [post]
func (h *MachineHandler) Stop(c *gin.Context) {
	resp, err := h.machine.Stop()
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, "设备已急停", gin.H{"response": resp})
}

// Reset 设备复位
// @Summary 设备复位
// @Description 透传RESET，只发不等应答
// @Tags Machine
// @Produce json
// @Success 200 {object} SuccessResponse
// @Router /api/v1/reset [post]
func (h *MachineHandler) Reset(c *gin.Context) {
	if err := h.machine.Reset(); err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, "复位命令已下发", nil)
}

// RawCommandRequest 原始命令请求
type RawCommandRequest struct {
	Command    string `json:"command" binding:"required"`
	TimeoutMs  int    `json:"timeout_ms"`
	ExpectJSON bool   `json:"expect_json"`
}

// RawCommandResponse 原始命令响应
// 失败也带上部分应答，维护时要看设备到底回了什么。
type RawCommandResponse struct {
	Success bool                    `json:"success"`
	Result  *hardware.CommandResult `json:"result"`
	Error   string                  `json:"error,omitempty"`
}

// RawCommand 原始命令透传
// @Summary 原始命令透传
// @Description 维护用，任意命令直达设备
// @Tags Machine
// @Security Bearer
// @Accept json
// @Produce json
// @Param request body RawCommandRequest true "命令"
// @Success 200 {object} RawCommandResponse
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/command [post]
func (h *MachineHandler) RawCommand(c *gin.Context) {
	var req RawCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.Wrap(err, errors.ErrInvalidParam, "请求参数错误"))
		return
	}

	result, err := h.machine.RawCommand(req.Command, time.Duration(req.TimeoutMs)*time.Millisecond, req.ExpectJSON)
	resp := RawCommandResponse{
		Success: err == nil,
		Result:  result,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
