package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/paper-vendo/internal/dispenser"
	"github.com/wfunc/paper-vendo/internal/errors"
	"github.com/wfunc/paper-vendo/internal/hardware"
	"github.com/wfunc/paper-vendo/internal/service"
	ws "github.com/wfunc/paper-vendo/internal/websocket"
)

// DispenseHandler 出币/出纸/找零处理器
type DispenseHandler struct {
	dispenser *dispenser.ChangeDispenser
	txlog     *service.TransactionLogService
	hub       *ws.Hub
}

// NewDispenseHandler 创建出币处理器
func NewDispenseHandler(d *dispenser.ChangeDispenser, txlog *service.TransactionLogService, hub *ws.Hub) *DispenseHandler {
	return &DispenseHandler{
		dispenser: d,
		txlog:     txlog,
		hub:       hub,
	}
}

// ChangeResponse 找零响应
type ChangeResponse struct {
	*dispenser.ChangeResult
	Error string `json:"error,omitempty"`
}

// HopperResponse 出币响应
type HopperResponse struct {
	*dispenser.HopperResult
	Error string `json:"error,omitempty"`
}

// DispenseChange 按金额找零
// @Summary 按金额找零
// @Description 贪心拆分面额逐料斗出币，缺口在结果里报告
// @Tags Dispense
// @Produce json
// @Param amount path int true "找零金额"
// @Success 200 {object} ChangeResponse
// @Failure 400 {object} errors.ErrorResponse
// @Failure 503 {object} errors.ErrorResponse
// @Router /api/v1/change/{amount} [post]
func (h *DispenseHandler) DispenseChange(c *gin.Context) {
	amount, err := strconv.Atoi(c.Param("amount"))
	if err != nil {
		respondError(c, errors.Newf(errors.ErrInvalidAmount, "金额必须是整数: %s", c.Param("amount")))
		return
	}

	// 找零一旦开始就要出完，请求断开不中断
	start := time.Now()
	result, dispErr := h.dispenser.DispenseChange(context.Background(), amount)
	duration := time.Since(start)

	h.txlog.RecordChange(result, duration, dispErr)
	h.pushDispense("change", result, dispErr)

	// 只要出过币就返回结果，缺口和错误都在结果里；一枚未出的失败才走错误响应
	if dispErr != nil && result.Dispensed == 0 {
		respondError(c, dispErr)
		return
	}

	resp := ChangeResponse{ChangeResult: result}
	if dispErr != nil {
		resp.Error = dispErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// DispenseHopper 指定料斗出币
// @Summary 指定料斗出币
// @Description 直接驱动单个料斗，逐枚确认
// @Tags Dispense
// @Produce json
// @Param denomination path int true "面额"
// @Param count path int true "出币枚数"
// @Success 200 {object} HopperResponse
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/hopper/{denomination}/{count} [post]
func (h *DispenseHandler) DispenseHopper(c *gin.Context) {
	denomination, err := strconv.Atoi(c.Param("denomination"))
	if err != nil {
		respondError(c, errors.Newf(errors.ErrInvalidDenomination, "面额必须是整数: %s", c.Param("denomination")))
		return
	}
	count, err := strconv.Atoi(c.Param("count"))
	if err != nil {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "枚数必须是整数: %s", c.Param("count")))
		return
	}

	start := time.Now()
	result, dispErr := h.dispenser.DispenseHopper(context.Background(), denomination, count)
	duration := time.Since(start)

	h.txlog.RecordHopper(result, duration, dispErr)
	h.pushDispense("hopper", result, dispErr)

	if dispErr != nil && result.Dispensed == 0 {
		respondError(c, dispErr)
		return
	}

	resp := HopperResponse{HopperResult: result}
	if dispErr != nil {
		resp.Error = dispErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// DispensePaper 出纸
// @Summary 出纸
// @Description 按类型出纸，超时随张数放大
// @Tags Dispense
// @Produce json
// @Param type path string true "纸张类型 short|long"
// @Param count path int true "张数"
// @Success 200 {object} dispenser.PaperResult
// @Failure 400 {object} errors.ErrorResponse
// @Router /api/v1/paper/{type}/{count} [post]
func (h *DispenseHandler) DispensePaper(c *gin.Context) {
	paperType, ok := hardware.ParsePaperType(c.Param("type"))
	if !ok {
		respondError(c, errors.Newf(errors.ErrInvalidPaperType, "未知纸张类型: %s", c.Param("type")))
		return
	}
	count, err := strconv.Atoi(c.Param("count"))
	if err != nil {
		respondError(c, errors.Newf(errors.ErrInvalidParam, "张数必须是整数: %s", c.Param("count")))
		return
	}

	start := time.Now()
	result, dispErr := h.dispenser.DispensePaper(context.Background(), paperType, count)
	duration := time.Since(start)

	h.txlog.RecordPaper(result, duration, dispErr)
	h.pushDispense("paper", result, dispErr)

	if dispErr != nil {
		respondError(c, dispErr)
		return
	}

	c.JSON(http.StatusOK, result)
}

// pushDispense 把出币结果推给WebSocket面板
func (h *DispenseHandler) pushDispense(operation string, result interface{}, err error) {
	if h.hub == nil {
		return
	}

	payload := gin.H{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	h.hub.PushDispense(payload)
}
